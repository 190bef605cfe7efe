// ============================================================================
// StackFlow Metrics - Prometheus collectors
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect runtime counters for the broker, the line front-ends and
//          the per-unit dispatcher, exposed on /metrics.
//
// Metric groups:
//
//   1. Wire (Counter):
//      - stackflow_frames_total: complete messages produced by line framers
//      - stackflow_framing_errors_total: framer resets
//      - stackflow_lines_active (Gauge): open serial/TCP lines
//
//   2. Router (Counter / Histogram):
//      - stackflow_requests_total{route}: dispatched client requests, where
//        route is one of inference, sys, unit, invalid
//      - stackflow_request_errors_total{code}: error replies by code
//      - stackflow_rpc_latency_seconds: latency of broker -> unit calls
//
//   3. Registry (Gauge):
//      - stackflow_tasks_registered: live registry entries
//
//   4. Dispatcher (Counter / Gauge):
//      - stackflow_events_total{kind}: events consumed by the dispatcher
//      - stackflow_event_queue_depth: events waiting in the queue
//      - stackflow_hook_panics_total: recovered hook panics
//
// Every Record method is safe on a nil *Collector so that components can run
// without metrics in tests.
//
// ============================================================================

package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the StackFlow Prometheus collectors.
type Collector struct {
	// wire
	frames        prometheus.Counter
	framingErrors prometheus.Counter
	linesActive   prometheus.Gauge

	// router
	requests      *prometheus.CounterVec
	requestErrors *prometheus.CounterVec
	rpcLatency    prometheus.Histogram

	// registry
	tasksRegistered prometheus.Gauge

	// dispatcher
	events     *prometheus.CounterVec
	queueDepth prometheus.Gauge
	hookPanics prometheus.Counter
}

// NewCollector creates the collectors and registers them on the default
// registerer.
func NewCollector() *Collector {
	c := &Collector{
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackflow_frames_total",
			Help: "Total number of complete messages produced by line framers",
		}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackflow_framing_errors_total",
			Help: "Total number of framer resets",
		}),
		linesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackflow_lines_active",
			Help: "Current number of open serial and TCP lines",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackflow_requests_total",
			Help: "Total number of client requests by route",
		}, []string{"route"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackflow_request_errors_total",
			Help: "Total number of error replies by code",
		}, []string{"code"}),
		rpcLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackflow_rpc_latency_seconds",
			Help:    "Latency of broker to unit RPC calls in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		tasksRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackflow_tasks_registered",
			Help: "Current number of registered tasks",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackflow_events_total",
			Help: "Total number of dispatcher events by kind",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackflow_event_queue_depth",
			Help: "Current number of queued dispatcher events",
		}),
		hookPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackflow_hook_panics_total",
			Help: "Total number of recovered unit hook panics",
		}),
	}

	prometheus.MustRegister(c.frames)
	prometheus.MustRegister(c.framingErrors)
	prometheus.MustRegister(c.linesActive)
	prometheus.MustRegister(c.requests)
	prometheus.MustRegister(c.requestErrors)
	prometheus.MustRegister(c.rpcLatency)
	prometheus.MustRegister(c.tasksRegistered)
	prometheus.MustRegister(c.events)
	prometheus.MustRegister(c.queueDepth)
	prometheus.MustRegister(c.hookPanics)

	return c
}

// RecordFrame counts one complete framed message.
func (c *Collector) RecordFrame() {
	if c == nil {
		return
	}
	c.frames.Inc()
}

// RecordFramingError counts one framer reset.
func (c *Collector) RecordFramingError() {
	if c == nil {
		return
	}
	c.framingErrors.Inc()
}

// LineOpened and LineClosed track open lines.
func (c *Collector) LineOpened() {
	if c == nil {
		return
	}
	c.linesActive.Inc()
}

func (c *Collector) LineClosed() {
	if c == nil {
		return
	}
	c.linesActive.Dec()
}

// RecordRequest counts one routed request.
func (c *Collector) RecordRequest(route string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(route).Inc()
}

// RecordErrorReply counts one error reply.
func (c *Collector) RecordErrorReply(code int) {
	if c == nil {
		return
	}
	c.requestErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveRPC records the latency of one unit call.
func (c *Collector) ObserveRPC(d time.Duration) {
	if c == nil {
		return
	}
	c.rpcLatency.Observe(d.Seconds())
}

// SetTasksRegistered sets the registry size.
func (c *Collector) SetTasksRegistered(n int) {
	if c == nil {
		return
	}
	c.tasksRegistered.Set(float64(n))
}

// RecordEvent counts one consumed dispatcher event.
func (c *Collector) RecordEvent(kind string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(kind).Inc()
}

// SetQueueDepth sets the dispatcher backlog.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// RecordHookPanic counts one recovered hook panic.
func (c *Collector) RecordHookPanic() {
	if c == nil {
		return
	}
	c.hookPanics.Inc()
}

// StartServer serves /metrics on port until the listener fails.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	err := http.ListenAndServe(addr, mux)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// NewServer returns an unstarted /metrics server on addr so callers can shut
// it down with the rest of the process.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
