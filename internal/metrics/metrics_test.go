package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value reads one sample from reg. labels are name/value pairs.
func value(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func freshRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	return reg
}

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.frames)
	assert.NotNil(t, collector.framingErrors)
	assert.NotNil(t, collector.requests)
	assert.NotNil(t, collector.events)
	assert.NotNil(t, collector.rpcLatency)
}

func TestWireCounters(t *testing.T) {
	reg := freshRegistry()
	c := NewCollector()

	for i := 0; i < 3; i++ {
		c.RecordFrame()
	}
	c.RecordFramingError()
	c.LineOpened()
	c.LineOpened()
	c.LineClosed()

	assert.Equal(t, 3.0, value(t, reg, "stackflow_frames_total"))
	assert.Equal(t, 1.0, value(t, reg, "stackflow_framing_errors_total"))
	assert.Equal(t, 1.0, value(t, reg, "stackflow_lines_active"))
}

func TestRouterCounters(t *testing.T) {
	reg := freshRegistry()
	c := NewCollector()

	c.RecordRequest("sys")
	c.RecordRequest("sys")
	c.RecordRequest("inference")
	c.RecordErrorReply(-2)
	c.ObserveRPC(15 * time.Millisecond)

	assert.Equal(t, 2.0, value(t, reg, "stackflow_requests_total", "route", "sys"))
	assert.Equal(t, 1.0, value(t, reg, "stackflow_requests_total", "route", "inference"))
	assert.Equal(t, 1.0, value(t, reg, "stackflow_request_errors_total", "code", "-2"))
	assert.Equal(t, 1.0, value(t, reg, "stackflow_rpc_latency_seconds"))
}

func TestDispatcherGauges(t *testing.T) {
	reg := freshRegistry()
	c := NewCollector()

	c.RecordEvent("SETUP")
	c.SetQueueDepth(7)
	c.SetTasksRegistered(2)
	c.RecordHookPanic()

	assert.Equal(t, 1.0, value(t, reg, "stackflow_events_total", "kind", "SETUP"))
	assert.Equal(t, 7.0, value(t, reg, "stackflow_event_queue_depth"))
	assert.Equal(t, 2.0, value(t, reg, "stackflow_tasks_registered"))
	assert.Equal(t, 1.0, value(t, reg, "stackflow_hook_panics_total"))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordFrame()
		c.RecordFramingError()
		c.LineOpened()
		c.LineClosed()
		c.RecordRequest("unit")
		c.RecordErrorReply(-9)
		c.ObserveRPC(time.Second)
		c.SetTasksRegistered(1)
		c.RecordEvent("WORK")
		c.SetQueueDepth(1)
		c.RecordHookPanic()
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	NewCollector()
	assert.Panics(t, func() { NewCollector() })
}

func TestNewServerExposesMetrics(t *testing.T) {
	reg := freshRegistry()
	prevGatherer := prometheus.DefaultGatherer
	prometheus.DefaultGatherer = reg
	defer func() { prometheus.DefaultGatherer = prevGatherer }()

	c := NewCollector()
	c.RecordFrame()

	srv := NewServer(":0")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "stackflow_frames_total 1"))
}
