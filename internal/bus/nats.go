package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// pullQueueGroup makes several pullers on one subject share the load the way
// push/pull sockets do.
const pullQueueGroup = "stackflow-pull"

func natsConnect(ep endpoint) (*nats.Conn, error) {
	nc, err := nats.Connect(ep.server,
		nats.Name("stackflow"),
		nats.Timeout(dialTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(maxBackoff),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "server", ep.server, "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "server", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", ep.server, err)
	}
	return nc, nil
}

type natsSender struct {
	ep endpoint
	nc *nats.Conn

	mu     sync.Mutex
	closed bool
}

func newNATSSender(ep endpoint) (*natsSender, error) {
	nc, err := natsConnect(ep)
	if err != nil {
		return nil, err
	}
	return &natsSender{ep: ep, nc: nc}, nil
}

func (s *natsSender) URL() string { return s.ep.raw }

func (s *natsSender) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.nc.Publish(s.ep.subject, msg); err != nil {
		return fmt.Errorf("bus: publish %s: %w", s.ep.subject, err)
	}
	return nil
}

func (s *natsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// Flush so that a transient SendOnce is not lost on close.
	if err := s.nc.FlushTimeout(writeTimeout); err != nil {
		log.Debug("nats flush failed", "subject", s.ep.subject, "error", err)
	}
	s.nc.Close()
	return nil
}

type natsReceiver struct {
	ep   endpoint
	nc   *nats.Conn
	sub  *nats.Subscription
	once sync.Once
}

func newNATSReceiver(ep endpoint, h Handler, queue string) (*natsReceiver, error) {
	nc, err := natsConnect(ep)
	if err != nil {
		return nil, err
	}
	cb := func(m *nats.Msg) { h(m.Data) }
	var sub *nats.Subscription
	if queue != "" {
		sub, err = nc.QueueSubscribe(ep.subject, queue, cb)
	} else {
		sub, err = nc.Subscribe(ep.subject, cb)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", ep.subject, err)
	}
	if err := sub.SetPendingLimits(queueDepth, MaxFrameSize); err != nil {
		log.Debug("nats pending limits", "subject", ep.subject, "error", err)
	}
	if err := nc.FlushTimeout(time.Second); err != nil {
		log.Debug("nats flush failed", "subject", ep.subject, "error", err)
	}
	return &natsReceiver{ep: ep, nc: nc, sub: sub}, nil
}

func (r *natsReceiver) URL() string { return r.ep.raw }

func (r *natsReceiver) Close() error {
	var err error
	r.once.Do(func() {
		err = r.sub.Unsubscribe()
		r.nc.Close()
	})
	return err
}
