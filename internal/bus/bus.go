// ============================================================================
// StackFlow Message Bus
// ============================================================================
//
// Package: internal/bus
// File: bus.go
// Purpose: The four socket roles units and the broker talk through.
//
//   Publisher   binds a URL and fans every message out to its subscribers
//   Subscriber  connects to a publisher URL and receives every message
//   Puller      binds a URL and receives messages from any pusher
//   Pusher      connects to a puller URL and delivers messages to it
//
// URL schemes:
//   inproc://name                 in-process hub (tests, single binary)
//   ipc:///path/to/file.sock      unix domain socket, length-prefixed frames
//   tcp://host:port               TCP, length-prefixed frames
//   nats://host:port/subject      NATS core subject (push/pull uses a queue group)
//
// Delivery is best-effort: a publisher without subscribers drops messages
// and a slow subscriber drops what its queue cannot hold.
//
// ============================================================================

package bus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("bus: socket closed")
	// ErrNoPeer is returned when a push finds no puller bound to the URL.
	ErrNoPeer = errors.New("bus: no peer")
	// ErrBadURL is returned for unsupported or malformed socket URLs.
	ErrBadURL = errors.New("bus: bad url")
	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("bus: frame too large")
)

// MaxFrameSize bounds one frame on stream transports.
const MaxFrameSize = 64 << 20

// Handler receives one inbound message. Handlers for one socket are called
// sequentially from a single goroutine.
type Handler func(msg []byte)

// Sender is the outbound side (publisher or pusher).
type Sender interface {
	Send(msg []byte) error
	URL() string
	io.Closer
}

// Receiver is the inbound side (subscriber or puller).
type Receiver interface {
	URL() string
	io.Closer
}

type scheme int

const (
	schemeInproc scheme = iota
	schemeIPC
	schemeTCP
	schemeNATS
)

type endpoint struct {
	raw     string
	scheme  scheme
	network string // "unix" or "tcp"
	address string // socket path, host:port, or inproc name
	server  string // nats server URL
	subject string // nats subject
}

func parseURL(raw string) (endpoint, error) {
	ep := endpoint{raw: raw}
	switch {
	case strings.HasPrefix(raw, "inproc://"):
		ep.scheme = schemeInproc
		ep.address = strings.TrimPrefix(raw, "inproc://")
	case strings.HasPrefix(raw, "ipc://"):
		ep.scheme = schemeIPC
		ep.network = "unix"
		ep.address = strings.TrimPrefix(raw, "ipc://")
	case strings.HasPrefix(raw, "tcp://"):
		ep.scheme = schemeTCP
		ep.network = "tcp"
		ep.address = strings.TrimPrefix(raw, "tcp://")
		if ep.address == "*" || strings.HasPrefix(ep.address, "*:") {
			ep.address = strings.TrimPrefix(ep.address, "*")
		}
	case strings.HasPrefix(raw, "nats://"):
		u, err := url.Parse(raw)
		if err != nil {
			return ep, fmt.Errorf("%w: %q: %v", ErrBadURL, raw, err)
		}
		ep.scheme = schemeNATS
		ep.server = "nats://" + u.Host
		ep.subject = strings.ReplaceAll(strings.Trim(u.Path, "/"), "/", ".")
		if ep.subject == "" {
			return ep, fmt.Errorf("%w: %q: missing subject", ErrBadURL, raw)
		}
	default:
		return ep, fmt.Errorf("%w: %q", ErrBadURL, raw)
	}
	if ep.scheme != schemeNATS && ep.address == "" {
		return ep, fmt.Errorf("%w: %q: empty address", ErrBadURL, raw)
	}
	return ep, nil
}

// NewPublisher binds a publisher socket on rawURL.
func NewPublisher(rawURL string) (Sender, error) {
	ep, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	switch ep.scheme {
	case schemeInproc:
		return defaultHub.publisher(ep), nil
	case schemeNATS:
		return newNATSSender(ep)
	default:
		return newStreamPublisher(ep)
	}
}

// NewSubscriber connects a subscriber to the publisher at rawURL. The
// subscriber keeps reconnecting until closed.
func NewSubscriber(rawURL string, h Handler) (Receiver, error) {
	ep, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	switch ep.scheme {
	case schemeInproc:
		return defaultHub.subscribe(ep, h), nil
	case schemeNATS:
		return newNATSReceiver(ep, h, "")
	default:
		return newStreamSubscriber(ep, h), nil
	}
}

// NewPusher returns a pusher for the puller at rawURL. The connection is
// established lazily on the first Send.
func NewPusher(rawURL string) (Sender, error) {
	ep, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	switch ep.scheme {
	case schemeInproc:
		return defaultHub.pusher(ep), nil
	case schemeNATS:
		return newNATSSender(ep)
	default:
		return newStreamPusher(ep), nil
	}
}

// NewPuller binds a puller socket on rawURL.
func NewPuller(rawURL string, h Handler) (Receiver, error) {
	ep, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	switch ep.scheme {
	case schemeInproc:
		return defaultHub.pull(ep, h)
	case schemeNATS:
		return newNATSReceiver(ep, h, pullQueueGroup)
	default:
		return newStreamPuller(ep, h)
	}
}

// SendOnce pushes one message to rawURL over a transient connection.
func SendOnce(rawURL string, msg []byte) error {
	p, err := NewPusher(rawURL)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.Send(msg)
}

// isExpectedClose reports whether err is a normal connection termination.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
