// ============================================================================
// StackFlow RPC Transport
// ============================================================================
//
// Package: internal/rpc
// File: rpc.go
// Purpose: Request/reply calls between unit processes and the broker.
//
// Server side:
//   Each process serves one gRPC Unit service on a unix socket (or TCP). The
//   service dispatches on the request's action name through a table filled
//   with Handle. Handlers return a single string.
//
// Client side:
//   Call opens a transient connection, invokes, and closes it again. A wedged
//   peer therefore never blocks a connection other callers depend on.
//
// Addressing:
//   A Directory maps unit names to targets, e.g. "sys" ->
//   "unix:///tmp/llm/rpc.sys.sock".
//
// ============================================================================

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var log = slog.With("component", "rpc")

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrUnknownAction is returned when the remote has no handler for an action.
	ErrUnknownAction = errors.New("rpc: unknown action")
	// ErrServerClosed is returned by Listen after Close.
	ErrServerClosed = errors.New("rpc: server closed")
)

// DefaultTimeout bounds one Call when the context has no deadline.
const DefaultTimeout = 5 * time.Second

// ActionFunc handles one action. url is the caller-supplied return address
// (may be empty) and body the raw payload.
type ActionFunc func(ctx context.Context, url, body string) (string, error)

// ============================================================================
// Directory
// ============================================================================

// DefaultDirectoryFormat places every unit's socket under /tmp/llm.
const DefaultDirectoryFormat = "unix:///tmp/llm/rpc.%s.sock"

// Directory resolves unit names to RPC targets.
type Directory struct {
	Format string
}

// Target returns the RPC address of unit.
func (d Directory) Target(unit string) string {
	format := d.Format
	if format == "" {
		format = DefaultDirectoryFormat
	}
	return fmt.Sprintf(format, unit)
}

// ============================================================================
// Server
// ============================================================================

// Server serves the Unit service for one process.
type Server struct {
	name string

	mu      sync.RWMutex
	actions map[string]ActionFunc

	grpc     *grpc.Server
	listener net.Listener
	unixPath string
	closed   bool
}

// NewServer creates a server named after its unit.
func NewServer(name string) *Server {
	s := &Server{
		name:    name,
		actions: make(map[string]ActionFunc),
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverInterceptor))
	RegisterUnitServer(s.grpc, s)
	return s
}

// Handle registers fn under action, replacing any previous handler.
func (s *Server) Handle(action string, fn ActionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// Actions lists registered action names.
func (s *Server) Actions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.actions))
	for a := range s.actions {
		out = append(out, a)
	}
	return out
}

// Call implements UnitServer.
func (s *Server) Call(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	action := field(req, "action")
	s.mu.RLock()
	fn, ok := s.actions[action]
	s.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "%s: action %q", s.name, action)
	}
	out, err := fn(ctx, field(req, "url"), field(req, "body"))
	if err != nil {
		return nil, status.Errorf(codes.Aborted, "%s: %s: %v", s.name, action, err)
	}
	return wrapperspb.String(out), nil
}

func (s *Server) recoverInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("rpc handler panicked", "unit", s.name, "method", info.FullMethod, "panic", r)
			err = status.Errorf(codes.Internal, "%s: handler panic: %v", s.name, r)
		}
	}()
	return handler(ctx, req)
}

// Listen binds target ("unix:///path", "tcp://host:port" or "host:port") and
// serves in the background.
func (s *Server) Listen(target string) error {
	network, address := splitTarget(target)
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return fmt.Errorf("rpc: create socket dir: %w", err)
		}
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rpc: remove stale socket: %w", err)
		}
	}

	lis, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", target, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lis.Close()
		return ErrServerClosed
	}
	s.listener = lis
	if network == "unix" {
		s.unixPath = address
	}
	s.mu.Unlock()

	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("rpc server stopped", "unit", s.name, "error", err)
		}
	}()
	log.Debug("rpc server listening", "unit", s.name, "target", target)
	return nil
}

// Addr returns the bound target in dialable form.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	if s.unixPath != "" {
		return "unix://" + s.unixPath
	}
	return s.listener.Addr().String()
}

// Close stops the server. In-flight calls are allowed to finish.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	path := s.unixPath
	s.mu.Unlock()

	s.grpc.GracefulStop()
	if path != "" {
		os.Remove(path)
	}
}

func splitTarget(target string) (network, address string) {
	switch {
	case strings.HasPrefix(target, "unix://"):
		return "unix", strings.TrimPrefix(target, "unix://")
	case strings.HasPrefix(target, "tcp://"):
		return "tcp", strings.TrimPrefix(target, "tcp://")
	default:
		return "tcp", target
	}
}

// ============================================================================
// Client
// ============================================================================

// Call invokes action on the unit served at target over a transient
// connection.
func Call(ctx context.Context, target, action, url, body string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	dial := target
	if network, address := splitTarget(target); network == "tcp" {
		dial = "passthrough:///" + address
	}
	conn, err := grpc.NewClient(dial, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("rpc: dial %s: %w", target, err)
	}
	defer conn.Close()

	resp, err := invoke(ctx, conn, newRequest(action, url, body))
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return "", fmt.Errorf("%w: %s on %s", ErrUnknownAction, action, target)
		}
		return "", fmt.Errorf("rpc: call %s on %s: %w", action, target, err)
	}
	return resp.GetValue(), nil
}

// Client binds Call to a Directory.
type Client struct {
	Directory Directory
}

// Call invokes action on unit.
func (c Client) Call(ctx context.Context, unit, action, url, body string) (string, error) {
	return Call(ctx, c.Directory.Target(unit), action, url, body)
}
