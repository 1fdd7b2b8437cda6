package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/hub"
	"github.com/kstaniek/go-can-common/internal/logging"
	"github.com/kstaniek/go-can-common/internal/metrics"
	"github.com/kstaniek/go-can-common/internal/transport"
)

// Transmitter puts a frame on the bus. *controller.Controller implements it.
type Transmitter interface {
	SendFrame(f *can.Frame) bool
}

// Server owns the TCP listener and coordinates client lifecycle. Frames from
// clients go to TX; frames for clients come from Hub.
type Server struct {
	mu    sync.RWMutex
	addr  string
	Hub   *hub.Hub
	Codec transport.FrameCodec // *cnl.Codec implements
	TX    Transmitter

	frameFilter func(*can.Frame) bool

	flushInterval     time.Duration
	batchSize         int
	readDeadline      time.Duration
	handshakeTimeout  time.Duration
	maxClients        int
	readyOnce         sync.Once
	readyCh           chan struct{}
	lastErrMu         sync.Mutex
	lastErr           error
	errCh             chan error
	listener          net.Listener
	clientsMu         sync.Mutex
	clients           map[*hub.Client]net.Conn
	wg                sync.WaitGroup
	logger            *slog.Logger
	nextConnID        atomic.Uint64
	totalAccepted     atomic.Uint64
	totalHandshakeErr atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
	totalRejected     atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultClientBuf        = 512
)

// errStopped ends Serve after Shutdown closed the listener.
var errStopped = errors.New("server stopped")

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption          { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption              { return func(s *Server) { s.Hub = hb } }
func WithCodec(c transport.FrameCodec) ServerOption { return func(s *Server) { s.Codec = c } }
func WithTransmitter(tx Transmitter) ServerOption   { return func(s *Server) { s.TX = tx } }
func WithFrameFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Stats is a point-in-time copy of the connection counters.
type Stats struct {
	Accepted, HandshakeFailed, Connected, Disconnected, Rejected uint64
}

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:        s.totalAccepted.Load(),
		HandshakeFailed: s.totalHandshakeErr.Load(),
		Connected:       s.totalConnected.Load(),
		Disconnected:    s.totalDisconnected.Load(),
		Rejected:        s.totalRejected.Load(),
	}
}

// Serve accepts TCP clients and spawns reader/writer goroutines until ctx is
// done.
func (s *Server) Serve(ctx context.Context) error {
	if s.Codec == nil {
		return fmt.Errorf("%w: no codec", ErrListen)
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, performs the handshake, registers
// the client and spawns its IO goroutines. Only fatal listener errors are
// returned.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if errors.Is(err, net.ErrClosed) {
			return errStopped
		}
		var ne net.Error
		if errors.As(err, &ne) {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connLogger := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	if !s.admit(ctx, conn, connLogger) {
		return nil
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	client := s.newClient()
	s.clientsMu.Lock()
	s.clients[client] = conn
	s.clientsMu.Unlock()
	s.totalConnected.Add(1)
	connLogger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, client, connLogger)
	s.startReader(ctx.Done(), conn, connLogger)
	return nil
}

// newClient allocates a hub client sized from the hub config.
func (s *Server) newClient() *hub.Client {
	bufSize := defaultClientBuf
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		bufSize = s.Hub.OutBufSize
	}
	cl := hub.NewClient(bufSize)
	if s.Hub != nil {
		s.Hub.Add(cl)
	}
	return cl
}

func (s *Server) removeClient(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	if s.Hub != nil {
		s.Hub.Remove(cl)
	} else {
		cl.Close()
	}
}

// Shutdown closes the listener and every client, then waits for the IO
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	conns := make(map[*hub.Client]net.Conn, len(s.clients))
	for cl, conn := range s.clients {
		conns[cl] = conn
	}
	s.clientsMu.Unlock()
	for cl, conn := range conns {
		_ = conn.Close()
		s.removeClient(cl)
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		st := s.Stats()
		s.logger.Info("shutdown_summary", "accepted", st.Accepted, "handshake_fail", st.HandshakeFailed, "connected", st.Connected, "disconnected", st.Disconnected, "send_rejected", st.Rejected)
		return nil
	}
}
