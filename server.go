package msgsock

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server closed")

const (
	// defaultAcceptTimeout bounds each accept attempt.
	defaultAcceptTimeout = 10 * time.Second
	// maxAcceptDelay caps the back-off after repeated accept failures.
	maxAcceptDelay = time.Second
)

// tcpListener is the part of *net.TCPListener the accept loop uses.
type tcpListener interface {
	AcceptTCP() (*net.TCPConn, error)
	SetDeadline(t time.Time) error
	Addr() net.Addr
	Close() error
}

// Server accepts TCP connections, keeps a registry of the live ones keyed by
// peer identity, and funnels everything they receive into one Queue.
type Server struct {
	listener        tcpListener
	logger          Logger
	metrics         *Metrics
	queue           *Queue
	acceptTimeout   time.Duration
	shutdownTimeout time.Duration
	connOpts        []Option

	mu          sync.Mutex
	conns       map[PeerID]*Conn
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerAcceptTimeoutOption bounds each accept attempt. The accept loop wakes
// up at least this often to check for shutdown. Default is 10s.
func ServerAcceptTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.acceptTimeout = timeout
	}
}

// ServerShutdownTimeoutOption sets how long Serve lets open connections drain
// after its context is canceled before closing them. Default is 0 (immediate).
// Close bypasses the remaining timeout.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOptions sets the options applied to every accepted connection.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// ServerMetricsOption records connection and frame metrics for the server.
func ServerMetricsOption(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// ServerQueueOption makes the server deliver into q instead of a private queue.
func ServerQueueOption(q *Queue) ServerOption {
	return func(s *Server) {
		s.queue = q
	}
}

// New creates a server listening on addr.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	s := &Server{
		listener:      listener,
		logger:        defaultLogger(),
		acceptTimeout: defaultAcceptTimeout,
		conns:         make(map[PeerID]*Conn),
		shutdownNow:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.queue == nil {
		s.queue = NewQueue()
	}
	if s.acceptTimeout <= 0 {
		s.acceptTimeout = defaultAcceptTimeout
	}
	// connection-level options given by the caller win over the server's own
	s.connOpts = append([]Option{LoggerOption(s.logger), MetricsOption(s.metrics)}, s.connOpts...)

	return s, nil
}

// Listen resolves address and creates a server listening on it.
func Listen(address string, opts ...ServerOption) (*Server, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", address)
	}
	return New(addr, opts...)
}

// Serve runs the accept loop. Every accepted connection is registered under its
// peer identity and its receive loop runs under the server's supervision.
//
// Serve blocks until ctx is canceled or Close is called. Before returning it
// closes every open connection and waits for all receive loops to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr(), "accept_timeout", s.acceptTimeout)

	// connections outlive ctx until drain decides to close them
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()
	group := new(errgroup.Group)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.stopAccepting()
		case <-stop:
		}
	}()

	err := s.acceptLoop(ctx, connCtx, group)

	s.drain(group)
	cancelConns()
	s.closeConns()
	_ = group.Wait()

	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return err
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, group *errgroup.Group) error {
	var delay time.Duration
	for {
		if s.isShutdown() {
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrServerClosed
		}

		_ = s.listener.SetDeadline(time.Now().Add(s.acceptTimeout))
		if s.isShutdown() {
			continue
		}
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				continue
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			s.metrics.acceptFailed()
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Error("accept error", "error", err, "retry_in", delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}

		delay = 0
		s.handle(connCtx, group, conn)
	}
}

func (s *Server) handle(ctx context.Context, group *errgroup.Group, raw *net.TCPConn) {
	_ = raw.SetNoDelay(true)

	conn, err := NewConn(raw, s.queue, s.connOpts...)
	if err != nil {
		s.logger.Error("wrap connection", "remote_addr", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}
	s.logger.Debug("accepted connection", "peer", conn.Peer())

	conn.OnClose(s.remove)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn.Peer()] = conn
	s.mu.Unlock()

	group.Go(func() error {
		_ = conn.Run(ctx)
		return nil
	})
}

// drain waits for open connections to finish on their own, up to the
// shutdown timeout.
func (s *Server) drain(group *errgroup.Group) {
	if s.shutdownTimeout <= 0 || s.Len() == 0 {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout, "connections", s.Len())
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
	case <-s.shutdownNow:
		s.logger.Debug("shutdown timeout bypassed via Close()")
	}
}

// remove drops c from the registry unless another connection has since taken
// its key.
func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.conns[c.Peer()]; ok && cur == c {
		delete(s.conns, c.Peer())
	}
}

func (s *Server) snapshot() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) closeConns() {
	for _, c := range s.snapshot() {
		_ = c.Close()
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// stopAccepting marks the server as shut down and unblocks a pending Accept.
func (s *Server) stopAccepting() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	_ = s.listener.SetDeadline(time.Now())
}

// SendToAll sends m to every registered connection and returns how many sends
// succeeded. A failure on one peer is logged and does not stop the others.
// Connections registered while the broadcast runs may or may not receive it.
func (s *Server) SendToAll(m Message) int {
	sent := 0
	for _, c := range s.snapshot() {
		ok, err := c.Send(m)
		if err != nil {
			s.logger.Warn("broadcast send failed", "peer", c.Peer(), "error", err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent
}

// Send sends m to the connection registered for peer. It returns false if no
// open connection is registered for peer.
func (s *Server) Send(peer PeerID, m Message) (bool, error) {
	c, ok := s.Conn(peer)
	if !ok {
		return false, nil
	}
	return c.Send(m)
}

// Conn returns the connection registered for peer.
func (s *Server) Conn(peer PeerID) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[peer]
	return c, ok
}

// Peers returns the identities of all registered connections.
func (s *Server) Peers() []PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]PeerID, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	return peers
}

// Len returns the number of registered connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Queue returns the queue every connection delivers into.
func (s *Server) Queue() *Queue {
	return s.queue
}

// Dispatch delivers queued entries to h until ctx is done.
func (s *Server) Dispatch(ctx context.Context, h Handler) error {
	return Dispatch(ctx, s.queue, h)
}

// Close stops the server: it closes the listener and every open connection.
// If a shutdown timeout is configured, Close bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	err := s.listener.Close()
	s.closeConns()
	return err
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
