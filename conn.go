// Package msgsock provides a length-prefixed message transport over TCP.
// Every frame is a 4-byte big-endian length followed by a serialized payload.
// Connections decode frames on their own goroutine and hand them, tagged with
// the peer's identity, to a shared ordered Queue read by the application.
package msgsock

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidQueue is returned when no queue is provided.
	ErrInvalidQueue = errors.New("invalid queue")
	// ErrConnectionClosed is returned when receiving on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Default configuration values.
const (
	// defaultMaxPackageLength is the default maximum size of a single payload (1MB).
	defaultMaxPackageLength = 1024 * 1024
)

// Conn pairs a framed channel with the identity of the remote peer.
// Its receive loop pushes every decoded message, and finally one disconnect
// sentinel, onto a Queue. Send may be called from any goroutine.
type Conn struct {
	rawConn net.Conn
	channel *Channel
	peer    PeerID
	queue   *Queue
	logger  Logger

	opts options

	closed     atomic.Bool
	terminated atomic.Bool

	mu      sync.Mutex
	onClose []func(*Conn)
}

// NewConn wraps an established connection. Decoded messages go to queue.
func NewConn(conn net.Conn, queue *Queue, opt ...Option) (*Conn, error) {
	if queue == nil {
		return nil, ErrInvalidQueue
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	c := newConnWithOptions(conn, queue, opts)
	opts.metrics.connOpened()
	return c, nil
}

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.codec == nil {
		opts.codec = MsgpackCodec{}
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.readTimeout < 0 {
		opts.readTimeout = 0
	}

	if opts.writeTimeout < 0 {
		opts.writeTimeout = 0
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

func newConnWithOptions(conn net.Conn, queue *Queue, opts options) *Conn {
	return &Conn{
		rawConn: conn,
		channel: NewChannel(conn, opts.codec, opts.maxReadLength),
		peer:    PeerIDFromAddr(conn.RemoteAddr()),
		queue:   queue,
		logger:  opts.logger,
		opts:    opts,
	}
}

// Run executes the receive loop until the peer disconnects or ctx is canceled.
// Canceling ctx closes the connection, which unblocks the pending read.
// The connection is always closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "peer", c.peer)
	c.logger.Debug("connection options", "peer", c.peer,
		"max_read_length", c.opts.maxReadLength,
		"read_timeout", c.opts.readTimeout,
		"write_timeout", c.opts.writeTimeout)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel()
		c.ReceiveLoop()
		return nil
	})

	group.Go(func() error {
		<-child.Done()
		return c.Close()
	})

	if err := group.Wait(); err != nil {
		c.logger.Debug("close error", "peer", c.peer, "error", err)
	}
	return parent.Err()
}

// ReceiveLoop calls ReceiveOnce until it reports termination, then closes the
// connection.
func (c *Conn) ReceiveLoop() {
	for c.ReceiveOnce() {
	}
	_ = c.Close()
}

// ReceiveOnce reads one frame and enqueues it tagged with the peer's identity.
//
// It returns false when the connection is finished: the peer closed the stream,
// the transport failed, or a payload failed to decode and the error callback chose
// Disconnect. In that case a disconnect sentinel is enqueued; a connection
// enqueues at most one sentinel over its lifetime.
func (c *Conn) ReceiveOnce() bool {
	if c.closed.Load() {
		c.terminate()
		return false
	}

	m, err := c.receive(c.readDeadline())
	if err == nil {
		c.queue.Enqueue(Entry{Peer: c.peer, Message: m})
		return true
	}

	var decodeErr *DecodeError
	switch {
	case errors.As(err, &decodeErr):
		c.logger.Warn("undecodable frame", "peer", c.peer, "error", err)
		if c.opts.onError(err) == Continue {
			return true
		}
	case errors.Is(err, io.EOF):
		c.logger.Debug("peer closed stream", "peer", c.peer)
	case c.closed.Load():
		// closed locally while the read was pending
	default:
		c.logger.Debug("read error", "peer", c.peer, "error", err)
	}

	c.terminate()
	return false
}

// Receive reads and returns one message directly, bypassing the queue.
// It must not be used while ReceiveLoop or Run is active on the same connection.
// Orderly closure by the peer is reported as io.EOF. Any failure other than a
// *DecodeError closes the connection.
func (c *Conn) Receive() (Message, error) {
	return c.ReceiveContext(context.Background())
}

// ReceiveContext is Receive bounded by ctx. A deadline on ctx becomes a read
// deadline; cancellation interrupts the pending read and closes the connection,
// since the stream may be left inside a frame.
func (c *Conn) ReceiveContext(ctx context.Context) (Message, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	deadline := c.readDeadline()
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.rawConn.SetReadDeadline(time.Now())
		close(interrupted)
	})
	// a callback that already started must finish before the next read sets
	// its own deadline
	defer func() {
		if !stop() {
			<-interrupted
		}
	}()

	_ = c.rawConn.SetReadDeadline(deadline)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := c.readFrame()
	if err == nil {
		return m, nil
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return nil, err
	}
	_ = c.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	// the read deadline can expire just before ctx's own timer fires
	if d, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(d) {
		return nil, context.DeadlineExceeded
	}
	return nil, err
}

// receive reads one frame. A zero deadline means no deadline.
func (c *Conn) receive(deadline time.Time) (Message, error) {
	_ = c.rawConn.SetReadDeadline(deadline)
	return c.readFrame()
}

func (c *Conn) readFrame() (Message, error) {
	m, n, err := c.channel.receive()
	var decodeErr *DecodeError
	switch {
	case err == nil:
		c.opts.metrics.received(n)
	case errors.As(err, &decodeErr):
		c.opts.metrics.decodeFailed(n)
	}
	return m, err
}

// Send writes one message. It returns false without touching the transport when
// the connection is already closed. A transport failure is returned as an error
// and closes the connection; the receive loop then reports the disconnect.
// Encoding failures leave the connection open.
func (c *Conn) Send(m Message) (bool, error) {
	if c.closed.Load() {
		return false, nil
	}

	frame, err := c.channel.encode(m)
	if err != nil {
		return false, err
	}

	if c.opts.writeTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}

	if err = c.channel.write(frame); err != nil {
		c.logger.Debug("write error", "peer", c.peer, "error", err)
		_ = c.Close()
		return false, err
	}

	c.opts.metrics.sent(len(frame))
	return true, nil
}

// Close closes the underlying transport. Only the first call has any effect;
// later calls return nil.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	err := c.rawConn.Close()
	c.opts.metrics.connClosed()
	c.logger.Info("connection closed", "peer", c.peer)

	c.mu.Lock()
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(c)
	}
	return err
}

// OnClose registers fn to run once after the connection is closed.
// If the connection is already closed fn runs immediately.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.mu.Lock()
	if !c.closed.Load() {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Peer returns the identity of the remote endpoint.
func (c *Conn) Peer() PeerID {
	return c.peer
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// terminate enqueues the disconnect sentinel the first time it is called.
func (c *Conn) terminate() {
	if c.terminated.Swap(true) {
		return
	}
	c.queue.Enqueue(Entry{Peer: c.peer})
}

func (c *Conn) readDeadline() time.Time {
	if c.opts.readTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.opts.readTimeout)
}
