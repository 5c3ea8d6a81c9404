package msgsock

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Client holds a single outbound connection.
//
// Messages can be read directly with Receive or Call, or Run can push them
// onto the client's Queue the way server connections do. The two modes must
// not be mixed on one client.
type Client struct {
	conn  *Conn
	queue *Queue

	callMu sync.Mutex
}

// Dial connects to address.
func Dial(ctx context.Context, address string, opt ...Option) (*Client, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	queue := NewQueue()
	conn, err := NewConn(raw, queue, opt...)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	return &Client{conn: conn, queue: queue}, nil
}

// Send writes one message to the server. It returns false if the client is closed.
func (c *Client) Send(m Message) (bool, error) {
	return c.conn.Send(m)
}

// Receive blocks until the next message arrives. It returns io.EOF once the
// server has closed the connection.
func (c *Client) Receive() (Message, error) {
	return c.conn.Receive()
}

// ReceiveContext is Receive bounded by ctx.
func (c *Client) ReceiveContext(ctx context.Context) (Message, error) {
	return c.conn.ReceiveContext(ctx)
}

// Run delivers incoming messages to the client's queue until the connection
// ends or ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	return c.conn.Run(ctx)
}

// Call invokes a procedure on the server and waits for its response.
// Responses carrying another call's id are skipped. Calls on one client are
// serialized.
func (c *Client) Call(ctx context.Context, name string, args ...any) (any, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if args == nil {
		args = []any{}
	}
	id := uuid.NewString()

	sent, err := c.conn.Send(Message{KeyFunc: name, KeyArgs: args, KeyID: id})
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", name)
	}
	if !sent {
		return nil, errors.Wrapf(ErrConnectionClosed, "call %s", name)
	}

	for {
		resp, err := c.conn.ReceiveContext(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "call %s", name)
		}
		if rid, ok := resp[KeyID]; ok && rid != id {
			c.conn.logger.Debug("skipping response to another call", "id", rid)
			continue
		}
		return parseResponse(name, resp)
	}
}

// Queue returns the queue Run delivers into.
func (c *Client) Queue() *Queue {
	return c.queue
}

// Conn returns the underlying connection.
func (c *Client) Conn() *Conn {
	return c.conn
}

// Close closes the connection. Safe to call multiple times.
func (c *Client) Close() error {
	return c.conn.Close()
}
