package cdpshim

import (
	"context"
	"io"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"

	"github.com/chromedp/cdpshim/debugger"
)

// MessageTransport is the common interface to send/receive messages to a
// target, as used by CDP clients.
type MessageTransport interface {
	Read(context.Context, *cdproto.Message) error
	Write(context.Context, *cdproto.Message) error
	io.Closer
}

// Conn adapts a Transport to the MessageTransport interface.
type Conn struct {
	t *Transport

	msgs chan []byte

	stop     chan struct{}
	stopOnce sync.Once
}

var _ MessageTransport = (*Conn)(nil)

// NewConn wraps t. It takes over the transport's message and close callbacks;
// messages emitted before NewConn was called are not seen by Read.
func NewConn(t *Transport) *Conn {
	c := newConn()
	c.t = t
	t.OnMessage(c.push)
	t.OnClose(nil)
	return c
}

// CreateConn creates a transport as Create does, wrapped in a Conn that sees
// every message the transport emits.
func CreateConn(ctx context.Context, host debugger.Debugger, tabID int64, opts ...Option) (*Conn, error) {
	c := newConn()
	opts = append(opts[:len(opts):len(opts)], WithOnMessage(c.push), WithOnClose(nil))
	t, err := Create(ctx, host, tabID, opts...)
	if err != nil {
		return nil, err
	}
	c.t = t
	return c, nil
}

func newConn() *Conn {
	return &Conn{
		msgs: make(chan []byte, queueSize),
		stop: make(chan struct{}),
	}
}

// Transport returns the wrapped transport.
func (c *Conn) Transport() *Transport {
	return c.t
}

func (c *Conn) push(msg string) {
	select {
	case c.msgs <- []byte(msg):
	case <-c.stop:
	}
}

// Read reads the next message. Responses are read as a browser sends them,
// without the method and params of their command. It returns io.EOF once the
// transport is closed and every message emitted before that was read.
func (c *Conn) Read(ctx context.Context, msg *cdproto.Message) error {
	select {
	case buf := <-c.msgs:
		return decode(buf, msg)
	case <-c.t.Done():
		select {
		case buf := <-c.msgs:
			return decode(buf, msg)
		default:
			return io.EOF
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decode(buf []byte, msg *cdproto.Message) error {
	*msg = cdproto.Message{}
	if err := easyjson.Unmarshal(buf, msg); err != nil {
		return err
	}
	if msg.ID != 0 {
		msg.Method, msg.Params = "", nil
	}
	return nil
}

// Write writes a message.
func (c *Conn) Write(ctx context.Context, msg *cdproto.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		return err
	}
	return c.t.Send(string(buf))
}

// Close closes the transport and waits for it to finish. Messages not read
// yet are dropped.
func (c *Conn) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	if err := c.t.Close(); err != nil {
		return err
	}
	<-c.t.Done()
	return nil
}
