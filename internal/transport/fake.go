package transport

import (
	"context"
	"sync"

	"github.com/finbranch/hyperfeed/errs"
)

// FakeTransport simulates the venue connection for tests. Each Connect call
// returns the next scripted FakeConn; when the script is exhausted, fresh
// connections are minted on demand.
type FakeTransport struct {
	mu       sync.Mutex
	scripted []*FakeConn
	conns    []*FakeConn
	dials    int
	dialErr  error
}

// NewFakeTransport creates an empty fake transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// Script queues connections to hand out on subsequent Connect calls.
func (t *FakeTransport) Script(conns ...*FakeConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripted = append(t.scripted, conns...)
}

// FailNextDial makes the next Connect call return err.
func (t *FakeTransport) FailNextDial(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// Dials reports how many Connect calls were made.
func (t *FakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Conns returns every connection handed out so far, in dial order.
func (t *FakeTransport) Conns() []*FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeConn(nil), t.conns...)
}

// Connect implements Transport.
func (t *FakeTransport) Connect(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("transport/dial", errs.CodeTransport, errs.WithCause(err))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dialErr != nil {
		err := t.dialErr
		t.dialErr = nil
		return nil, err
	}
	var conn *FakeConn
	if len(t.scripted) > 0 {
		conn = t.scripted[0]
		t.scripted = t.scripted[1:]
	} else {
		conn = NewFakeConn()
	}
	t.conns = append(t.conns, conn)
	return conn, nil
}

// FakeConn is a scriptable in-memory connection.
type FakeConn struct {
	mu     sync.Mutex
	inbox  chan []byte
	fail   chan error
	sent   [][]byte
	closed bool
	done   chan struct{}

	// OnSend, when set, is invoked for every Send payload. It lets tests
	// auto-acknowledge subscribe requests.
	OnSend func(payload []byte)
}

// NewFakeConn creates a connection with a buffered inbox.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		inbox: make(chan []byte, 64),
		fail:  make(chan error, 1),
		done:  make(chan struct{}),
	}
}

// Deliver enqueues an inbound payload for Read.
func (c *FakeConn) Deliver(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.inbox <- append([]byte(nil), payload...):
	default:
	}
}

// Fail makes the next Read return err, simulating a broken connection.
func (c *FakeConn) Fail(err error) {
	select {
	case c.fail <- err:
	default:
	}
}

// Sent returns every payload written to the connection, in order.
func (c *FakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	for i, payload := range c.sent {
		out[i] = append([]byte(nil), payload...)
	}
	return out
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Read implements Conn.
func (c *FakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, errs.New("transport/read", errs.CodeTransport, errs.WithCause(ctx.Err()))
	case <-c.done:
		return nil, errs.New("transport/read", errs.CodeTransport, errs.WithMessage("connection closed"))
	case err := <-c.fail:
		return nil, errs.New("transport/read", errs.CodeTransport, errs.WithCause(err))
	case payload := <-c.inbox:
		return payload, nil
	}
}

// Send implements Conn.
func (c *FakeConn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return errs.New("transport/send", errs.CodeTransport, errs.WithCause(err))
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New("transport/send", errs.CodeTransport, errs.WithMessage("connection closed"))
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	hook := c.OnSend
	c.mu.Unlock()
	if hook != nil {
		hook(append([]byte(nil), payload...))
	}
	return nil
}

// Close implements Conn.
func (c *FakeConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}
