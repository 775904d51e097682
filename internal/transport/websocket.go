package transport

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/finbranch/hyperfeed/errs"
)

// Websocket dials venue websocket connections.
type Websocket struct {
	endpoint         string
	handshakeTimeout time.Duration
	controlInterval  time.Duration
}

// NewWebsocket creates a websocket transport for the given endpoint.
// controlInterval paces outbound control messages per the venue rate limit;
// zero disables pacing.
func NewWebsocket(endpoint string, handshakeTimeout, controlInterval time.Duration) *Websocket {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Websocket{
		endpoint:         endpoint,
		handshakeTimeout: handshakeTimeout,
		controlInterval:  controlInterval,
	}
}

// Connect dials the endpoint and returns a live connection.
func (w *Websocket) Connect(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, w.endpoint, nil)
	if err != nil {
		return nil, errs.New("transport/dial", errs.CodeTransport,
			errs.WithMessage("dial "+w.endpoint),
			errs.WithCause(err))
	}
	// Venue frames can be large during book bursts.
	conn.SetReadLimit(1 << 22)

	var limiter *rate.Limiter
	if w.controlInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(w.controlInterval), 1)
	}
	return &wsConn{conn: conn, control: limiter}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	control *rate.Limiter
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, errs.New("transport/read", errs.CodeTransport, errs.WithCause(err))
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	if c.control != nil {
		if err := c.control.Wait(ctx); err != nil {
			return errs.New("transport/send", errs.CodeTransport, errs.WithCause(err))
		}
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return errs.New("transport/send", errs.CodeTransport, errs.WithCause(err))
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	if err := c.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		return errs.New("transport/close", errs.CodeTransport, errs.WithCause(err))
	}
	return nil
}
