// Package transport provides the raw message channel to the venue.
package transport

import "context"

// Conn is one live bidirectional message channel. Read and Send honour
// context cancellation; Close releases the underlying connection and unblocks
// pending reads.
type Conn interface {
	// Read returns the next inbound payload.
	Read(ctx context.Context) ([]byte, error)
	// Send writes one outbound payload, pacing control traffic as required
	// by the venue.
	Send(ctx context.Context, payload []byte) error
	// Close releases the connection with a reason forwarded to the venue.
	Close(reason string) error
}

// Transport dials new connections. The supervisor owns exactly one live Conn
// at a time and dials a fresh one on every reconnect.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}
