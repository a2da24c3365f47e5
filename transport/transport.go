// Package transport provides the duplex message pipes the connection runs on.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrFrameTooLarge is returned by Receive when the peer sent a frame above
	// the configured ceiling. The frame is never handed to the caller.
	ErrFrameTooLarge = errors.New("frame exceeds maximum message size")
	ErrClosed        = errors.New("transport closed")
)

// DefaultPingTimeout bounds Ping when the context carries no deadline.
const DefaultPingTimeout = 10 * time.Second

// Transport is one live duplex connection carrying whole messages.
type Transport interface {
	// Ping performs a round-trip liveness probe.
	Ping(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	// Receive blocks until the next message arrives, the transport fails,
	// or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a new Transport. Every call yields a fresh connection.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

func deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}
