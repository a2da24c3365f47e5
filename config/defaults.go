package config

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxQueueDepth is the inbound queue size per connection
	DefaultMaxQueueDepth = 1000

	DefaultMaxReconnectAttempts = 3
	DefaultReconnectDelay       = 5 * time.Second
	DefaultConnectTimeout       = 10 * time.Second

	// DefaultMaxIdleTimeout is the default QUIC connection idle timeout
	DefaultMaxIdleTimeout  = 5 * time.Minute
	DefaultKeepAlivePeriod = 15 * time.Second

	// DefaultAuthTimeout is how long the relay waits for the auth message
	DefaultAuthTimeout = 10 * time.Second

	DefaultListen     = ":8080"
	DefaultPath       = "/ws"
	DefaultQuicPort   = 4433
	DefaultChunkSize  = 64 * 1024
	DefaultMaxFile    = 4 << 30
	DefaultPurgeEvery = time.Minute

	// DefaultSessionTicketOverlap is how many session ticket keys stay valid
	// when rotation is enabled
	DefaultSessionTicketOverlap = 2
)

// Mismatch policies for transfers whose final byte count differs from the
// declared size.
const (
	MismatchWarn = "warn"
	MismatchFail = "fail"
)

// GenerateDeviceID generates a new UUID for use as a device identifier.
func GenerateDeviceID() string {
	return uuid.New().String()
}
