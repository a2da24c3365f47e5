package client

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionState represents the state of the relay connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
	StateFailed
)

// String returns a string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange is published on every transition.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	Err  error
	Time time.Time
}

var (
	ErrInvalidState         = errors.New("invalid connection state")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrTimeout              = errors.New("connection timed out")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrReconnectExhausted   = errors.New("reconnect attempts exhausted")
	ErrSendFailed           = errors.New("send failed")
	ErrSecurity             = errors.New("security violation")
)

// SecurityKind classifies why a connection was torn down for misbehavior.
type SecurityKind int

const (
	SecurityOversizedFrame SecurityKind = iota
	SecurityDecodeLimit
	SecurityRateLimit
	SecurityInvalidToken
)

func (k SecurityKind) String() string {
	switch k {
	case SecurityOversizedFrame:
		return "oversized_frame"
	case SecurityDecodeLimit:
		return "decode_limit"
	case SecurityRateLimit:
		return "rate_limit"
	case SecurityInvalidToken:
		return "invalid_token"
	default:
		return "unknown"
	}
}

// SecurityError is the last error of a connection that was torn down for
// misbehavior. It matches ErrSecurity.
type SecurityError struct {
	Kind   SecurityKind
	Reason string
	Err    error
}

func (e *SecurityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("security violation (%s): %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("security violation (%s): %s", e.Kind, e.Reason)
}

func (e *SecurityError) Unwrap() error { return e.Err }

func (e *SecurityError) Is(target error) bool { return target == ErrSecurity }

// SecurityEvent is emitted on SecurityEvents for every security teardown.
// WindowDrops counts the drops inside the trailing Window.
type SecurityEvent struct {
	Kind         SecurityKind
	ConnectionID string
	Reason       string
	Dropped      uint64
	WindowDrops  int
	Window       time.Duration
	Time         time.Time
}
