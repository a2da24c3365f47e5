// Package ratelimit implements the per-connection inbound guard: a token
// bucket for burst control and a sliding window of drops that trips a
// disconnect when a peer keeps flooding.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultCapacity        = 200
	DefaultRefillPerSecond = 100
	DefaultDropThreshold   = 500
	DefaultDropWindow      = 10 * time.Second
)

// Decision is the outcome of ShouldProcess.
type Decision int

const (
	Allow Decision = iota
	Drop
	Disconnect
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Drop:
		return "drop"
	case Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

type Verdict struct {
	Decision Decision
	Reason   string
}

type Config struct {
	Capacity        float64
	RefillPerSecond float64
	DropThreshold   int
	DropWindow      time.Duration
}

// DefaultConfig returns the limiter defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:        DefaultCapacity,
		RefillPerSecond: DefaultRefillPerSecond,
		DropThreshold:   DefaultDropThreshold,
		DropWindow:      DefaultDropWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.RefillPerSecond <= 0 {
		c.RefillPerSecond = d.RefillPerSecond
	}
	if c.DropThreshold <= 0 {
		c.DropThreshold = d.DropThreshold
	}
	if c.DropWindow <= 0 {
		c.DropWindow = d.DropWindow
	}
	return c
}

// Limiter belongs to exactly one transport and is discarded with it.
// Once it returns Disconnect it keeps returning Disconnect.
type Limiter struct {
	cfg Config
	now func() time.Time

	bucket *rate.Limiter

	mu      sync.Mutex
	dropped uint64
	window  []time.Time
	tripped bool
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New returns a limiter with a full bucket.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	// A fresh rate.Limiter starts with a full bucket. Fractional capacity is
	// rounded down.
	l.bucket = rate.NewLimiter(rate.Limit(l.cfg.RefillPerSecond), max(1, int(l.cfg.Capacity)))
	return l
}

// ShouldProcess consumes one token if available. Without a token the message
// is counted as dropped, and the verdict escalates to Disconnect once the
// drops inside the window reach the threshold.
func (l *Limiter) ShouldProcess() Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tripped {
		return Verdict{Decision: Disconnect, Reason: "rate limiter tripped"}
	}

	now := l.now()
	if l.bucket.AllowN(now, 1) {
		return Verdict{Decision: Allow}
	}
	return l.drop(now, "token bucket empty")
}

// RecordDrop counts a message shed elsewhere, such as by a full inbound queue.
func (l *Limiter) RecordDrop() Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tripped {
		return Verdict{Decision: Disconnect, Reason: "rate limiter tripped"}
	}
	return l.drop(l.now(), "inbound queue full")
}

func (l *Limiter) drop(now time.Time, reason string) Verdict {
	l.dropped++
	l.window = append(l.window, now)

	cutoff := now.Add(-l.cfg.DropWindow)
	i := 0
	for i < len(l.window) && l.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}

	if len(l.window) >= l.cfg.DropThreshold {
		l.tripped = true
		return Verdict{
			Decision: Disconnect,
			Reason:   fmt.Sprintf("%d messages dropped within %s", len(l.window), l.cfg.DropWindow),
		}
	}
	return Verdict{Decision: Drop, Reason: reason}
}

// Tokens returns the current token count after refill.
func (l *Limiter) Tokens() float64 {
	return l.bucket.TokensAt(l.now())
}

// Dropped returns the number of drops since creation.
func (l *Limiter) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// WindowDrops returns the number of drops still inside the sliding window.
func (l *Limiter) WindowDrops() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.window)
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}
