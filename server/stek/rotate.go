// Package stek rotates the TLS session ticket encryption keys of the relay's
// QUIC listener so agents can resume sessions across reconnects while old
// tickets eventually expire.
package stek

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// KeySize is the length of one session ticket key.
const KeySize = 32

// Rotator keeps overlap session ticket keys. The first key encrypts new
// tickets; every key is accepted for decryption.
type Rotator struct {
	keys     atomic.Pointer[[][KeySize]byte]
	interval time.Duration
	overlap  uint8
	logger   zerolog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRotator(interval time.Duration, overlap uint8, logger zerolog.Logger) (*Rotator, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("rotation interval must be positive, got %v", interval)
	}
	if overlap < 1 {
		return nil, fmt.Errorf("overlap must be at least 1, got %d", overlap)
	}

	r := &Rotator{
		interval: interval,
		overlap:  overlap,
		logger:   logger.With().Str("com", "stek").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	initial := make([][KeySize]byte, overlap)
	for i := range initial {
		key, err := generateKey()
		if err != nil {
			return nil, fmt.Errorf("generate initial key %d: %w", i, err)
		}
		initial[i] = key
	}
	r.keys.Store(&initial)
	return r, nil
}

func generateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate session ticket key: %w", err)
	}
	return key, nil
}

// Keys returns the current key set, newest first.
func (r *Rotator) Keys() [][KeySize]byte {
	return *r.keys.Load()
}

func (r *Rotator) rotate() error {
	key, err := generateKey()
	if err != nil {
		return err
	}
	current := *r.keys.Load()
	next := make([][KeySize]byte, min(len(current)+1, int(r.overlap)))
	next[0] = key
	copy(next[1:], current)
	r.keys.Store(&next)

	r.logger.Debug().Int("keys", len(next)).Msg("rotated session ticket keys")
	return nil
}

// Start rotates keys every interval until ctx is cancelled or Stop is called.
func (r *Rotator) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.logger.Info().
		Dur("interval", r.interval).
		Uint8("overlap", r.overlap).
		Msg("session ticket key rotation started")

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.rotate(); err != nil {
					r.logger.Error().Err(err).Msg("rotate session ticket keys failed")
				}
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop ends rotation and waits for the rotation goroutine. It is safe to call
// more than once, and before Start only marks the rotator stopped.
func (r *Rotator) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
	}
}

// Apply installs the current keys on base and makes every handshake pick up
// the latest key set.
func (r *Rotator) Apply(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	cfg.SetSessionTicketKeys(r.Keys())
	cfg.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		c := base.Clone()
		c.SetSessionTicketKeys(r.Keys())
		return c, nil
	}
	return cfg
}
