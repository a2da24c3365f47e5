package client

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mmx233/QLink/config"
	"github.com/Mmx233/QLink/protocol"
	"github.com/Mmx233/QLink/ratelimit"
	"github.com/Mmx233/QLink/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	stateBuffer    = 64
	securityBuffer = 32
)

type Options struct {
	DeviceID string
	Token    string
	Limits   config.Limits
	Dialer   transport.Dialer
	Logger   zerolog.Logger

	// ValidateToken checks tokens carried by inbound messages. Defaults to a
	// constant-time comparison against Token.
	ValidateToken func(token string) bool

	// Clock feeds the per-connection rate limiter. Defaults to time.Now.
	Clock func() time.Time
}

// Connection is the authenticated link to the relay. All state lives behind
// mu; dialing, probing, authentication and backoff run outside the lock and
// re-check gen before publishing results, so a Disconnect racing with any of
// them wins.
type Connection struct {
	deviceID      string
	token         string
	limits        config.Limits
	dialer        transport.Dialer
	decoder       *protocol.Decoder
	validateToken func(string) bool
	clock         func() time.Time
	logger        zerolog.Logger

	mu            sync.Mutex
	state         ConnectionState
	gen           uint64
	cancel        context.CancelFunc
	tr            transport.Transport
	limiter       *ratelimit.Limiter
	id            string
	attempts      int
	lastErr       error
	authenticated bool

	inbox  chan protocol.Message
	states chan StateChange
	events chan SecurityEvent

	wg sync.WaitGroup
}

func New(opts Options) *Connection {
	opts.Limits.ApplyDefaults()

	c := &Connection{
		deviceID:      opts.DeviceID,
		token:         opts.Token,
		limits:        opts.Limits,
		dialer:        opts.Dialer,
		decoder:       protocol.NewDecoder(opts.Limits.DecoderLimits()),
		validateToken: opts.ValidateToken,
		clock:         opts.Clock,
		logger: opts.Logger.With().
			Str("com", "connection").
			Str("device_id", opts.DeviceID).
			Logger(),
		state:  StateDisconnected,
		inbox:  make(chan protocol.Message, opts.Limits.MaxQueueDepth),
		states: make(chan StateChange, stateBuffer),
		events: make(chan SecurityEvent, securityBuffer),
	}
	if c.validateToken == nil {
		c.validateToken = c.matchesToken
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

func (c *Connection) matchesToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.token)) == 1
}

// Connect dials, probes and authenticates. It is only accepted from
// Disconnected or Failed. ctx bounds the initial handshake; the connection
// itself lives until Disconnect or a terminal failure.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot connect while %s", ErrInvalidState, state)
	}
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.lastErr = nil
	lifeCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	err := c.handshake(ctx, lifeCtx, gen, false)
	var lost *connectionLost
	if errors.As(err, &lost) {
		err = c.recoverHandshake(ctx, lifeCtx, gen, lost.err)
	}
	if err != nil {
		c.mu.Lock()
		if c.gen == gen && c.state != StateFailed {
			c.dropTransportLocked()
			c.failLocked(err)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// connectionLost marks a socket that closed while waiting for the auth
// response. Unlike a failed dial or ping it is retried with backoff.
type connectionLost struct {
	err error
}

func (e *connectionLost) Error() string { return e.err.Error() }

func (e *connectionLost) Unwrap() error { return e.err }

// recoverHandshake runs the reconnect loop on behalf of Connect and reports
// its outcome. ctx still bounds the wait.
func (c *Connection) recoverHandshake(ctx, lifeCtx context.Context, gen uint64, cause error) error {
	rctx, cancel := context.WithCancel(lifeCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	c.reconnect(rctx, lifeCtx, gen, cause)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.gen != gen:
		return fmt.Errorf("%w: connection superseded", ErrInvalidState)
	case c.state == StateAuthenticated:
		return nil
	case c.state == StateFailed:
		return c.lastErr
	default:
		return c.connectError(ctx, context.Cause(ctx))
	}
}

// handshake runs dial, liveness probe and authentication for one socket.
// On success the connection is Authenticated and a receive loop is running.
func (c *Connection) handshake(ctx, lifeCtx context.Context, gen uint64, reconnecting bool) error {
	hctx, cancel := context.WithTimeout(ctx, c.limits.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(lifeCtx, cancel)
	defer stop()

	tr, err := c.dialer.Dial(hctx)
	if err == nil {
		if err = tr.Ping(hctx); err != nil {
			_ = tr.Close()
		}
	}
	if err != nil {
		return c.connectError(hctx, err)
	}

	connID := uuid.New().String()
	limiter := ratelimit.New(c.limits.RateLimit(), ratelimit.WithClock(c.clock))

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = tr.Close()
		return fmt.Errorf("%w: connection superseded", ErrInvalidState)
	}
	c.tr = tr
	c.id = connID
	c.limiter = limiter
	if !reconnecting {
		c.setStateLocked(StateConnected, nil)
		c.setStateLocked(StateAuthenticating, nil)
	}
	c.mu.Unlock()

	if err := c.authenticate(hctx, tr, connID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return fmt.Errorf("%w: connection superseded", ErrInvalidState)
	}
	c.authenticated = true
	c.attempts = 0
	c.setStateLocked(StateAuthenticated, nil)
	c.wg.Add(1)
	go c.receiveLoop(lifeCtx, gen, tr, limiter)

	c.logger.Info().Str("connection_id", connID).Bool("reconnect", reconnecting).Msg("authenticated")
	return nil
}

func (c *Connection) authenticate(ctx context.Context, tr transport.Transport, connID string) error {
	data, err := protocol.Encode(&protocol.AuthMsg{
		Token:        c.token,
		DeviceID:     c.deviceID,
		ConnectionID: connID,
		Version:      protocol.ProtocolVersion,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if err := tr.Send(ctx, data); err != nil {
		return c.authWaitError(ctx, err)
	}

	reply, err := tr.Receive(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrFrameTooLarge) {
			return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		return c.authWaitError(ctx, err)
	}

	msg, err := c.decoder.Decode(reply)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	switch m := msg.(type) {
	case *protocol.AuthResponseMsg:
		if m.Success {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, m.Message)
	case *protocol.ErrorMsg:
		return fmt.Errorf("%w: %s: %s", ErrAuthenticationFailed, m.Code, m.Message)
	default:
		return fmt.Errorf("%w: unexpected %s", ErrAuthenticationFailed, msg.MessageType())
	}
}

// authWaitError classifies a transport failure during authentication. A
// timeout or a cancelled handshake is final; a dropped socket is retried.
func (c *Connection) authWaitError(ctx context.Context, err error) error {
	err = c.connectError(ctx, err)
	if ctx.Err() != nil {
		return err
	}
	return &connectionLost{err: err}
}

func (c *Connection) connectError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, c.limits.ConnectTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}

func (c *Connection) receiveLoop(ctx context.Context, gen uint64, tr transport.Transport, limiter *ratelimit.Limiter) {
	defer c.wg.Done()

	for {
		data, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrFrameTooLarge) {
				c.securityTeardown(gen, limiter, SecurityOversizedFrame, "frame exceeds max message size", err)
				return
			}
			c.reconnect(ctx, ctx, gen, err)
			return
		}

		if len(data) > c.limits.MaxMessageBytes {
			c.securityTeardown(gen, limiter, SecurityOversizedFrame,
				fmt.Sprintf("frame of %d bytes exceeds %d", len(data), c.limits.MaxMessageBytes), nil)
			return
		}

		switch v := limiter.ShouldProcess(); v.Decision {
		case ratelimit.Drop:
			c.logger.Debug().Str("reason", v.Reason).Msg("inbound message dropped")
			continue
		case ratelimit.Disconnect:
			c.securityTeardown(gen, limiter, SecurityRateLimit, v.Reason, nil)
			return
		}

		msg, err := c.decoder.Decode(data)
		if err != nil {
			var le *protocol.LimitError
			if errors.As(err, &le) {
				c.securityTeardown(gen, limiter, SecurityDecodeLimit, le.Error(), err)
				return
			}
			c.logger.Warn().Err(err).Msg("discarding undecodable message")
			continue
		}

		if tc, ok := msg.(protocol.TokenCarrier); ok && !c.validateToken(tc.AuthToken()) {
			c.securityTeardown(gen, limiter, SecurityInvalidToken,
				fmt.Sprintf("%s carried an invalid token", msg.MessageType()), nil)
			return
		}

		select {
		case c.inbox <- msg:
		default:
			v := limiter.RecordDrop()
			if v.Decision == ratelimit.Disconnect {
				c.securityTeardown(gen, limiter, SecurityRateLimit, v.Reason, nil)
				return
			}
			c.logger.Warn().Str("type", string(msg.MessageType())).Msg("inbound queue full, message dropped")
		}
	}
}

// reconnect retries the full handshake after an unexpected closure until it
// succeeds, the budget runs out, or the server rejects authentication. ctx
// bounds the retries; a new receive loop lives on lifeCtx.
func (c *Connection) reconnect(ctx, lifeCtx context.Context, gen uint64, cause error) {
	timer := time.NewTimer(c.limits.ReconnectDelay)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.dropTransportLocked()
		c.attempts++
		if c.attempts > c.limits.ReconnectAttempts() {
			c.failLocked(fmt.Errorf("%w (%d): %w", ErrReconnectExhausted, c.attempts-1, cause))
			c.mu.Unlock()
			c.logger.Error().Err(cause).Msg("giving up reconnecting")
			return
		}
		attempt := c.attempts
		c.setStateLocked(StateReconnecting, cause)
		c.mu.Unlock()

		c.logger.Warn().
			Err(cause).
			Int("attempt", attempt).
			Dur("delay", c.limits.ReconnectDelay).
			Msg("connection lost, reconnecting")

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.limits.ReconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := c.handshake(ctx, lifeCtx, gen, true)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthenticationFailed) {
			c.mu.Lock()
			if c.gen == gen {
				c.dropTransportLocked()
				c.failLocked(err)
			}
			c.mu.Unlock()
			c.logger.Error().Err(err).Msg("authentication rejected during reconnect")
			return
		}
		cause = err
	}
}

func (c *Connection) securityTeardown(gen uint64, limiter *ratelimit.Limiter, kind SecurityKind, reason string, cause error) {
	ev := SecurityEvent{
		Kind:        kind,
		Reason:      reason,
		Dropped:     limiter.Dropped(),
		WindowDrops: limiter.WindowDrops(),
		Window:      limiter.Config().DropWindow,
		Time:        time.Now(),
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	ev.ConnectionID = c.id
	c.dropTransportLocked()
	c.failLocked(&SecurityError{Kind: kind, Reason: reason, Err: cause})
	c.mu.Unlock()

	c.logger.Warn().
		Str("kind", kind.String()).
		Str("connection_id", ev.ConnectionID).
		Uint64("dropped", ev.Dropped).
		Int("window_drops", ev.WindowDrops).
		Dur("window", ev.Window).
		Msg(reason)

	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Msg("security event channel full")
	}
}

// Send writes msg to the relay. Token-carrying messages without a token go
// out stamped with the local one; msg itself is not modified.
func (c *Connection) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	state, tr := c.state, c.tr
	c.mu.Unlock()
	if state != StateAuthenticated || tr == nil {
		return fmt.Errorf("%w: connection is %s", ErrSendFailed, state)
	}

	if tc, ok := msg.(protocol.TokenCarrier); ok && tc.AuthToken() == "" {
		msg = tc.WithAuthToken(c.token)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if err := tr.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// Disconnect tears everything down and waits for background work to exit.
// It is always accepted and idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.dropTransportLocked()
	if c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected, nil)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Connection) dropTransportLocked() {
	if c.tr != nil {
		_ = c.tr.Close()
		c.tr = nil
	}
	c.limiter = nil
	c.authenticated = false
}

// failLocked moves to Failed and ends the connection lifetime.
func (c *Connection) failLocked(err error) {
	c.lastErr = err
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.setStateLocked(StateFailed, err)
}

func (c *Connection) setStateLocked(to ConnectionState, err error) {
	from := c.state
	c.state = to
	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state change")
	select {
	case c.states <- StateChange{From: from, To: to, Err: err, Time: time.Now()}:
	default:
	}
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ID returns the identifier of the current socket. It changes on every dial.
func (c *Connection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Connection) DeviceID() string {
	return c.deviceID
}

// Tokens returns the rate limiter's current tokens, or zero without a socket.
func (c *Connection) Tokens() float64 {
	c.mu.Lock()
	l := c.limiter
	c.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.Tokens()
}

// Dropped returns the drops recorded on the current socket.
func (c *Connection) Dropped() uint64 {
	c.mu.Lock()
	l := c.limiter
	c.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.Dropped()
}

// Messages delivers decoded, validated inbound messages. The channel is never
// closed; it outlives individual sockets.
func (c *Connection) Messages() <-chan protocol.Message { return c.inbox }

// States publishes transitions. Slow readers miss changes rather than block.
func (c *Connection) States() <-chan StateChange { return c.states }

func (c *Connection) SecurityEvents() <-chan SecurityEvent { return c.events }
