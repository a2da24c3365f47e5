// Package server is the reference relay: it authenticates devices, groups
// them into rendezvous sessions and forwards signaling and transfer control
// messages between them.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Mmx233/QLink/config"
	"github.com/Mmx233/QLink/protocol"
	"github.com/Mmx233/QLink/ratelimit"
	"github.com/Mmx233/QLink/server/stek"
	"github.com/Mmx233/QLink/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// Error codes sent to devices in error messages
const (
	CodeMalformed        = "malformed_message"
	CodeNotInSession     = "not_in_session"
	CodePeerNotFound     = "peer_not_found"
	CodeUnexpected       = "unexpected_message"
	CodeInvalidSessionID = "invalid_session_id"
)

const shutdownTimeout = 5 * time.Second

type Relay struct {
	cfg      *config.Relay
	logger   zerolog.Logger
	decoder  *protocol.Decoder
	upgrader websocket.Upgrader
	rooms    *Rooms

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	peers  map[string]*peer // deviceID -> peer
	closed bool

	wg sync.WaitGroup
}

// New builds a relay from a defaulted and validated configuration.
func New(cfg *config.Relay, logger zerolog.Logger) *Relay {
	logger = logger.With().Str("com", "relay").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		cfg:     cfg,
		logger:  logger,
		decoder: protocol.NewDecoder(cfg.Limits.DecoderLimits()),
		rooms:   NewRooms(logger),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*peer),
	}
	r.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.AuthTimeout,
		CheckOrigin:      r.checkOrigin,
	}
	return r
}

// checkOrigin admits requests without an Origin header, which is what
// non-browser agents send, and browser requests from allowed origins.
func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(r.cfg.AllowedOrigins, "*") || slices.Contains(r.cfg.AllowedOrigins, origin)
}

// Handler serves WebSocket upgrades on the configured path.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(r.cfg.Path, r.serveWebSocket)
	return mux
}

func (r *Relay) serveWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug().Err(err).Str("remote", req.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	r.servePeer(transport.NewWebSocketTransport(conn, r.cfg.Limits.MaxMessageBytes), req.RemoteAddr)
}

// Start serves WebSocket and, when enabled, QUIC until ctx is cancelled or a
// listener fails.
func (r *Relay) Start(ctx context.Context) error {
	errCh := make(chan error, 2)

	srv := &http.Server{
		Addr:              r.cfg.Listen,
		Handler:           r.Handler(),
		ReadHeaderTimeout: r.cfg.AuthTimeout,
	}
	go func() {
		var err error
		if r.cfg.TLS.Enabled() {
			srv.TLSConfig = r.cfg.TLS.ServerConfig()
			r.logger.Info().Str("listen", r.cfg.Listen).Str("path", r.cfg.Path).Msg("wss listener started")
			err = srv.ListenAndServeTLS("", "")
		} else {
			r.logger.Info().Str("listen", r.cfg.Listen).Str("path", r.cfg.Path).Msg("ws listener started")
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listener on %s: %w", r.cfg.Listen, err)
		}
	}()

	if r.cfg.Quic.Enabled {
		go func() {
			if err := r.listenQUIC(ctx); err != nil {
				errCh <- fmt.Errorf("quic listener on %s: %w", r.cfg.Quic.Addr(), err)
			}
		}()
	}

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		r.logger.Info().Msg("relay shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	r.Close()
	return err
}

func (r *Relay) listenQUIC(ctx context.Context) error {
	ip, err := r.cfg.Quic.GetIP()
	if err != nil {
		return err
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: r.cfg.Quic.Port})
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer udpConn.Close()

	tlsConf := r.cfg.TLS.ServerConfig(transport.ALPN)
	if tlsConf == nil {
		return errors.New("quic requires a tls certificate")
	}
	if r.cfg.TLS.SessionTicketRotation > 0 {
		rotator, err := stek.NewRotator(r.cfg.TLS.SessionTicketRotation, r.cfg.TLS.SessionTicketOverlap, r.logger)
		if err != nil {
			return fmt.Errorf("session ticket rotation: %w", err)
		}
		rotator.Start(ctx)
		defer rotator.Stop()
		tlsConf = rotator.Apply(tlsConf)
	}

	tr := &quic.Transport{Conn: udpConn}
	defer tr.Close()
	ln, err := tr.Listen(tlsConf, r.cfg.Quic.GetConfig())
	if err != nil {
		return fmt.Errorf("listen quic: %w", err)
	}
	defer ln.Close()

	r.logger.Info().Str("listen", udpConn.LocalAddr().String()).Msg("quic listener started")
	return r.ServeQUIC(ctx, ln)
}

// ServeQUIC accepts agents on ln. Each connection carries one bidirectional
// stream opened by the agent.
func (r *Relay) ServeQUIC(ctx context.Context, ln *quic.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !r.track() {
			_ = conn.CloseWithError(transport.QUICCodeNormal, "shutting down")
			return nil
		}
		go func() {
			defer r.wg.Done()
			r.handleQUIC(conn)
		}()
	}
}

func (r *Relay) handleQUIC(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.AuthTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		r.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("accept stream failed")
		_ = conn.CloseWithError(transport.QUICCodeProtocol, "no stream")
		return
	}
	r.servePeer(transport.NewQUICTransport(conn, stream, r.cfg.Limits.MaxMessageBytes), conn.RemoteAddr().String())
}

// track registers a handler goroutine unless the relay is closed.
func (r *Relay) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

// Close disconnects every device and waits for their handlers.
func (r *Relay) Close() {
	r.cancel()
	r.mu.Lock()
	r.closed = true
	for _, p := range r.peers {
		p.close(closeNormal)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// servePeer authenticates a new transport and serves it until it closes.
func (r *Relay) servePeer(tr transport.Transport, remote string) {
	if !r.track() {
		closeTransport(tr, closeNormal)
		return
	}
	defer r.wg.Done()

	logger := r.logger.With().Str("remote", remote).Logger()
	p, err := r.authenticate(tr, remote, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("authentication failed")
		closeTransport(tr, closeAuthFailed)
		return
	}
	defer r.unregister(p)
	p.logger.Info().Msg("device connected")

	r.readLoop(p)
}

func (r *Relay) authenticate(tr transport.Transport, remote string, logger zerolog.Logger) (*peer, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.AuthTimeout)
	defer cancel()

	data, err := tr.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive auth: %w", err)
	}
	msg, err := r.decoder.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode auth: %w", err)
	}
	auth, ok := msg.(*protocol.AuthMsg)
	if !ok {
		return nil, fmt.Errorf("expected %s, got %s", protocol.TypeAuth, msg.MessageType())
	}

	reject := func(reason string) error {
		if data, err := protocol.Encode(&protocol.AuthResponseMsg{Success: false, Message: reason}); err == nil {
			_ = tr.Send(ctx, data)
		}
		return errors.New(reason)
	}
	if auth.DeviceID == "" {
		return nil, reject("missing device id")
	}
	if !r.validToken(auth.Token) {
		return nil, reject("invalid token")
	}

	p := &peer{
		connectionID: auth.ConnectionID,
		deviceID:     auth.DeviceID,
		remote:       remote,
		tr:           tr,
		limiter:      ratelimit.New(r.cfg.Limits.RateLimit()),
	}
	if p.connectionID == "" {
		p.connectionID = uuid.New().String()
	}
	p.logger = logger.With().
		Str("device_id", p.deviceID).
		Str("connection_id", p.connectionID).
		Logger()

	r.register(p)
	resp := &protocol.AuthResponseMsg{Success: true, ConnectionID: p.connectionID}
	if err := p.send(ctx, resp); err != nil {
		r.unregister(p)
		return nil, fmt.Errorf("send auth response: %w", err)
	}
	return p, nil
}

// validToken compares against every configured token in constant time.
func (r *Relay) validToken(token string) bool {
	match := 0
	for _, t := range r.cfg.Tokens {
		match |= subtle.ConstantTimeCompare([]byte(token), []byte(t))
	}
	return match == 1
}

// register makes p the live connection of its device, replacing any older one.
func (r *Relay) register(p *peer) {
	r.mu.Lock()
	old := r.peers[p.deviceID]
	r.peers[p.deviceID] = p
	r.mu.Unlock()

	if old != nil {
		old.logger.Info().Msg("connection replaced by newer one")
		old.close(closeReplaced)
	}
}

func (r *Relay) unregister(p *peer) {
	r.leave(p)
	r.mu.Lock()
	if r.peers[p.deviceID] == p {
		delete(r.peers, p.deviceID)
	}
	r.mu.Unlock()
	p.close(closeNormal)
	p.logger.Info().Msg("device disconnected")
}

func (r *Relay) readLoop(p *peer) {
	for {
		data, err := p.tr.Receive(r.ctx)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrFrameTooLarge):
				p.logger.Warn().Int("limit", r.cfg.Limits.MaxMessageBytes).Msg("oversized message, disconnecting")
				p.close(closeTooLarge)
			case r.ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
			default:
				p.logger.Debug().Err(err).Msg("receive failed")
			}
			return
		}

		switch v := p.limiter.ShouldProcess(); v.Decision {
		case ratelimit.Drop:
			p.logger.Debug().Str("reason", v.Reason).Msg("message dropped")
			continue
		case ratelimit.Disconnect:
			p.logger.Warn().
				Uint64("dropped", p.limiter.Dropped()).
				Int("window_drops", p.limiter.WindowDrops()).
				Msg("rate limit exceeded, disconnecting")
			p.close(closeRateLimit)
			return
		}

		msg, err := r.decoder.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrLimitExceeded) {
				p.logger.Warn().Err(err).Msg("decode limit exceeded, disconnecting")
				p.close(closeProtocol)
				return
			}
			p.sendError(r.ctx, CodeMalformed, err.Error())
			continue
		}
		r.route(p, msg)
	}
}

func (r *Relay) route(p *peer, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.SessionJoinMsg:
		r.join(p, m)
	case *protocol.SessionLeaveMsg:
		r.leave(p)
	case protocol.Routed:
		r.forward(p, m)
	default:
		p.sendError(r.ctx, CodeUnexpected, string(msg.MessageType()))
	}
}

func (r *Relay) join(p *peer, m *protocol.SessionJoinMsg) {
	if m.SessionID == "" {
		p.sendError(r.ctx, CodeInvalidSessionID, "empty session id")
		return
	}
	members, existing, left, leftPeers := r.rooms.Join(m.SessionID, p)
	if left != "" {
		r.broadcast(leftPeers, &protocol.SessionLeaveMsg{SessionID: left, DeviceID: p.deviceID})
	}

	if err := p.send(r.ctx, &protocol.SessionJoinedMsg{
		SessionID: m.SessionID,
		DeviceID:  p.deviceID,
		Peers:     members,
	}); err != nil {
		p.logger.Debug().Err(err).Msg("send join confirmation failed")
	}
	r.broadcast(existing, &protocol.SessionJoinedMsg{SessionID: m.SessionID, DeviceID: p.deviceID})

	p.logger.Info().Str("session_id", m.SessionID).Int("members", len(members)).Msg("joined session")
}

func (r *Relay) leave(p *peer) {
	sessionID, remaining, ok := r.rooms.Leave(p)
	if !ok {
		return
	}
	r.broadcast(remaining, &protocol.SessionLeaveMsg{SessionID: sessionID, DeviceID: p.deviceID})
	p.logger.Info().Str("session_id", sessionID).Msg("left session")
}

// forward delivers a routed message within the sender's session. The sender
// field is always rewritten to the authenticated device id.
func (r *Relay) forward(p *peer, m protocol.Routed) {
	sessionID := m.Session()
	if sessionID == "" || r.rooms.Session(p) != sessionID {
		p.sendError(r.ctx, CodeNotInSession, sessionID)
		return
	}
	m.SetSender(p.deviceID)

	to := m.Recipient()
	if to == "" {
		r.broadcast(r.rooms.Others(sessionID, p.deviceID), m)
		return
	}
	target, ok := r.rooms.Lookup(sessionID, to)
	if !ok || target == p {
		p.sendError(r.ctx, CodePeerNotFound, to)
		return
	}
	if err := target.send(r.ctx, m); err != nil {
		p.logger.Debug().Err(err).Str("to", to).Msg("forward failed")
	}
}

func (r *Relay) broadcast(peers []*peer, msg protocol.Message) {
	for _, other := range peers {
		if err := other.send(r.ctx, msg); err != nil {
			other.logger.Debug().Err(err).Str("type", string(msg.MessageType())).Msg("notify failed")
		}
	}
}

// PeerCount returns the number of authenticated devices.
func (r *Relay) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Relay) Rooms() *Rooms {
	return r.rooms
}
