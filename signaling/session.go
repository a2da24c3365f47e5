// Package signaling negotiates a peer-to-peer session over the relay
// connection: joining a rendezvous session and exchanging session
// descriptions and connectivity candidates with the other device.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Mmx233/QLink/client"
	"github.com/Mmx233/QLink/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// State of the negotiation session
type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateLeaving
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	ErrInvalidState     = errors.New("invalid session state")
	ErrEmptySDP         = errors.New("empty session description")
	ErrEmptyCandidate   = errors.New("empty candidate")
	ErrNoPeer           = errors.New("no peer device to address")
)

// DefaultSubscriptionBuffer is the capacity of channels returned by Subscribe.
const DefaultSubscriptionBuffer = 32

// Conn is the part of the relay connection the session needs.
type Conn interface {
	State() client.ConnectionState
	Send(ctx context.Context, msg protocol.Message) error
}

// Session is the one negotiation session of a connection. Public operations
// are serialized; sends happen under the session lock so a transition and
// the message that causes it are never reordered.
type Session struct {
	conn     Conn
	deviceID string
	logger   zerolog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	peer      string
	peers     map[string]struct{}
	subs      map[string][]chan protocol.Message
}

func NewSession(conn Conn, deviceID string, logger zerolog.Logger) *Session {
	return &Session{
		conn:     conn,
		deviceID: deviceID,
		logger:   logger.With().Str("com", "signaling").Logger(),
		peers:    make(map[string]struct{}),
		subs:     make(map[string][]chan protocol.Message),
	}
}

// Join requests membership of sessionID. The session becomes Joined only when
// the matching session_joined confirmation arrives through Handle.
func (s *Session) Join(ctx context.Context, sessionID, peerDeviceID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidState)
	}
	if st := s.conn.State(); st != client.StateAuthenticated {
		return fmt.Errorf("%w: connection is %s", ErrNotAuthenticated, st)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateFailed {
		return fmt.Errorf("%w: cannot join while %s", ErrInvalidState, s.state)
	}
	s.sessionID = sessionID
	s.peer = peerDeviceID
	clear(s.peers)
	s.setStateLocked(StateJoining)

	err := s.conn.Send(ctx, &protocol.SessionJoinMsg{
		SessionID:    sessionID,
		DeviceID:     s.deviceID,
		PeerDeviceID: peerDeviceID,
	})
	if err != nil {
		s.setStateLocked(StateFailed)
		return fmt.Errorf("send join: %w", err)
	}
	return nil
}

// Handle consumes signaling messages from the connection's inbound stream.
// It reports false for message types that belong to other components.
func (s *Session) Handle(msg protocol.Message) bool {
	switch m := msg.(type) {
	case *protocol.SessionJoinedMsg:
		s.handleJoined(m)
	case *protocol.SessionLeaveMsg:
		s.handleLeave(m)
	case *protocol.OfferMsg, *protocol.AnswerMsg, *protocol.ICECandidateMsg:
		s.handleRouted(m.(protocol.Routed))
	default:
		return false
	}
	return true
}

func (s *Session) handleRouted(msg protocol.Routed) {
	sessionID := msg.Session()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateJoined || sessionID != s.sessionID {
		s.logger.Debug().
			Str("type", string(msg.MessageType())).
			Str("session_id", sessionID).
			Str("state", s.state.String()).
			Msg("dropping signaling message outside joined session")
		return
	}
	s.publishLocked(msg.Sender(), msg)
}

func (s *Session) handleJoined(m *protocol.SessionJoinedMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.SessionID != s.sessionID {
		s.logger.Debug().Str("session_id", m.SessionID).Msg("ignoring join for another session")
		return
	}
	switch {
	case s.state == StateJoining && (m.DeviceID == s.deviceID || m.DeviceID == ""):
		for _, p := range m.Peers {
			if p == s.deviceID {
				continue
			}
			s.peers[p] = struct{}{}
			if s.peer == "" {
				s.peer = p
			}
		}
		s.setStateLocked(StateJoined)
		s.logger.Info().Str("session_id", m.SessionID).Strs("peers", m.Peers).Msg("joined session")
	case s.state == StateJoined && m.DeviceID != s.deviceID && m.DeviceID != "":
		s.peers[m.DeviceID] = struct{}{}
		if s.peer == "" {
			s.peer = m.DeviceID
		}
		s.publishLocked(m.DeviceID, m)
	}
}

func (s *Session) handleLeave(m *protocol.SessionLeaveMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateJoined || m.SessionID != s.sessionID || m.DeviceID == s.deviceID {
		return
	}
	delete(s.peers, m.DeviceID)
	s.publishLocked(m.DeviceID, m)
}

// SendOffer sends an SDP offer to the peer device. An empty to addresses the
// peer named at join or the first peer that appeared in the session.
func (s *Session) SendOffer(ctx context.Context, to, sdp string) error {
	if sdp == "" {
		return ErrEmptySDP
	}
	return s.send(ctx, to, func(r protocol.Route) protocol.Message {
		return &protocol.OfferMsg{Route: r, SDP: sdp}
	})
}

func (s *Session) SendAnswer(ctx context.Context, to, sdp string) error {
	if sdp == "" {
		return ErrEmptySDP
	}
	return s.send(ctx, to, func(r protocol.Route) protocol.Message {
		return &protocol.AnswerMsg{Route: r, SDP: sdp}
	})
}

func (s *Session) SendICECandidate(ctx context.Context, to string, c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		return ErrEmptyCandidate
	}
	return s.send(ctx, to, func(r protocol.Route) protocol.Message {
		return &protocol.ICECandidateMsg{
			Route:            r,
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		}
	})
}

func (s *Session) send(ctx context.Context, to string, build func(protocol.Route) protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateJoined {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, s.state)
	}
	if to == "" {
		to = s.peer
	}
	if to == "" {
		return ErrNoPeer
	}
	msg := build(protocol.Route{SessionID: s.sessionID, From: s.deviceID, To: to})
	if err := s.conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.MessageType(), err)
	}
	return nil
}

// Leave announces departure and returns the session to Idle. The notice is
// best effort; a send failure is only logged.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return
	}
	if s.state == StateJoining || s.state == StateJoined {
		s.setStateLocked(StateLeaving)
		err := s.conn.Send(ctx, &protocol.SessionLeaveMsg{SessionID: s.sessionID, DeviceID: s.deviceID})
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", s.sessionID).Msg("leave notice not delivered")
		}
	}
	s.resetLocked()
}

// Reset drops all session state without notifying the relay. It is used after
// the underlying connection was lost.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.sessionID = ""
	s.peer = ""
	clear(s.peers)
	s.setStateLocked(StateIdle)
}

// Subscribe returns a channel receiving signaling messages and presence
// notices from peer, or from every peer when peer is empty. Messages are
// dropped when the channel is full. The returned function cancels the
// subscription and closes the channel.
func (s *Session) Subscribe(peer string) (<-chan protocol.Message, func()) {
	ch := make(chan protocol.Message, DefaultSubscriptionBuffer)
	s.mu.Lock()
	s.subs[peer] = append(s.subs[peer], ch)
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.subs[peer]
			for i, c := range list {
				if c == ch {
					s.subs[peer] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(s.subs[peer]) == 0 {
				delete(s.subs, peer)
			}
			close(ch)
		})
	}
}

func (s *Session) publishLocked(from string, msg protocol.Message) {
	deliver := func(ch chan protocol.Message) {
		select {
		case ch <- msg:
		default:
			s.logger.Warn().Str("from", from).Str("type", string(msg.MessageType())).
				Msg("subscriber full, dropping signaling message")
		}
	}
	for _, ch := range s.subs[from] {
		deliver(ch)
	}
	if from != "" {
		for _, ch := range s.subs[""] {
			deliver(ch)
		}
	}
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug().Str("from", s.state.String()).Str("to", st.String()).Msg("session state change")
	s.state = st
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Peer returns the device signaling messages are addressed to by default.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Peers lists the other devices known to be in the session.
func (s *Session) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
