package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mmx233/QLink/client"
	"github.com/Mmx233/QLink/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	state   client.ConnectionState
	sendErr error
	sent    []protocol.Message
}

func (f *fakeConn) State() client.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Send(_ context.Context, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

func newTestSession() (*Session, *fakeConn) {
	conn := &fakeConn{state: client.StateAuthenticated}
	return NewSession(conn, "dev-a", zerolog.Nop()), conn
}

func joined(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	s, conn := newTestSession()
	require.NoError(t, s.Join(context.Background(), "sess-1", "dev-b"))
	require.True(t, s.Handle(&protocol.SessionJoinedMsg{SessionID: "sess-1", DeviceID: "dev-a", Peers: []string{"dev-a", "dev-b"}}))
	require.Equal(t, StateJoined, s.State())
	return s, conn
}

func receive(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("nothing published")
		return nil
	}
}

func TestSession_Join(t *testing.T) {
	s, conn := newTestSession()

	require.NoError(t, s.Join(context.Background(), "sess-1", "dev-b"))
	assert.Equal(t, StateJoining, s.State())

	sent := conn.Sent()
	require.Len(t, sent, 1)
	join, ok := sent[0].(*protocol.SessionJoinMsg)
	require.True(t, ok)
	assert.Equal(t, "sess-1", join.SessionID)
	assert.Equal(t, "dev-a", join.DeviceID)
	assert.Equal(t, "dev-b", join.PeerDeviceID)

	// Confirmation for another session does not complete the join
	s.Handle(&protocol.SessionJoinedMsg{SessionID: "other", DeviceID: "dev-a"})
	assert.Equal(t, StateJoining, s.State())

	s.Handle(&protocol.SessionJoinedMsg{SessionID: "sess-1", DeviceID: "dev-a", Peers: []string{"dev-a", "dev-b"}})
	assert.Equal(t, StateJoined, s.State())
	assert.Equal(t, []string{"dev-b"}, s.Peers())
}

func TestSession_Join_RequiresAuthenticatedConnection(t *testing.T) {
	s, conn := newTestSession()
	conn.state = client.StateReconnecting

	err := s.Join(context.Background(), "sess-1", "")
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, conn.Sent())
}

func TestSession_Join_InvalidState(t *testing.T) {
	s, _ := joined(t)

	err := s.Join(context.Background(), "sess-2", "")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "sess-1", s.SessionID())
}

func TestSession_Join_SendFailure(t *testing.T) {
	s, conn := newTestSession()
	conn.sendErr = client.ErrSendFailed

	err := s.Join(context.Background(), "sess-1", "")
	require.ErrorIs(t, err, client.ErrSendFailed)
	assert.Equal(t, StateFailed, s.State())

	// Failed permits another attempt
	conn.sendErr = nil
	require.NoError(t, s.Join(context.Background(), "sess-1", ""))
	assert.Equal(t, StateJoining, s.State())
}

func TestSession_SendRequiresJoined(t *testing.T) {
	s, conn := newTestSession()

	require.ErrorIs(t, s.SendOffer(context.Background(), "dev-b", "v=0"), ErrInvalidState)
	require.ErrorIs(t, s.SendAnswer(context.Background(), "dev-b", "v=0"), ErrInvalidState)
	require.ErrorIs(t, s.SendICECandidate(context.Background(), "dev-b",
		webrtc.ICECandidateInit{Candidate: "candidate:1"}), ErrInvalidState)
	assert.Empty(t, conn.Sent())
}

func TestSession_EmptyPayloads(t *testing.T) {
	s, conn := joined(t)
	before := len(conn.Sent())

	require.ErrorIs(t, s.SendOffer(context.Background(), "", ""), ErrEmptySDP)
	require.ErrorIs(t, s.SendAnswer(context.Background(), "", ""), ErrEmptySDP)
	require.ErrorIs(t, s.SendICECandidate(context.Background(), "", webrtc.ICECandidateInit{}), ErrEmptyCandidate)
	assert.Len(t, conn.Sent(), before)
	assert.Equal(t, StateJoined, s.State())
}

func TestSession_SendOffer(t *testing.T) {
	s, conn := joined(t)

	require.NoError(t, s.SendOffer(context.Background(), "", "v=0 offer"))

	sent := conn.Sent()
	offer, ok := sent[len(sent)-1].(*protocol.OfferMsg)
	require.True(t, ok)
	assert.Equal(t, "sess-1", offer.SessionID)
	assert.Equal(t, "dev-a", offer.From)
	assert.Equal(t, "dev-b", offer.To, "defaults to the joined peer")
	assert.Equal(t, "v=0 offer", offer.SDP)
}

func TestSession_SendICECandidate(t *testing.T) {
	s, conn := joined(t)
	mid := "0"
	idx := uint16(0)

	require.NoError(t, s.SendICECandidate(context.Background(), "dev-b", webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}))

	sent := conn.Sent()
	c, ok := sent[len(sent)-1].(*protocol.ICECandidateMsg)
	require.True(t, ok)
	assert.Equal(t, "dev-b", c.To)
	require.NotNil(t, c.SDPMid)
	assert.Equal(t, "0", *c.SDPMid)
	require.NotNil(t, c.SDPMLineIndex)
	assert.Equal(t, uint16(0), *c.SDPMLineIndex)
}

func TestSession_SendWithoutPeer(t *testing.T) {
	s, _ := newTestSession()
	require.NoError(t, s.Join(context.Background(), "sess-1", ""))
	s.Handle(&protocol.SessionJoinedMsg{SessionID: "sess-1", DeviceID: "dev-a", Peers: []string{"dev-a"}})

	require.ErrorIs(t, s.SendOffer(context.Background(), "", "v=0"), ErrNoPeer)
}

func TestSession_InboundPublishedPerSender(t *testing.T) {
	s, _ := joined(t)
	fromB, cancelB := s.Subscribe("dev-b")
	defer cancelB()
	all, cancelAll := s.Subscribe("")
	defer cancelAll()
	fromC, cancelC := s.Subscribe("dev-c")
	defer cancelC()

	offer := &protocol.OfferMsg{Route: protocol.Route{SessionID: "sess-1", From: "dev-b", To: "dev-a"}, SDP: "v=0"}
	assert.True(t, s.Handle(offer))

	assert.Same(t, offer, receive(t, fromB))
	assert.Same(t, offer, receive(t, all))
	assert.Empty(t, fromC)
	assert.Equal(t, StateJoined, s.State())
}

func TestSession_InboundOutsideSessionDropped(t *testing.T) {
	s, _ := newTestSession()
	all, cancel := s.Subscribe("")
	defer cancel()

	assert.True(t, s.Handle(&protocol.AnswerMsg{Route: protocol.Route{SessionID: "sess-1", From: "dev-b"}, SDP: "v=0"}))
	assert.Empty(t, all)

	s, _ = joined(t)
	all, cancel2 := s.Subscribe("")
	defer cancel2()
	s.Handle(&protocol.AnswerMsg{Route: protocol.Route{SessionID: "other", From: "dev-b"}, SDP: "v=0"})
	assert.Empty(t, all)
}

func TestSession_PresenceNotices(t *testing.T) {
	s, _ := joined(t)
	all, cancel := s.Subscribe("")
	defer cancel()

	s.Handle(&protocol.SessionJoinedMsg{SessionID: "sess-1", DeviceID: "dev-c"})
	msg := receive(t, all)
	assert.Equal(t, protocol.TypeSessionJoined, msg.MessageType())
	assert.Equal(t, []string{"dev-b", "dev-c"}, s.Peers())

	s.Handle(&protocol.SessionLeaveMsg{SessionID: "sess-1", DeviceID: "dev-b"})
	msg = receive(t, all)
	assert.Equal(t, protocol.TypeSessionLeave, msg.MessageType())
	assert.Equal(t, []string{"dev-c"}, s.Peers())
	assert.Equal(t, StateJoined, s.State())
}

func TestSession_HandleIgnoresOtherTypes(t *testing.T) {
	s, _ := joined(t)
	assert.False(t, s.Handle(&protocol.FileAckMsg{TransferID: "t"}))
	assert.False(t, s.Handle(&protocol.ErrorMsg{Code: "x"}))
}

func TestSession_Leave(t *testing.T) {
	s, conn := joined(t)

	s.Leave(context.Background())
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.SessionID())
	assert.Empty(t, s.Peers())

	sent := conn.Sent()
	leave, ok := sent[len(sent)-1].(*protocol.SessionLeaveMsg)
	require.True(t, ok)
	assert.Equal(t, "sess-1", leave.SessionID)
	assert.Equal(t, "dev-a", leave.DeviceID)
}

func TestSession_Leave_SendFailureStillResets(t *testing.T) {
	s, conn := joined(t)
	conn.mu.Lock()
	conn.sendErr = errors.New("connection lost")
	conn.mu.Unlock()

	s.Leave(context.Background())
	assert.Equal(t, StateIdle, s.State())
}

func TestSession_Reset(t *testing.T) {
	s, conn := joined(t)
	before := len(conn.Sent())

	s.Reset()
	assert.Equal(t, StateIdle, s.State())
	assert.Len(t, conn.Sent(), before, "reset does not notify the relay")
	require.NoError(t, s.Join(context.Background(), "sess-2", ""))
}

func TestSession_SubscribeCancel(t *testing.T) {
	s, _ := joined(t)
	ch, cancel := s.Subscribe("dev-b")
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancellation must not panic
	s.Handle(&protocol.OfferMsg{Route: protocol.Route{SessionID: "sess-1", From: "dev-b"}, SDP: "v=0"})
}

func TestSession_SendDescription(t *testing.T) {
	s, conn := joined(t)

	require.NoError(t, s.SendDescription(context.Background(), "",
		webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}))
	sent := conn.Sent()
	_, ok := sent[len(sent)-1].(*protocol.AnswerMsg)
	assert.True(t, ok)

	err := s.SendDescription(context.Background(), "",
		webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	require.ErrorIs(t, err, ErrUnsupportedSDPType)

	require.NoError(t, s.SendCandidate(context.Background(), "", nil))
}

func TestDescriptionFrom(t *testing.T) {
	desc, ok := DescriptionFrom(&protocol.OfferMsg{SDP: "v=0 offer"})
	require.True(t, ok)
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)
	assert.Equal(t, "v=0 offer", desc.SDP)

	desc, ok = DescriptionFrom(&protocol.AnswerMsg{SDP: "v=0 answer"})
	require.True(t, ok)
	assert.Equal(t, webrtc.SDPTypeAnswer, desc.Type)

	_, ok = DescriptionFrom(&protocol.ICECandidateMsg{})
	assert.False(t, ok)
}

func TestCandidateInit(t *testing.T) {
	ufrag := "abcd"
	init := CandidateInit(&protocol.ICECandidateMsg{Candidate: "candidate:1", UsernameFragment: &ufrag})
	assert.Equal(t, "candidate:1", init.Candidate)
	require.NotNil(t, init.UsernameFragment)
	assert.Equal(t, "abcd", *init.UsernameFragment)
	assert.Nil(t, init.SDPMid)
}
