package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mmx233/QLink/protocol"
	"github.com/pion/webrtc/v4"
)

var ErrUnsupportedSDPType = errors.New("unsupported session description type")

// SendDescription sends a local description produced by a peer connection as
// an offer or answer depending on its type.
func (s *Session) SendDescription(ctx context.Context, to string, desc webrtc.SessionDescription) error {
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return s.SendOffer(ctx, to, desc.SDP)
	case webrtc.SDPTypeAnswer:
		return s.SendAnswer(ctx, to, desc.SDP)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedSDPType, desc.Type)
	}
}

// SendCandidate forwards a trickled candidate. A nil candidate marks the end
// of gathering and is not sent.
func (s *Session) SendCandidate(ctx context.Context, to string, c *webrtc.ICECandidate) error {
	if c == nil {
		return nil
	}
	return s.SendICECandidate(ctx, to, c.ToJSON())
}

// DescriptionFrom converts an inbound offer or answer to the form accepted by
// SetRemoteDescription.
func DescriptionFrom(msg protocol.Message) (webrtc.SessionDescription, bool) {
	switch m := msg.(type) {
	case *protocol.OfferMsg:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}, true
	case *protocol.AnswerMsg:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}, true
	default:
		return webrtc.SessionDescription{}, false
	}
}

func CandidateInit(m *protocol.ICECandidateMsg) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        m.Candidate,
		SDPMid:           m.SDPMid,
		SDPMLineIndex:    m.SDPMLineIndex,
		UsernameFragment: m.UsernameFragment,
	}
}
