package server

import (
	"context"
	"fmt"
	"time"

	"github.com/Mmx233/QLink/protocol"
	"github.com/Mmx233/QLink/ratelimit"
	"github.com/Mmx233/QLink/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// writeTimeout bounds a single forwarded write to a slow peer.
const writeTimeout = 5 * time.Second

type closeReason int

const (
	closeNormal closeReason = iota
	closeProtocol
	closeTooLarge
	closeRateLimit
	closeAuthFailed
	closeReplaced
)

func (c closeReason) String() string {
	switch c {
	case closeNormal:
		return "normal"
	case closeProtocol:
		return "protocol violation"
	case closeTooLarge:
		return "message too large"
	case closeRateLimit:
		return "rate limit exceeded"
	case closeAuthFailed:
		return "authentication failed"
	case closeReplaced:
		return "replaced by newer connection"
	default:
		return "unknown"
	}
}

// peer is one authenticated device connection.
type peer struct {
	connectionID string
	deviceID     string
	remote       string
	tr           transport.Transport
	limiter      *ratelimit.Limiter
	logger       zerolog.Logger

	// session is guarded by Rooms.mu
	session string
}

func (p *peer) send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.tr.Send(ctx, data)
}

func (p *peer) sendError(ctx context.Context, code, message string) {
	if err := p.send(ctx, &protocol.ErrorMsg{Code: code, Message: message}); err != nil {
		p.logger.Debug().Err(err).Str("code", code).Msg("send error message failed")
	}
}

func (p *peer) close(reason closeReason) {
	closeTransport(p.tr, reason)
}

// closeTransport closes tr with the close code matching reason.
func closeTransport(tr transport.Transport, reason closeReason) {
	switch t := tr.(type) {
	case *transport.WebSocketTransport:
		code := websocket.CloseNormalClosure
		switch reason {
		case closeTooLarge:
			code = websocket.CloseMessageTooBig
		case closeProtocol, closeRateLimit, closeAuthFailed:
			code = websocket.ClosePolicyViolation
		case closeReplaced:
			code = websocket.CloseGoingAway
		}
		_ = t.CloseWithCode(code, reason.String())
	case *transport.QUICTransport:
		code := transport.QUICCodeNormal
		switch reason {
		case closeProtocol:
			code = transport.QUICCodeProtocol
		case closeTooLarge:
			code = transport.QUICCodeTooLarge
		case closeRateLimit:
			code = transport.QUICCodeRateLimit
		case closeAuthFailed:
			code = transport.QUICCodeAuthFailed
		}
		_ = t.CloseWithError(code, reason.String())
	default:
		_ = tr.Close()
	}
}
