package agent

import (
	"fmt"
	"net/url"

	"github.com/Mmx233/QLink/config"
	"github.com/Mmx233/QLink/transport"
)

// SessionCacheCapacity bounds the TLS session tickets kept per relay.
const SessionCacheCapacity = 16

// NewDialer builds the transport dialer for relayURL: WebSocket for ws and
// wss, a single QUIC stream for quic.
func NewDialer(cfg *config.Agent, relayURL string, sessions *transport.SessionCacheManager) (transport.Dialer, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		d := &transport.WebSocketDialer{
			URL:              relayURL,
			HandshakeTimeout: cfg.Limits.ConnectTimeout,
			MaxMessageBytes:  cfg.Limits.MaxMessageBytes,
		}
		if u.Scheme == "wss" {
			d.TLSConfig = cfg.Relay.TLSConfig()
		}
		return d, nil
	case "quic":
		if sessions == nil {
			sessions = transport.NewSessionCacheManager(SessionCacheCapacity)
		}
		serverName := cfg.Relay.ServerName
		if serverName == "" {
			serverName = u.Hostname()
		}
		return &transport.QUICDialer{
			Addr:            u.Host,
			ServerName:      serverName,
			TLSConfig:       cfg.Relay.TLSConfig(),
			QUICConfig:      cfg.Quic.GetConfig(),
			Sessions:        sessions,
			MaxMessageBytes: cfg.Limits.MaxMessageBytes,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
}
