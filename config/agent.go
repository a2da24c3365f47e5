package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
)

type Agent struct {
	DeviceID string        `yaml:"device_id"`
	Token    string        `yaml:"token"`
	Relay    AgentRelay    `yaml:"relay"`
	Session  AgentSession  `yaml:"session"`
	Transfer AgentTransfer `yaml:"transfer"`
	Limits   Limits        `yaml:"limits"`
	Quic     Quic          `yaml:"quic"`
}

type AgentRelay struct {
	// URL is ws://, wss:// or quic://host:port
	URL                string `yaml:"url"`
	ServerName         string `yaml:"server_name"`
	CACertFile         string `yaml:"ca_cert_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	// Peers maps device ids to the relay they are reachable through.
	Peers map[string]string `yaml:"peers"`

	CACertPool *x509.CertPool `yaml:"-"`
}

type AgentSession struct {
	ID           string `yaml:"id"`
	PeerDeviceID string `yaml:"peer_device_id"`
	// Key is hex-encoded key material shared with the peer. Transfers are
	// authenticated only when it is set.
	Key string `yaml:"key"`
}

type AgentTransfer struct {
	MismatchPolicy string `yaml:"mismatch_policy"` // warn or fail
	MaxFileSize    int64  `yaml:"max_file_size"`
	ChunkSize      int    `yaml:"chunk_size"`
}

func (a *Agent) ApplyDefaults() {
	if a.DeviceID == "" {
		a.DeviceID = GenerateDeviceID()
	}
	if a.Transfer.MismatchPolicy == "" {
		a.Transfer.MismatchPolicy = MismatchWarn
	}
	if a.Transfer.MaxFileSize == 0 {
		a.Transfer.MaxFileSize = DefaultMaxFile
	}
	if a.Transfer.ChunkSize == 0 {
		a.Transfer.ChunkSize = DefaultChunkSize
	}
	a.Limits.ApplyDefaults()
}

func (a *Agent) Validate() error {
	if a.Token == "" {
		return fmt.Errorf("token is required")
	}
	if err := ValidateRelayURL(a.Relay.URL); err != nil {
		return err
	}
	for id, u := range a.Relay.Peers {
		if err := ValidateRelayURL(u); err != nil {
			return fmt.Errorf("peer %s: %w", id, err)
		}
	}
	switch a.Transfer.MismatchPolicy {
	case MismatchWarn, MismatchFail:
	default:
		return fmt.Errorf("unknown mismatch_policy %q", a.Transfer.MismatchPolicy)
	}
	if a.Session.Key != "" {
		if _, err := hex.DecodeString(a.Session.Key); err != nil {
			return fmt.Errorf("session key is not valid hex: %w", err)
		}
	}
	return a.Limits.Validate()
}

// SessionKey returns the decoded session key, or nil when unset.
func (a *Agent) SessionKey() []byte {
	if a.Session.Key == "" {
		return nil
	}
	key, _ := hex.DecodeString(a.Session.Key)
	return key
}

// ValidateRelayURL accepts ws, wss and quic URLs with a host.
func ValidateRelayURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("relay url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid relay url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss", "quic":
	default:
		return fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host cannot be empty in relay url %q", raw)
	}
	if u.Scheme == "quic" && u.Port() == "" {
		return fmt.Errorf("quic relay url %q needs a port", raw)
	}
	return nil
}

// LoadCertificates loads the CA pool used to verify the relay, if configured.
func (r *AgentRelay) LoadCertificates() error {
	if r.CACertFile == "" {
		return nil
	}
	caCertPEM, err := os.ReadFile(r.CACertFile)
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}
	r.CACertPool = x509.NewCertPool()
	if !r.CACertPool.AppendCertsFromPEM(caCertPEM) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	return nil
}

// TLSConfig returns the client TLS config for relay connections.
func (r *AgentRelay) TLSConfig() *tls.Config {
	return &tls.Config{
		ServerName:         r.ServerName,
		RootCAs:            r.CACertPool,
		InsecureSkipVerify: r.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}
