package config

import (
	"crypto/tls"
	"fmt"
	"time"
)

type Relay struct {
	Listen         string        `yaml:"listen"`
	Path           string        `yaml:"path"`
	Tokens         []string      `yaml:"tokens"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	Quic           RelayQuic     `yaml:"quic"`
	TLS            RelayTLS      `yaml:"tls"`
	Limits         Limits        `yaml:"limits"`
}

type RelayQuic struct {
	Enabled bool `yaml:"enabled"`
	Listen  `yaml:",inline"`
	Quic    `yaml:",inline"`
}

type RelayTLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// SessionTicketRotation enables periodic rotation of session ticket
	// keys; SessionTicketOverlap old keys stay valid for resumption.
	SessionTicketRotation time.Duration `yaml:"session_ticket_rotation"`
	SessionTicketOverlap  uint8         `yaml:"session_ticket_overlap"`

	Certificate *tls.Certificate `yaml:"-"`
}

func (r *Relay) ApplyDefaults() {
	if r.Listen == "" {
		r.Listen = DefaultListen
	}
	if r.Path == "" {
		r.Path = DefaultPath
	}
	if r.AuthTimeout == 0 {
		r.AuthTimeout = DefaultAuthTimeout
	}
	if r.Quic.Port == 0 {
		r.Quic.Port = DefaultQuicPort
	}
	if r.TLS.SessionTicketRotation > 0 && r.TLS.SessionTicketOverlap == 0 {
		r.TLS.SessionTicketOverlap = DefaultSessionTicketOverlap
	}
	r.Limits.ApplyDefaults()
}

func (r *Relay) Validate() error {
	if len(r.Tokens) == 0 {
		return fmt.Errorf("at least one token must be provided")
	}
	for i, tok := range r.Tokens {
		if tok == "" {
			return fmt.Errorf("token %d is empty", i)
		}
	}
	if r.Quic.Enabled {
		if r.Quic.Port < 1 || r.Quic.Port > 65535 {
			return fmt.Errorf("quic port must be between 1 and 65535, got %d", r.Quic.Port)
		}
		if _, err := r.Quic.GetIP(); err != nil {
			return err
		}
		if r.TLS.CertFile == "" || r.TLS.KeyFile == "" {
			return fmt.Errorf("tls cert_file and key_file are required when quic is enabled")
		}
	}
	if r.TLS.SessionTicketRotation < 0 {
		return fmt.Errorf("session_ticket_rotation must not be negative")
	}
	return r.Limits.Validate()
}

// LoadCertificates loads the relay certificate when TLS is configured.
func (t *RelayTLS) LoadCertificates() error {
	if t.CertFile == "" && t.KeyFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return fmt.Errorf("load relay cert/key: %w", err)
	}
	t.Certificate = &cert
	return nil
}

// Enabled reports whether a certificate was loaded.
func (t *RelayTLS) Enabled() bool {
	return t.Certificate != nil
}

// ServerConfig returns the TLS config for the relay listeners, or nil when no
// certificate is loaded.
func (t *RelayTLS) ServerConfig(nextProtos ...string) *tls.Config {
	if t.Certificate == nil {
		return nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*t.Certificate},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS12,
	}
}
