package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Mmx233/QLink/protocol"
	"github.com/Mmx233/QLink/ratelimit"
	"github.com/quic-go/quic-go"
)

const (
	EnvPrefix = "QLINK_"
)

type Listen struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

func (l Listen) GetIP() (net.IP, error) {
	if l.IP == "" {
		return net.IPv4zero, nil
	}
	ip := net.ParseIP(l.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %s", l.IP)
	}
	return ip, nil
}

func (l Listen) Addr() string {
	return net.JoinHostPort(l.IP, strconv.Itoa(l.Port))
}

type Quic struct {
	InitialStreamReceiveWindow     uint64        `yaml:"initial_stream_receive_window"`
	MaxStreamReceiveWindow         uint64        `yaml:"max_stream_receive_window"`
	InitialConnectionReceiveWindow uint64        `yaml:"initial_connection_receive_window"`
	MaxConnectionReceiveWindow     uint64        `yaml:"max_connection_receive_window"`
	KeepAlivePeriod                time.Duration `yaml:"keep_alive_period"`
	HandshakeIdleTimeout           time.Duration `yaml:"handshake_idle_timeout"`
	MaxIdleTimeout                 time.Duration `yaml:"max_idle_timeout"`
}

// GetConfig builds the quic-go config. Each peer opens exactly one stream.
func (q Quic) GetConfig() *quic.Config {
	if q.MaxIdleTimeout == 0 {
		q.MaxIdleTimeout = DefaultMaxIdleTimeout
	}
	if q.KeepAlivePeriod == 0 {
		q.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	return &quic.Config{
		InitialStreamReceiveWindow:     q.InitialStreamReceiveWindow,
		MaxStreamReceiveWindow:         q.MaxStreamReceiveWindow,
		InitialConnectionReceiveWindow: q.InitialConnectionReceiveWindow,
		MaxConnectionReceiveWindow:     q.MaxConnectionReceiveWindow,
		MaxIncomingStreams:             1,
		MaxIncomingUniStreams:          -1,
		KeepAlivePeriod:                q.KeepAlivePeriod,
		HandshakeIdleTimeout:           q.HandshakeIdleTimeout,
		MaxIdleTimeout:                 q.MaxIdleTimeout,
	}
}

// Limits bounds what a peer may send before it is dropped or disconnected.
type Limits struct {
	MaxMessageBytes                   int           `yaml:"max_message_bytes"`
	MaxQueueDepth                     int           `yaml:"max_queue_depth"`
	RateLimitCapacity                 float64       `yaml:"rate_limit_capacity"`
	RateLimitRefillPerSecond          float64       `yaml:"rate_limit_refill_per_second"`
	DroppedMessageDisconnectThreshold int           `yaml:"dropped_message_disconnect_threshold"`
	DroppedMessageWindow              time.Duration `yaml:"dropped_message_window"`
	MaxReconnectAttempts              int           `yaml:"max_reconnect_attempts"` // negative disables reconnect
	ReconnectDelay                    time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout                    time.Duration `yaml:"connect_timeout"`

	MaxDepth        int `yaml:"max_depth"`
	MaxArrayLength  int `yaml:"max_array_length"`
	MaxStringLength int `yaml:"max_string_length"`
}

// DefaultLimits returns Limits with every field set to its default.
func DefaultLimits() Limits {
	var l Limits
	l.ApplyDefaults()
	return l
}

func (l *Limits) ApplyDefaults() {
	if l.MaxMessageBytes == 0 {
		l.MaxMessageBytes = protocol.DefaultMaxMessageBytes
	}
	if l.MaxQueueDepth == 0 {
		l.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if l.RateLimitCapacity == 0 {
		l.RateLimitCapacity = ratelimit.DefaultCapacity
	}
	if l.RateLimitRefillPerSecond == 0 {
		l.RateLimitRefillPerSecond = ratelimit.DefaultRefillPerSecond
	}
	if l.DroppedMessageDisconnectThreshold == 0 {
		l.DroppedMessageDisconnectThreshold = ratelimit.DefaultDropThreshold
	}
	if l.DroppedMessageWindow == 0 {
		l.DroppedMessageWindow = ratelimit.DefaultDropWindow
	}
	if l.MaxReconnectAttempts == 0 {
		l.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if l.ReconnectDelay == 0 {
		l.ReconnectDelay = DefaultReconnectDelay
	}
	if l.ConnectTimeout == 0 {
		l.ConnectTimeout = DefaultConnectTimeout
	}
	if l.MaxDepth == 0 {
		l.MaxDepth = protocol.DefaultMaxDepth
	}
	if l.MaxArrayLength == 0 {
		l.MaxArrayLength = protocol.DefaultMaxArrayLength
	}
	if l.MaxStringLength == 0 {
		l.MaxStringLength = protocol.DefaultMaxStringLength
	}
}

func (l *Limits) Validate() error {
	switch {
	case l.MaxMessageBytes < 0:
		return fmt.Errorf("max_message_bytes must be positive, got %d", l.MaxMessageBytes)
	case l.MaxQueueDepth < 0:
		return fmt.Errorf("max_queue_depth must be positive, got %d", l.MaxQueueDepth)
	case l.RateLimitCapacity < 0:
		return fmt.Errorf("rate_limit_capacity must be positive, got %v", l.RateLimitCapacity)
	case l.RateLimitRefillPerSecond < 0:
		return fmt.Errorf("rate_limit_refill_per_second must be positive, got %v", l.RateLimitRefillPerSecond)
	case l.DroppedMessageDisconnectThreshold < 0:
		return fmt.Errorf("dropped_message_disconnect_threshold must be positive, got %d", l.DroppedMessageDisconnectThreshold)
	case l.DroppedMessageWindow < 0, l.ReconnectDelay < 0, l.ConnectTimeout < 0:
		return fmt.Errorf("durations must not be negative")
	case l.MaxDepth < 0, l.MaxArrayLength < 0, l.MaxStringLength < 0:
		return fmt.Errorf("decoder limits must not be negative")
	}
	if l.MaxStringLength > l.MaxMessageBytes && l.MaxMessageBytes > 0 {
		return fmt.Errorf("max_string_length (%d) exceeds max_message_bytes (%d)", l.MaxStringLength, l.MaxMessageBytes)
	}
	return nil
}

// DecoderLimits converts to the bounded decoder limits.
func (l Limits) DecoderLimits() protocol.Limits {
	return protocol.Limits{
		MaxMessageBytes: l.MaxMessageBytes,
		MaxDepth:        l.MaxDepth,
		MaxArrayLength:  l.MaxArrayLength,
		MaxStringLength: l.MaxStringLength,
	}
}

// RateLimit converts to the per-connection limiter config.
func (l Limits) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Capacity:        l.RateLimitCapacity,
		RefillPerSecond: l.RateLimitRefillPerSecond,
		DropThreshold:   l.DroppedMessageDisconnectThreshold,
		DropWindow:      l.DroppedMessageWindow,
	}
}

// ReconnectAttempts returns the effective retry budget.
func (l Limits) ReconnectAttempts() int {
	if l.MaxReconnectAttempts < 0 {
		return 0
	}
	return l.MaxReconnectAttempts
}
