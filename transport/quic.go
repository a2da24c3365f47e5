package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/Mmx233/QLink/protocol"
	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "qlink"

// Application error codes used when closing a QUIC connection.
const (
	QUICCodeNormal     quic.ApplicationErrorCode = 0
	QUICCodeProtocol   quic.ApplicationErrorCode = 1
	QUICCodeTooLarge   quic.ApplicationErrorCode = 2
	QUICCodeRateLimit  quic.ApplicationErrorCode = 3
	QUICCodeAuthFailed quic.ApplicationErrorCode = 4
)

// QUICDialer dials the relay over QUIC and opens one bidirectional stream.
// TLS sessions are cached per address so reconnects can resume.
type QUICDialer struct {
	Addr            string
	ServerName      string
	TLSConfig       *tls.Config
	QUICConfig      *quic.Config
	Sessions        *SessionCacheManager
	MaxMessageBytes int
}

func (d *QUICDialer) Dial(ctx context.Context) (Transport, error) {
	var tlsConfig *tls.Config
	if d.TLSConfig != nil {
		tlsConfig = d.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{}
	}
	if d.ServerName != "" {
		tlsConfig.ServerName = d.ServerName
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{ALPN}
	}
	if d.Sessions != nil {
		tlsConfig.ClientSessionCache = d.Sessions.GetOrCreate(d.Addr)
	}

	conn, err := quic.DialAddr(ctx, d.Addr, tlsConfig, d.QUICConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(QUICCodeNormal, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return NewQUICTransport(conn, stream, d.MaxMessageBytes), nil
}

// QUICTransport frames messages over a single QUIC stream.
type QUICTransport struct {
	conn   *quic.Conn
	stream *quic.Stream
	max    int

	frames chan []byte
	pongs  chan struct{}

	done    chan struct{}
	readErr error

	closeOnce sync.Once
	closed    chan struct{}

	writeMu sync.Mutex
}

// NewQUICTransport takes ownership of conn and stream.
func NewQUICTransport(conn *quic.Conn, stream *quic.Stream, maxMessageBytes int) *QUICTransport {
	if maxMessageBytes <= 0 {
		maxMessageBytes = protocol.DefaultMaxMessageBytes
	}
	t := &QUICTransport{
		conn:   conn,
		stream: stream,
		max:    maxMessageBytes,
		frames: make(chan []byte),
		pongs:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *QUICTransport) readLoop() {
	defer close(t.done)
	for {
		kind, payload, err := protocol.ReadFrame(t.stream, t.max)
		if err != nil {
			t.readErr = t.mapReadError(err)
			return
		}
		switch kind {
		case protocol.FrameData:
			select {
			case t.frames <- payload:
			case <-t.closed:
				t.readErr = ErrClosed
				return
			}
		case protocol.FramePing:
			t.writeMu.Lock()
			err = protocol.WriteFrame(t.stream, protocol.FramePong, payload)
			t.writeMu.Unlock()
			if err != nil {
				t.readErr = t.mapReadError(err)
				return
			}
		case protocol.FramePong:
			select {
			case t.pongs <- struct{}{}:
			default:
			}
		case protocol.FrameClose:
			t.readErr = fmt.Errorf("%w: peer closed stream", ErrClosed)
			return
		default:
			t.readErr = fmt.Errorf("unknown frame kind 0x%02x", kind)
			return
		}
	}
}

func (t *QUICTransport) mapReadError(err error) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		return ErrFrameTooLarge
	}
	return err
}

func (t *QUICTransport) write(kind byte, payload []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return protocol.WriteFrame(t.stream, kind, payload)
}

func (t *QUICTransport) Ping(ctx context.Context) error {
	if err := t.write(protocol.FramePing, nil); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	select {
	case <-t.pongs:
		return nil
	case <-t.done:
		return t.readErr
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *QUICTransport) Send(ctx context.Context, data []byte) error {
	if d, ok := ctx.Deadline(); ok {
		_ = t.stream.SetWriteDeadline(d)
	}
	return t.write(protocol.FrameData, data)
}

func (t *QUICTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.frames:
		return data, nil
	case <-t.done:
		return nil, t.readErr
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *QUICTransport) Close() error {
	return t.CloseWithError(QUICCodeNormal, "")
}

// CloseWithError sends a close frame, then closes the connection with code.
func (t *QUICTransport) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = protocol.WriteFrame(t.stream, protocol.FrameClose, []byte(reason))
		t.writeMu.Unlock()
		close(t.closed)
		_ = t.stream.Close()
		err = t.conn.CloseWithError(code, reason)
	})
	return err
}
