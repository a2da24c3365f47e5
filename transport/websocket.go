package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials the relay over WebSocket.
type WebSocketDialer struct {
	URL              string
	Header           http.Header
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	MaxMessageBytes  int
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		TLSClientConfig:  d.TLSConfig,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = websocket.DefaultDialer.HandshakeTimeout
	}

	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return NewWebSocketTransport(conn, d.MaxMessageBytes), nil
}

// WebSocketTransport adapts a gorilla connection to Transport. One reader
// goroutine owns the read side; writes are serialized.
type WebSocketTransport struct {
	conn *websocket.Conn

	frames chan []byte
	pongs  chan struct{}

	done    chan struct{}
	readErr error

	closeOnce sync.Once
	closed    chan struct{}

	writeMu sync.Mutex
}

// NewWebSocketTransport takes ownership of conn. A positive maxMessageBytes
// caps inbound messages; larger ones fail Receive with ErrFrameTooLarge.
func NewWebSocketTransport(conn *websocket.Conn, maxMessageBytes int) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:   conn,
		frames: make(chan []byte),
		pongs:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	if maxMessageBytes > 0 {
		conn.SetReadLimit(int64(maxMessageBytes))
	}
	conn.SetPongHandler(func(string) error {
		select {
		case t.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	go t.readLoop()
	return t
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.done)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.readErr = t.mapReadError(err)
			return
		}
		select {
		case t.frames <- data:
		case <-t.closed:
			t.readErr = ErrClosed
			return
		}
	}
}

func (t *WebSocketTransport) mapReadError(err error) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return ErrFrameTooLarge
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return fmt.Errorf("read: %w", err)
}

func (t *WebSocketTransport) Ping(ctx context.Context) error {
	t.writeMu.Lock()
	err := t.conn.WriteControl(websocket.PingMessage, nil, deadline(ctx, DefaultPingTimeout))
	t.writeMu.Unlock()
	if err != nil {
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

func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(d)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
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

// Close sends a normal close frame and releases the connection. It is idempotent.
func (t *WebSocketTransport) Close() error {
	return t.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode sends a close frame carrying code and reason, then closes.
func (t *WebSocketTransport) CloseWithCode(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// Done is closed once the reader goroutine has exited.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}
