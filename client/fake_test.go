package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mmx233/QLink/config"
	"github.com/Mmx233/QLink/protocol"
	"github.com/Mmx233/QLink/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testToken = "shared-secret"

// fakeTransport is an in-memory Transport. Frames pushed with Deliver come
// out of Receive; everything passed to Send is recorded and, when a reply
// function is set, answered.
type fakeTransport struct {
	incoming chan []byte
	failures chan error

	mu    sync.Mutex
	sent  [][]byte
	reply func(ft *fakeTransport, data []byte)

	pingErr   error
	pingBlock bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 64),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
		reply:    acceptAuth,
	}
}

// acceptAuth answers an auth message with a successful auth_response.
func acceptAuth(ft *fakeTransport, data []byte) {
	msg, err := protocol.NewDecoder(protocol.Limits{}).Decode(data)
	if err != nil {
		return
	}
	if auth, ok := msg.(*protocol.AuthMsg); ok {
		ft.DeliverMsg(&protocol.AuthResponseMsg{Success: auth.Token == testToken, ConnectionID: auth.ConnectionID})
	}
}

func (ft *fakeTransport) Ping(ctx context.Context) error {
	if ft.pingBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return ft.pingErr
}

func (ft *fakeTransport) Send(_ context.Context, data []byte) error {
	select {
	case <-ft.closed:
		return transport.ErrClosed
	default:
	}
	ft.mu.Lock()
	ft.sent = append(ft.sent, data)
	reply := ft.reply
	ft.mu.Unlock()
	if reply != nil {
		reply(ft, data)
	}
	return nil
}

func (ft *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-ft.incoming:
		return data, nil
	case err := <-ft.failures:
		return nil, err
	case <-ft.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ft *fakeTransport) Close() error {
	ft.closeOnce.Do(func() { close(ft.closed) })
	return nil
}

func (ft *fakeTransport) Deliver(data []byte) {
	ft.incoming <- data
}

func (ft *fakeTransport) DeliverMsg(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}
	ft.Deliver(data)
}

// Fail makes the pending or next Receive return err.
func (ft *fakeTransport) Fail(err error) {
	ft.failures <- err
}

func (ft *fakeTransport) Sent() [][]byte {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([][]byte(nil), ft.sent...)
}

func (ft *fakeTransport) IsClosed() bool {
	select {
	case <-ft.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out transports produced by next, counting every dial.
type fakeDialer struct {
	mu    sync.Mutex
	next  func(n int) (*fakeTransport, error)
	dials atomic.Int32
	last  *fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Transport, error) {
	n := int(d.dials.Add(1))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ft, err := d.next(n)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.last = ft
	d.mu.Unlock()
	return ft, nil
}

func (d *fakeDialer) Last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *fakeDialer) Dials() int {
	return int(d.dials.Load())
}

func alwaysDial() *fakeDialer {
	return &fakeDialer{next: func(int) (*fakeTransport, error) { return newFakeTransport(), nil }}
}

var errDialRefused = errors.New("connection refused")

func testLimits() config.Limits {
	l := config.Limits{
		ReconnectDelay: 10 * time.Millisecond,
		ConnectTimeout: time.Second,
	}
	l.ApplyDefaults()
	return l
}

func newTestConnection(t *testing.T, d transport.Dialer, limits config.Limits) *Connection {
	t.Helper()
	c := New(Options{
		DeviceID: "dev-a",
		Token:    testToken,
		Limits:   limits,
		Dialer:   d,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(c.Disconnect)
	return c
}

func connect(t *testing.T, c *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
}

func waitState(t *testing.T, c *Connection, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s (is %s)", want, c.State())
}

// drainStates collects every transition published so far.
func drainStates(c *Connection) []ConnectionState {
	var out []ConnectionState
	for {
		select {
		case sc := <-c.States():
			out = append(out, sc.To)
		default:
			return out
		}
	}
}

func receiveSecurityEvent(t *testing.T, c *Connection) SecurityEvent {
	t.Helper()
	select {
	case ev := <-c.SecurityEvents():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no security event")
		return SecurityEvent{}
	}
}
