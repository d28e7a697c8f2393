package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebot/internal/log"
)

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) SetReadLimit(int64) {}
func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteMessage(kind int, data []byte) error {
	if kind != websocket.TextMessage {
		return nil
	}
	select {
	case <-f.closed:
		return errors.New("closed")
	case f.frames <- data:
		return nil
	}
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := New("test", log.Discard())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, cancel
}

func connect(t *testing.T, h *Hub, session string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	client := NewClient(h, conn, session)
	go client.Run()
	return conn
}

func receive(t *testing.T, conn *fakeConn) Envelope {
	t.Helper()
	select {
	case raw := <-conn.frames:
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return Envelope{}
	}
}

func TestHubFanOut(t *testing.T) {
	h, _ := startHub(t)
	a := connect(t, h, "")
	b := connect(t, h, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Publish(EventTurn, "alice", map[string]string{"text": "hi"}))

	for _, conn := range []*fakeConn{a, b} {
		env := receive(t, conn)
		assert.Equal(t, EventTurn, env.Type)
		assert.Equal(t, "alice", env.Session)
	}
}

func TestHubSessionFilter(t *testing.T) {
	h, _ := startHub(t)
	alice := connect(t, h, "alice")
	bob := connect(t, h, "bob")
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Publish(EventTurn, "bob", "for bob"))
	require.NoError(t, h.Publish(EventReset, "", nil))

	env := receive(t, bob)
	assert.Equal(t, "for bob", env.Data)
	assert.Equal(t, EventReset, receive(t, bob).Type)

	assert.Equal(t, EventReset, receive(t, alice).Type, "unscoped events reach every client")
}

func TestHubUnregisterOnDisconnect(t *testing.T) {
	h, _ := startHub(t)
	conn := connect(t, h, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubStopDisconnectsClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New("test", log.Discard())
	go h.Run(ctx)
	conn := connect(t, h, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.IsRunning())

	cancel()
	<-h.Done()
	assert.False(t, h.IsRunning())
	assert.Equal(t, 0, h.ClientCount())
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("client connection not closed")
	}

	// Registering after shutdown must not block.
	NewClient(h, newFakeConn(), "")
}

func TestEncode(t *testing.T) {
	msg, err := Encode(EventState, "s1", map[string]string{"state": "idle"})
	require.NoError(t, err)
	assert.Equal(t, "s1", msg.Session)
	assert.JSONEq(t, `{"type":"state","session":"s1","data":{"state":"idle"}}`, string(msg.Data))
}
