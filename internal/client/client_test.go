package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"glucolog/internal/protocol"
	"glucolog/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeServer is a minimal in-process websocket peer: it records every frame
// the client sends and can push frames back.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	closeOnce sync.Once

	received chan []byte
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t, received: make(chan []byte, 32)}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.shutdown)
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fs.received <- data
	}
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

// push sends a frame to the most recent client connection.
func (fs *fakeServer) push(frame interface{}) {
	data, err := protocol.Encode(frame)
	require.NoError(fs.t, err)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(fs.t, fs.conns, "no client connection to push to")
	conn := fs.conns[len(fs.conns)-1]
	require.NoError(fs.t, conn.WriteMessage(websocket.TextMessage, data))
}

// dropConns force-closes every client connection without stopping the
// listener, simulating a transient network loss.
func (fs *fakeServer) dropConns() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
	fs.conns = nil
}

func (fs *fakeServer) shutdown() {
	fs.closeOnce.Do(func() {
		fs.dropConns()
		fs.srv.Close()
	})
}

// recv waits for the next frame the client sent.
func (fs *fakeServer) recv() []byte {
	select {
	case data := <-fs.received:
		return data
	case <-time.After(2 * time.Second):
		fs.t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

func testConfig(url string) Config {
	return Config{
		ServerURL:        url,
		HandshakeTimeout: 2 * time.Second,
		ReconnectBase:    10 * time.Millisecond,
		ReconnectMax:     40 * time.Millisecond,
		MaxRetries:       5,
	}
}

func connect(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	c := New(testConfig(fs.url()))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	require.Equal(t, StatusConnected, c.Status())
	return c
}

func TestConnectIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	c := connect(t, fs)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StatusConnected, c.Status())

	fs.mu.Lock()
	n := len(fs.conns)
	fs.mu.Unlock()
	assert.Equal(t, 1, n, "repeat Connect must not open extra connections")
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	c := New(testConfig("ws://127.0.0.1:1/ws"))
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, c.Status())
	_ = c.Close()
}

// TestRecordReadingScenario walks the full happy path: free-text report,
// extraction draft, confirmation, outbound confirm frame, acknowledgment.
func TestRecordReadingScenario(t *testing.T) {
	fs := newFakeServer(t)
	c := connect(t, fs)

	require.NoError(t, c.SendChat("My sugar was 120 today fasting"))

	frame, err := protocol.Decode(fs.recv())
	require.NoError(t, err)
	chat, ok := frame.(*protocol.ChatFrame)
	require.True(t, ok)
	assert.Equal(t, "My sugar was 120 today fasting", chat.Content)

	// The user's own line is in the transcript immediately.
	v := c.View()
	require.Len(t, v.Transcript, 1)
	assert.True(t, v.Transcript[0].FromUser)

	extracted := types.Reading{GlucoseLevel: 120, Date: "2025-02-25", MealStatus: types.MealFasting}
	fs.push(protocol.NewExtraction(extracted))

	require.Eventually(t, func() bool {
		d := c.Draft()
		return d != nil && d.Phase == PhasePending
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, extracted, c.Draft().Reading)

	require.NoError(t, c.Confirm(""))

	frame, err = protocol.Decode(fs.recv())
	require.NoError(t, err)
	confirm, ok := frame.(*protocol.ConfirmFrame)
	require.True(t, ok)
	assert.Equal(t, extracted, confirm.Reading, "confirm carries the exact draft fields")
	assert.Empty(t, confirm.Notes)

	// Draft retained until the server acknowledges.
	require.NotNil(t, c.Draft())
	assert.Equal(t, PhaseAwaitingAck, c.Draft().Phase)

	fs.push(protocol.NewConfirmAck("Great! I've saved your reading."))
	require.Eventually(t, func() bool { return c.Draft() == nil }, 2*time.Second, 5*time.Millisecond)
}

func TestHistoryAfterReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := connect(t, fs)

	fs.dropConns()
	require.Eventually(t, func() bool {
		return c.Status() == StatusConnected
	}, 2*time.Second, 5*time.Millisecond, "client must reconnect while the listener is up")

	require.NoError(t, c.RequestHistory())
	frame, err := protocol.Decode(fs.recv())
	require.NoError(t, err)
	get, ok := frame.(*protocol.GetHistoryFrame)
	require.True(t, ok)

	fs.push(protocol.NewHistory(get.Req, nil))
	require.Eventually(t, func() bool {
		_, loaded := c.History()
		return loaded
	}, 2*time.Second, 5*time.Millisecond)

	hist, _ := c.History()
	assert.Len(t, hist, 0, "empty history applies as an empty snapshot")
}

func TestReconnectGivesUpAfterBudget(t *testing.T) {
	fs := newFakeServer(t)

	cfg := testConfig(fs.url())
	cfg.MaxRetries = 2
	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	// Take the whole listener down so every retry fails.
	fs.shutdown()

	require.Eventually(t, func() bool {
		return c.Status() == StatusGaveUp
	}, 3*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.SendChat("anyone there?"), ErrNotConnected)
}

func TestCloseStopsReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := connect(t, fs)

	require.NoError(t, c.Close())
	assert.Equal(t, StatusDisconnected, c.Status())

	// Closing again is safe.
	require.NoError(t, c.Close())
}
