package server

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glucolog/internal/extraction"
	"glucolog/internal/protocol"
	"glucolog/internal/store"
	"glucolog/internal/types"
)

// fakeAgent is a scripted extraction agent: inputs present in the script
// yield a reading, everything else falls through to a canned reply.
type fakeAgent struct {
	script map[string]extraction.Result
}

func (f *fakeAgent) Extract(_ context.Context, input string, _ time.Time) (extraction.Result, error) {
	if r, ok := f.script[input]; ok {
		return r, nil
	}
	return extraction.Result{Reason: "no reading mentioned"}, nil
}

func (f *fakeAgent) Reply(_ context.Context, input string, _ []types.Message) (string, error) {
	return "echo: " + input, nil
}

type testEnv struct {
	t     *testing.T
	store *store.ReadingStore
	srv   *Server
	http  *httptest.Server
}

func newTestEnv(t *testing.T, agent extraction.Agent) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "glucolog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	today := func() time.Time {
		return time.Date(2025, 2, 25, 12, 0, 0, 0, time.UTC)
	}
	srv := New(st, agent, WithClock(today), WithWriteTimeout(2*time.Second))
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})

	return &testEnv{t: t, store: st, srv: srv, http: hs}
}

// dial opens a raw websocket connection and consumes the welcome frame.
func (e *testEnv) dial() *websocket.Conn {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = conn.Close() })

	welcome := e.read(conn)
	chat, ok := welcome.(*protocol.ChatFrame)
	require.True(e.t, ok, "first frame must be the welcome chat, got %T", welcome)
	require.Contains(e.t, chat.Content, "blood sugar")
	return conn
}

func (e *testEnv) send(conn *websocket.Conn, frame interface{}) {
	e.t.Helper()
	data, err := protocol.Encode(frame)
	require.NoError(e.t, err)
	require.NoError(e.t, conn.WriteMessage(websocket.TextMessage, data))
}

func (e *testEnv) read(conn *websocket.Conn) interface{} {
	e.t.Helper()
	require.NoError(e.t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(e.t, err)
	frame, err := protocol.Decode(data)
	require.NoError(e.t, err)
	return frame
}

func TestChatWithReadingYieldsExtraction(t *testing.T) {
	reading := types.Reading{GlucoseLevel: 120, Date: "2025-02-25", MealStatus: types.MealFasting}
	env := newTestEnv(t, &fakeAgent{script: map[string]extraction.Result{
		"My sugar was 120 today fasting": {Found: true, Reading: reading},
	}})
	conn := env.dial()

	env.send(conn, protocol.NewChat("My sugar was 120 today fasting"))

	frame := env.read(conn)
	ext, ok := frame.(*protocol.ExtractionFrame)
	require.True(t, ok, "expected extraction frame, got %T", frame)
	assert.Equal(t, reading, ext.Reading())
}

func TestChatWithoutReadingYieldsReply(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	conn := env.dial()

	env.send(conn, protocol.NewChat("how am I doing overall?"))

	frame := env.read(conn)
	chat, ok := frame.(*protocol.ChatFrame)
	require.True(t, ok)
	assert.Equal(t, "echo: how am I doing overall?", chat.Content)
}

func TestInvalidExtractionAnsweredInChat(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{script: map[string]extraction.Result{
		"it was 900": {Found: true, Reading: types.Reading{
			GlucoseLevel: 900, Date: "2025-02-25", MealStatus: types.MealFasting,
		}},
	}})
	conn := env.dial()

	env.send(conn, protocol.NewChat("it was 900"))

	frame := env.read(conn)
	chat, ok := frame.(*protocol.ChatFrame)
	require.True(t, ok, "out-of-range extraction must come back as chat, got %T", frame)
	assert.Contains(t, chat.Content, "couldn't validate")
	assert.Contains(t, chat.Content, "outside typical meter range")
}

func TestConfirmPersistsAndAcks(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	conn := env.dial()

	reading := types.Reading{GlucoseLevel: 98, Date: "2025-02-24", MealStatus: types.MealFasting}
	env.send(conn, protocol.NewConfirm(reading, "before breakfast"))

	frame := env.read(conn)
	ack, ok := frame.(*protocol.ConfirmAckFrame)
	require.True(t, ok, "expected confirm_ack, got %T", frame)
	assert.Contains(t, ack.Message, "saved your reading")
	assert.Contains(t, ack.Message, "first recorded reading")

	// Notes from the confirm frame override the draft's notes.
	stored, err := env.store.List()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "before breakfast", stored[0].Notes)
	assert.Equal(t, 98, stored[0].GlucoseLevel)
}

func TestConfirmTrendAgainstPriorReadings(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	_, err := env.store.Add(types.Reading{GlucoseLevel: 100, Date: "2025-02-23", MealStatus: types.MealFasting})
	require.NoError(t, err)

	conn := env.dial()
	env.send(conn, protocol.NewConfirm(types.Reading{
		GlucoseLevel: 130, Date: "2025-02-24", MealStatus: types.MealFasting,
	}, ""))

	ack, ok := env.read(conn).(*protocol.ConfirmAckFrame)
	require.True(t, ok)
	assert.Contains(t, ack.Message, "30.0 mg/dL higher than your average fasting level")
}

func TestConfirmRejectedForInvalidReading(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	conn := env.dial()

	env.send(conn, protocol.NewConfirm(types.Reading{
		GlucoseLevel: 98, Date: "2025-03-01", MealStatus: types.MealFasting, // future
	}, ""))

	frame := env.read(conn)
	rej, ok := frame.(*protocol.ConfirmRejectedFrame)
	require.True(t, ok, "expected confirm_rejected, got %T", frame)
	assert.Contains(t, rej.Reason, "future")

	stored, err := env.store.List()
	require.NoError(t, err)
	assert.Empty(t, stored, "rejected reading must not be persisted")
}

func TestHistoryAndStatsEchoRequestID(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	_, err := env.store.Add(types.Reading{GlucoseLevel: 100, Date: "2025-02-23", MealStatus: types.MealFasting})
	require.NoError(t, err)
	_, err = env.store.Add(types.Reading{GlucoseLevel: 150, Date: "2025-02-24", MealStatus: types.MealPrandial})
	require.NoError(t, err)

	conn := env.dial()

	env.send(conn, protocol.NewGetHistory(11))
	hist, ok := env.read(conn).(*protocol.HistoryFrame)
	require.True(t, ok)
	assert.Equal(t, uint64(11), hist.Req)
	assert.Len(t, hist.Readings, 2)

	env.send(conn, protocol.NewGetStats(12))
	stats, ok := env.read(conn).(*protocol.StatsFrame)
	require.True(t, ok)
	assert.Equal(t, uint64(12), stats.Req)
	assert.Equal(t, 2, stats.TotalReadings)
	require.NotNil(t, stats.AvgFasting)
	assert.Equal(t, 100.0, *stats.AvgFasting)
}

func TestEmptyHistorySnapshot(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	conn := env.dial()

	env.send(conn, protocol.NewGetHistory(1))
	hist, ok := env.read(conn).(*protocol.HistoryFrame)
	require.True(t, ok)
	require.NotNil(t, hist.Readings)
	assert.Len(t, hist.Readings, 0)
}

func TestUnknownFrameDoesNotKillSession(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	conn := env.dial()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"firmware_update"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{broken`)))

	// The session is still alive and serving.
	env.send(conn, protocol.NewGetStats(1))
	stats, ok := env.read(conn).(*protocol.StatsFrame)
	require.True(t, ok)
	assert.Equal(t, 0, stats.TotalReadings)
}
