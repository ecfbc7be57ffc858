// Package client implements the real-time synchronization core: a single
// duplex websocket multiplexing the chat transcript, the pending extraction
// draft, and server-computed history/stats snapshots. Consumers observe
// published state only; transport failures never surface as errors to them.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"glucolog/internal/logging"
	"glucolog/internal/protocol"
	"glucolog/internal/types"
)

// Sentinel errors for guarded intents.
var (
	// ErrNotConnected is returned when an outbound intent is issued while
	// the channel is down. No frame is constructed or queued.
	ErrNotConnected = errors.New("not connected")

	// ErrNoPendingReading is returned by Confirm when there is no draft in
	// the pending phase.
	ErrNoPendingReading = errors.New("no pending reading to confirm")
)

// Config controls the connection manager.
type Config struct {
	// ServerURL is the websocket URL, e.g. "ws://localhost:8000/ws".
	ServerURL string

	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration

	// ReconnectBase is the first retry delay after a transport drop.
	ReconnectBase time.Duration

	// ReconnectMax caps the exponential backoff.
	ReconnectMax time.Duration

	// MaxRetries bounds the reconnect loop. Zero disables auto-reconnect:
	// a drop goes straight to the disconnected state.
	MaxRetries int
}

// DefaultConfig returns sane defaults.
func DefaultConfig(url string) Config {
	return Config{
		ServerURL:        url,
		HandshakeTimeout: 10 * time.Second,
		ReconnectBase:    time.Second,
		ReconnectMax:     30 * time.Second,
		MaxRetries:       8,
	}
}

// Client owns the duplex channel and the published state. All inbound frames
// are routed on the read goroutine in arrival order; intents are guarded by
// the liveness state.
type Client struct {
	cfg   Config
	state *store

	mu      sync.Mutex
	conn    *websocket.Conn
	dialing bool
	stopCh  chan struct{}

	// readDone is closed when the current read loop exits.
	readDone chan struct{}
}

// New creates a client. No connection is attempted until Connect.
func New(cfg Config) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{
		cfg:   cfg,
		state: newStore(),
	}
}

// View returns the current published state.
func (c *Client) View() View {
	return c.state.View()
}

// Status returns the channel liveness state.
func (c *Client) Status() Status {
	return c.state.Status()
}

// Subscribe registers an observer invoked with a fresh View after every
// state change.
func (c *Client) Subscribe(fn Observer) {
	c.state.subscribe(fn)
}

// Connect establishes the duplex channel. Idempotent: a no-op while already
// connected or connecting. A fresh call after the reconnect loop gave up
// resets the retry budget.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.dialing {
		c.mu.Unlock()
		return nil
	}
	switch c.state.Status() {
	case StatusConnected, StatusConnecting, StatusRetrying:
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
	}()

	c.state.setStatus(StatusConnecting)

	if err := c.dial(ctx, stop); err != nil {
		c.state.setStatus(StatusDisconnected)
		return err
	}
	return nil
}

// dial performs one connection attempt and, on success, starts the read
// loop.
func (c *Client) dial(ctx context.Context, stop chan struct{}) error {
	logging.Transport("dialing %s", c.cfg.ServerURL)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.readDone = make(chan struct{})
	done := c.readDone
	c.mu.Unlock()

	c.state.setStatus(StatusConnected)
	logging.Transport("connected to %s", c.cfg.ServerURL)

	go c.readLoop(conn, stop, done)
	return nil
}

// readLoop routes inbound frames in arrival order until the transport drops
// or Close is called. On an unexpected drop it hands off to the reconnect
// loop.
func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				// Deliberate Close; state already set.
				return
			default:
			}
			logging.Transport("read error: %v", err)
			_ = conn.Close()
			c.state.setStatus(StatusRetrying)
			go c.reconnectLoop(stop)
			return
		}
		c.route(data)
	}
}

// reconnectLoop retries the dial with bounded exponential backoff. Published
// status distinguishes "retrying" from "gave up" so the presentation layer
// can offer a manual retry affordance.
func (c *Client) reconnectLoop(stop chan struct{}) {
	if c.cfg.MaxRetries <= 0 {
		c.state.setStatus(StatusDisconnected)
		return
	}

	delay := c.cfg.ReconnectBase
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		logging.Transport("reconnect attempt %d/%d", attempt, c.cfg.MaxRetries)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		err := c.dial(ctx, stop)
		cancel()
		if err == nil {
			return
		}
		logging.Transport("reconnect attempt %d failed: %v", attempt, err)

		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}

	logging.Transport("reconnect budget exhausted, giving up")
	c.state.setStatus(StatusGaveUp)
}

// Close shuts the channel down deliberately. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	conn := c.conn
	done := c.readDone
	c.conn = nil
	c.mu.Unlock()

	c.state.setStatus(StatusDisconnected)

	if conn != nil {
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		err := conn.Close()
		if done != nil {
			<-done
		}
		return err
	}
	return nil
}

// sendFrame serializes and transmits one outbound frame. Guarded no-op while
// not live: the frame is never constructed on the wire.
func (c *Client) sendFrame(frame interface{}) error {
	if !c.state.Status().Live() {
		return ErrNotConnected
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ws write failed: %w", err)
	}
	return nil
}

// SendChat transmits one free-text line and appends it to the transcript.
// Rejected wholesale while disconnected: no frame, no transcript entry.
func (c *Client) SendChat(content string) error {
	if err := c.sendFrame(protocol.NewChat(content)); err != nil {
		return err
	}
	c.state.appendMessage(content, true)
	return nil
}

// Confirm accepts the pending draft, sending a confirm frame carrying the
// draft plus the user's notes. The prompt clears optimistically but the
// draft is retained until the server acknowledges, so a rejection can
// restore it.
func (c *Client) Confirm(notes string) error {
	if !c.state.Status().Live() {
		return ErrNotConnected
	}

	reading, ok := c.state.beginConfirm()
	if !ok {
		return ErrNoPendingReading
	}

	if err := c.sendFrame(protocol.NewConfirm(reading, notes)); err != nil {
		c.state.rollbackConfirm()
		return err
	}
	return nil
}

// Cancel drops the pending draft. Pure client-local reset: no outbound
// frame, the server is not informed. Safe to call with no draft.
func (c *Client) Cancel() {
	c.state.cancelDraft()
}

// RequestHistory asks for a fresh history snapshot tagged with the next
// request id.
func (c *Client) RequestHistory() error {
	if !c.state.Status().Live() {
		return ErrNotConnected
	}
	return c.sendFrame(protocol.NewGetHistory(c.state.nextHistoryReq()))
}

// RequestStats asks for a fresh stats snapshot tagged with the next request
// id.
func (c *Client) RequestStats() error {
	if !c.state.Status().Live() {
		return ErrNotConnected
	}
	return c.sendFrame(protocol.NewGetStats(c.state.nextStatsReq()))
}

// route classifies one inbound frame and applies it to exactly one
// sub-state. Malformed or unknown frames are logged and dropped, never
// fatal.
func (c *Client) route(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		var unknown *protocol.ErrUnknownType
		if errors.As(err, &unknown) {
			logging.Router("dropping unknown frame type %q", unknown.Kind)
		} else {
			logging.Router("dropping malformed frame: %v", err)
		}
		return
	}

	switch f := frame.(type) {
	case *protocol.ChatFrame:
		c.state.appendMessage(f.Content, false)

	case *protocol.ExtractionFrame:
		logging.RouterDebug("extraction draft: %d mg/dL on %s", f.GlucoseLevel, f.Date)
		c.state.installDraft(f.Reading())

	case *protocol.HistoryFrame:
		if !c.state.replaceHistory(f.Req, f.Readings) {
			logging.RouterDebug("dropped stale history snapshot (req %d)", f.Req)
		}

	case *protocol.StatsFrame:
		if !c.state.replaceStats(f.Req, f.Stats) {
			logging.RouterDebug("dropped stale stats snapshot (req %d)", f.Req)
		}

	case *protocol.ConfirmAckFrame:
		c.state.ackConfirm()
		if f.Message != "" {
			c.state.appendMessage(f.Message, false)
		}

	case *protocol.ConfirmRejectedFrame:
		logging.Router("confirm rejected: %s", f.Reason)
		c.state.rejectConfirm(f.Reason)

	default:
		// Decode only returns the types above; server-bound frames landing
		// here indicate a confused peer.
		logging.Router("dropping unexpected frame %T", f)
	}
}

// Draft returns the current pending reading, or nil. Convenience for
// presentation layers that only need the confirmation prompt.
func (c *Client) Draft() *Draft {
	return c.View().Draft
}

// History returns the current history snapshot and whether one has been
// loaded. An empty loaded snapshot is distinct from "not yet loaded".
func (c *Client) History() ([]types.Reading, bool) {
	v := c.View()
	return v.History, v.HistoryLoaded
}

// Stats returns the current stats snapshot, or nil before the first push.
func (c *Client) Stats() *types.Stats {
	return c.View().Stats
}
