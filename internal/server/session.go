package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"glucolog/internal/extraction"
	"glucolog/internal/logging"
	"glucolog/internal/protocol"
	"glucolog/internal/types"
)

// session is one connected client: its socket, and the chat history that
// feeds the conversation agent. Everything runs on the session's read
// goroutine, so frames are handled strictly in arrival order.
type session struct {
	id      string
	srv     *Server
	conn    *websocket.Conn
	history []types.Message
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	return &session{
		id:   uuid.New().String(),
		srv:  srv,
		conn: conn,
	}
}

func (s *session) close() {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(time.Second),
	)
	_ = s.conn.Close()
}

// writeFrame serializes and sends one frame under the write deadline.
func (s *session) writeFrame(frame interface{}) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// sendChat pushes an assistant line and records it in the session history.
func (s *session) sendChat(content string) error {
	s.history = append(s.history, types.Message{
		Content: content,
		At:      s.srv.now(),
	})
	return s.writeFrame(protocol.NewChat(content))
}

// run processes inbound frames until the connection drops.
func (s *session) run() {
	defer s.conn.Close()

	if err := s.sendChat(welcomeMessage); err != nil {
		logging.Session("session %s: welcome failed: %v", s.id, err)
		return
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.SessionDebug("session %s: read: %v", s.id, err)
			}
			return
		}
		if err := s.handle(data); err != nil {
			// Only write failures propagate here; the peer is gone.
			logging.SessionDebug("session %s: write: %v", s.id, err)
			return
		}
	}
}

// handle routes one inbound frame. Malformed and unknown frames are dropped
// with a diagnostic; they never terminate the session.
func (s *session) handle(data []byte) error {
	frame, err := protocol.Decode(data)
	if err != nil {
		var unknown *protocol.ErrUnknownType
		if errors.As(err, &unknown) {
			logging.Session("session %s: dropping unknown frame type %q", s.id, unknown.Kind)
		} else {
			logging.Session("session %s: dropping malformed frame: %v", s.id, err)
		}
		return nil
	}

	switch f := frame.(type) {
	case *protocol.ChatFrame:
		return s.handleChat(f.Content)
	case *protocol.ConfirmFrame:
		return s.handleConfirm(f)
	case *protocol.GetHistoryFrame:
		return s.handleGetHistory(f.Req)
	case *protocol.GetStatsFrame:
		return s.handleGetStats(f.Req)
	default:
		logging.Session("session %s: dropping client-bound frame %T", s.id, f)
		return nil
	}
}

// handleChat tries to extract a reading from the message; failing that it
// falls back to the conversation agent.
func (s *session) handleChat(content string) error {
	s.history = append(s.history, types.Message{
		Content:  content,
		FromUser: true,
		At:       s.srv.now(),
	})

	ctx := context.Background()
	today := s.srv.now()

	result, err := s.srv.agent.Extract(ctx, content, today)
	if err != nil {
		logging.Get(logging.CategoryExtraction).Error("session %s: extraction: %v", s.id, err)
		return s.sendChat("Sorry, I had trouble understanding that. Could you try again?")
	}

	if result.Found {
		if err := result.Reading.Validate(today); err != nil {
			return s.sendChat(fmt.Sprintf("I couldn't validate your reading: %s", err))
		}
		return s.writeFrame(protocol.NewExtraction(result.Reading))
	}

	reply, err := s.srv.agent.Reply(ctx, content, s.history[:len(s.history)-1])
	if err != nil {
		logging.Get(logging.CategoryExtraction).Error("session %s: reply: %v", s.id, err)
		return s.sendChat("Sorry, I had trouble understanding that. Could you try again?")
	}
	return s.sendChat(reply)
}

// handleConfirm validates and persists a confirmed reading, answering with
// an acknowledgment carrying the trend note, or a rejection.
func (s *session) handleConfirm(f *protocol.ConfirmFrame) error {
	reading := f.Reading
	if f.Notes != "" {
		reading.Notes = f.Notes
	}

	if err := reading.Validate(s.srv.now()); err != nil {
		logging.Session("session %s: confirm rejected: %v", s.id, err)
		return s.writeFrame(protocol.NewConfirmRejected(err.Error()))
	}

	previous, err := s.srv.store.List()
	if err != nil {
		logging.Get(logging.CategoryStore).Error("session %s: list: %v", s.id, err)
		return s.writeFrame(protocol.NewConfirmRejected("could not save your reading, please try again"))
	}

	if _, err := s.srv.store.Add(reading); err != nil {
		logging.Get(logging.CategoryStore).Error("session %s: add: %v", s.id, err)
		return s.writeFrame(protocol.NewConfirmRejected("could not save your reading, please try again"))
	}

	trend := extraction.AnalyzeTrend(reading, previous)
	ack := fmt.Sprintf(
		"Great! I've saved your reading. %s\n\nDo you have any other readings to share or questions about your blood sugar?",
		trend)
	s.history = append(s.history, types.Message{Content: ack, At: s.srv.now()})
	return s.writeFrame(protocol.NewConfirmAck(ack))
}

func (s *session) handleGetHistory(req uint64) error {
	readings, err := s.srv.store.List()
	if err != nil {
		logging.Get(logging.CategoryStore).Error("session %s: list: %v", s.id, err)
		return nil
	}
	return s.writeFrame(protocol.NewHistory(req, readings))
}

func (s *session) handleGetStats(req uint64) error {
	stats, err := s.srv.store.Stats()
	if err != nil {
		logging.Get(logging.CategoryStore).Error("session %s: stats: %v", s.id, err)
		return nil
	}
	return s.writeFrame(protocol.NewStats(req, stats))
}
