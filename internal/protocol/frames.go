// Package protocol defines the duplex wire contract between the client core
// and the server: one JSON object per text frame, discriminated by "type".
// Both halves decode through this package so the discriminant switch has a
// single source of truth.
package protocol

import (
	"encoding/json"
	"fmt"

	"glucolog/internal/types"
)

// Frame type discriminants.
const (
	// Both directions.
	TypeChat = "chat"

	// Client to server.
	TypeConfirm    = "confirm"
	TypeGetHistory = "get_history"
	TypeGetStats   = "get_stats"

	// Server to client.
	TypeExtraction      = "extraction"
	TypeHistory         = "history"
	TypeStats           = "stats"
	TypeConfirmAck      = "confirm_ack"
	TypeConfirmRejected = "confirm_rejected"
)

// ChatFrame carries one free-text chat line in either direction.
type ChatFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ConfirmFrame asks the server to persist a draft the user accepted. Notes
// entered at confirmation time override the draft's extracted notes.
type ConfirmFrame struct {
	Type    string        `json:"type"`
	Reading types.Reading `json:"reading"`
	Notes   string        `json:"notes,omitempty"`
}

// GetHistoryFrame requests a history snapshot. Req is a client-issued
// monotonically increasing id echoed back on the response, letting the client
// discard a slow response that arrives after a newer one.
type GetHistoryFrame struct {
	Type string `json:"type"`
	Req  uint64 `json:"req,omitempty"`
}

// GetStatsFrame requests a stats snapshot. Req as on GetHistoryFrame.
type GetStatsFrame struct {
	Type string `json:"type"`
	Req  uint64 `json:"req,omitempty"`
}

// ExtractionFrame proposes a structured reading parsed from the user's chat
// text, awaiting confirmation. Fields are flattened at the top level.
type ExtractionFrame struct {
	Type         string           `json:"type"`
	GlucoseLevel int              `json:"glucose_level"`
	Date         string           `json:"date"`
	MealStatus   types.MealStatus `json:"meal_status"`
	Notes        string           `json:"notes,omitempty"`
}

// Reading converts the flattened frame into the domain type.
func (f *ExtractionFrame) Reading() types.Reading {
	return types.Reading{
		GlucoseLevel: f.GlucoseLevel,
		Date:         f.Date,
		MealStatus:   f.MealStatus,
		Notes:        f.Notes,
	}
}

// HistoryFrame replaces the client's history snapshot wholesale.
type HistoryFrame struct {
	Type     string          `json:"type"`
	Req      uint64          `json:"req,omitempty"`
	Readings []types.Reading `json:"readings"`
}

// StatsFrame replaces the client's stats snapshot wholesale.
type StatsFrame struct {
	Type string `json:"type"`
	Req  uint64 `json:"req,omitempty"`
	types.Stats
}

// ConfirmAckFrame acknowledges a persisted confirm. Message carries the
// human-readable trend note shown in the transcript.
type ConfirmAckFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ConfirmRejectedFrame reports a confirm the server refused to persist.
type ConfirmRejectedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// NewChat builds an outbound chat frame.
func NewChat(content string) *ChatFrame {
	return &ChatFrame{Type: TypeChat, Content: content}
}

// NewConfirm builds an outbound confirm frame.
func NewConfirm(r types.Reading, notes string) *ConfirmFrame {
	return &ConfirmFrame{Type: TypeConfirm, Reading: r, Notes: notes}
}

// NewGetHistory builds a history request tagged with req.
func NewGetHistory(req uint64) *GetHistoryFrame {
	return &GetHistoryFrame{Type: TypeGetHistory, Req: req}
}

// NewGetStats builds a stats request tagged with req.
func NewGetStats(req uint64) *GetStatsFrame {
	return &GetStatsFrame{Type: TypeGetStats, Req: req}
}

// NewExtraction builds an extraction frame from a draft reading.
func NewExtraction(r types.Reading) *ExtractionFrame {
	return &ExtractionFrame{
		Type:         TypeExtraction,
		GlucoseLevel: r.GlucoseLevel,
		Date:         r.Date,
		MealStatus:   r.MealStatus,
		Notes:        r.Notes,
	}
}

// NewHistory builds a history snapshot frame echoing req.
func NewHistory(req uint64, readings []types.Reading) *HistoryFrame {
	if readings == nil {
		readings = []types.Reading{}
	}
	return &HistoryFrame{Type: TypeHistory, Req: req, Readings: readings}
}

// NewStats builds a stats snapshot frame echoing req.
func NewStats(req uint64, s types.Stats) *StatsFrame {
	return &StatsFrame{Type: TypeStats, Req: req, Stats: s}
}

// NewConfirmAck builds a confirm acknowledgment.
func NewConfirmAck(message string) *ConfirmAckFrame {
	return &ConfirmAckFrame{Type: TypeConfirmAck, Message: message}
}

// NewConfirmRejected builds a confirm rejection.
func NewConfirmRejected(reason string) *ConfirmRejectedFrame {
	return &ConfirmRejectedFrame{Type: TypeConfirmRejected, Reason: reason}
}

// envelope is used only to peek at the discriminant.
type envelope struct {
	Type string `json:"type"`
}

// Kind returns the discriminant of a raw frame without fully decoding it.
func Kind(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame missing type discriminant")
	}
	return env.Type, nil
}

// ErrUnknownType reports a discriminant this build does not understand.
// Routers treat it as drop-and-log, never fatal, so forward-incompatible
// server payloads cannot take the channel down.
type ErrUnknownType struct {
	Kind string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Kind)
}

// Decode parses a raw frame into its typed representation. The returned
// value is a pointer to one of the *Frame structs above.
func Decode(data []byte) (interface{}, error) {
	kind, err := Kind(data)
	if err != nil {
		return nil, err
	}

	var frame interface{}
	switch kind {
	case TypeChat:
		frame = &ChatFrame{}
	case TypeConfirm:
		frame = &ConfirmFrame{}
	case TypeGetHistory:
		frame = &GetHistoryFrame{}
	case TypeGetStats:
		frame = &GetStatsFrame{}
	case TypeExtraction:
		frame = &ExtractionFrame{}
	case TypeHistory:
		frame = &HistoryFrame{}
	case TypeStats:
		frame = &StatsFrame{}
	case TypeConfirmAck:
		frame = &ConfirmAckFrame{}
	case TypeConfirmRejected:
		frame = &ConfirmRejectedFrame{}
	default:
		return nil, &ErrUnknownType{Kind: kind}
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("decoding %s frame: %w", kind, err)
	}
	return frame, nil
}

// Encode serializes a frame for transmission.
func Encode(frame interface{}) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}
