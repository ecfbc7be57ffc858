package client

// Status describes the duplex channel's liveness as published to consumers.
// Only StatusConnected permits outbound sends.
type Status int

const (
	// StatusDisconnected is the initial state: no connection attempt yet, or
	// a deliberate Close.
	StatusDisconnected Status = iota

	// StatusConnecting is a dial in progress.
	StatusConnecting

	// StatusConnected means the channel is usable for sending.
	StatusConnected

	// StatusRetrying means the transport dropped and the backoff reconnect
	// loop is running.
	StatusRetrying

	// StatusGaveUp means the reconnect loop exhausted its retry budget.
	// A fresh Connect call resets the budget.
	StatusGaveUp
)

// String returns the presentation-layer label for the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusRetrying:
		return "disconnected - retrying"
	case StatusGaveUp:
		return "disconnected - gave up"
	default:
		return "unknown"
	}
}

// Live reports whether sends are currently permitted.
func (s Status) Live() bool {
	return s == StatusConnected
}
