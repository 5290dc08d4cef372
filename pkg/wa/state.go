// Copyright 2024-2026 Aiku AI

package wa

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingScan
	StateOpen
	StateReconnecting
	StatePermanentlyClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StatePermanentlyClosed:
		return "permanently_closed"
	default:
		return "unknown"
	}
}

// DisconnectReason classifies why a socket closed.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonBadSession
	ReasonConnectionClosed
	ReasonConnectionLost
	ReasonConnectionReplaced
	ReasonLoggedOut
	ReasonRestartRequired
	ReasonTimedOut
	ReasonQRTimeout
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonBadSession:
		return "bad_session"
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonRestartRequired:
		return "restart_required"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonQRTimeout:
		return "qr_timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether a fresh connection attempt can succeed with
// the same credentials.
func (r DisconnectReason) Retryable() bool {
	return r != ReasonLoggedOut && r != ReasonBadSession
}

// EventType tags a socket lifecycle event.
type EventType int

const (
	EventQR EventType = iota + 1
	EventOpen
	EventClosed
	EventCredentials
)

// Event is one lifecycle notification from a socket. Messages do not travel
// on this channel.
type Event struct {
	Type   EventType
	QR     string
	Reason DisconnectReason
	Err    error
}
