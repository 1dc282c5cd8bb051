package feed

import "fmt"

// ConnectionState is the externally visible health of the feed connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "disconnected":
		*s = Disconnected
	case "connecting":
		*s = Connecting
	case "connected":
		*s = Connected
	default:
		return fmt.Errorf("unknown connection state %q", b)
	}
	return nil
}

// phase is the synchronizer's internal state. Several phases map onto the
// same ConnectionState; retryScheduled is tracked explicitly so there is
// never more than one pending reconnect.
type phase int

const (
	phaseIdle phase = iota
	phaseDialing
	phaseOpen
	phaseRetryScheduled
	phaseStopped
)

func (p phase) String() string {
	switch p {
	case phaseDialing:
		return "dialing"
	case phaseOpen:
		return "open"
	case phaseRetryScheduled:
		return "retry-scheduled"
	case phaseStopped:
		return "stopped"
	default:
		return "idle"
	}
}

func (p phase) state() ConnectionState {
	switch p {
	case phaseDialing:
		return Connecting
	case phaseOpen:
		return Connected
	default:
		return Disconnected
	}
}
