package realtime

import "errors"

var (
	ErrMissingToken     = errors.New("realtime: auth token is required")
	ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")
	ErrClosed           = errors.New("realtime: manager closed")
)

type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StatusEvent is published on every connection state transition.
type StatusEvent struct {
	State State
	// Attempt is the retry number for Connecting; 0 on the first try.
	Attempt int
	// Err is the cause of the transition. A terminal Disconnected carries
	// ErrRetriesExhausted; an explicit Disconnect carries nil.
	Err error
	// SessionID identifies the connect cycle that produced Connected.
	SessionID string
	// Reconnect is set on Connected when the manager had already connected
	// once since the last Disconnect.
	Reconnect bool
}

// Terminal reports whether the manager gave up retrying.
func (e StatusEvent) Terminal() bool {
	return e.State == Disconnected && errors.Is(e.Err, ErrRetriesExhausted)
}
