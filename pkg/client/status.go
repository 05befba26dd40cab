package client

// Status is the observable connection state of the Manager.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusChange is delivered to status observers on every transition. Attempt
// is set for reconnecting transitions, Err for error transitions.
type StatusChange struct {
	Status  Status
	Attempt int
	Err     error
}
