package transport

// Status describes the observable connectivity state of the transport.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// StatusListener receives status transitions. Listeners are invoked from
// transport goroutines and should return quickly.
type StatusListener func(Status)
