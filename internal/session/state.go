package session

// State is a step of the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateResolved
	StatePaired
	StateAppSelected
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolved:
		return "resolved"
	case StatePaired:
		return "paired"
	case StateAppSelected:
		return "appselected"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
