package session

// State is a point in an Agent's lifecycle (§4.3):
//
//	New -> Connected -> Registered -> Active <-> Inactive -> Disconnected
type State int

const (
	StateNew State = iota
	StateConnected
	StateRegistered
	StateActive
	StateInactive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Disconnected, the one state no transition
// ever leaves.
func (s State) Terminal() bool {
	return s == StateDisconnected
}
