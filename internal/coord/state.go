package coord

// State is the coordinator's protocol state
type State int

const (
	// StateInitializing is the state before the first election starts
	StateInitializing State = iota

	// StateElecting means a hello has been published and the election window
	// is open
	StateElecting

	// StatePrimary means this peer holds exclusive write access
	StatePrimary

	// StateSecondary means another peer is primary; the demotion overlay has
	// not been requested yet
	StateSecondary

	// StateBlocked means another peer is primary and the consumer should
	// render its exclusion notice
	StateBlocked

	// StateTerminated means the coordinator has shut down
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateElecting:
		return "electing"
	case StatePrimary:
		return "primary"
	case StateSecondary:
		return "secondary"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
