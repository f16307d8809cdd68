package relay

// State is the lifecycle position of a relay session.
type State int32

const (
	StateIdle State = iota
	StateSessionEstablishing
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSessionEstablishing:
		return "establishing"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Mode is the upstream integration mode of a session.
type Mode string

const (
	// ModeStateless sends only the latest user turn and continues from a
	// previous response id.
	ModeStateless Mode = "stateless"
	// ModeStateful runs an agent against an upstream session seeded with the
	// conversation so far.
	ModeStateful Mode = "stateful"
)
