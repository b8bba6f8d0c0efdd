package syncd

// State is the coordinator lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateAligning
	StateLinking
	StateRestoring
	StateSteady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAligning:
		return "aligning"
	case StateLinking:
		return "linking"
	case StateRestoring:
		return "restoring"
	case StateSteady:
		return "steady"
	default:
		return "unknown"
	}
}
