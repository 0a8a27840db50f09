package servers

import "fmt"

// State is the lifecycle state of a remote tool server
type State int

const (
	StateUnconfigured State = iota
	StateConfiguring
	StateStarting
	StateHealthy
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfiguring:
		return "configuring"
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON and YAML output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	StateUnconfigured: {StateConfiguring},
	StateConfiguring:  {StateStarting},
	StateStarting:     {StateHealthy, StateDegraded},
	StateHealthy:      {StateDegraded},
	StateDegraded:     {StateHealthy},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Any state may move to Stopped.
func CanTransition(from, to State) bool {
	if to == StateStopped {
		return from != StateStopped
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
