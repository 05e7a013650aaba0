package supervisor

import "fmt"

// State is the supervisor lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateProbing
	StateReady
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateProbing:
		return "probing"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// validTransitions encodes the lifecycle graph. Stopping is reachable from
// every live state so shutdown works mid-startup; Failed only from the two
// startup states.
var validTransitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateProbing, StateFailed, StateStopping},
	StateProbing:  {StateReady, StateFailed, StateStopping},
	StateReady:    {StateStopping},
	StateStopping: {StateStopped},
	StateStopped:  {},
	StateFailed:   {},
}

// transition moves the machine to next, or errors without changing state.
// Callers must hold s.mu.
func (s *Supervisor) transition(next State) error {
	for _, allowed := range validTransitions[s.state] {
		if allowed == next {
			s.logger.Debug().
				Str("from", s.state.String()).
				Str("to", next.String()).
				Msg("State transition")
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("supervisor: illegal transition %s -> %s", s.state, next)
}
