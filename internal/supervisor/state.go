package supervisor

import "fmt"

// State is the supervisor lifecycle state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateRestarting
	StateStopped
)

var stateNames = []string{"starting", "running", "restarting", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) && s >= 0 {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}
