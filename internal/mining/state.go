package mining

import (
	"fmt"
	"time"

	"github.com/exnus/points-miner/internal/storage"
)

// State is the mining lifecycle position of a user
type State int

const (
	// StateLocked means some follow task is still open
	StateLocked State = iota
	// StateIdle means the user may activate a session
	StateIdle
	// StateMining means a session is running
	StateMining
	// StateClaimable means the session ended and the reward is waiting
	StateClaimable
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateIdle:
		return "idle"
	case StateMining:
		return "mining"
	case StateClaimable:
		return "claimable"
	}
	return "unknown"
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateLocked, StateIdle, StateMining, StateClaimable} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown mining state %q", text)
}

// StateOf derives the lifecycle state of u at now.
// A session in progress or awaiting claim wins over task completeness.
func StateOf(u *storage.User, now time.Time) State {
	if u.MiningEndTime != nil {
		if u.MiningEndTime.After(now) {
			return StateMining
		}
		return StateClaimable
	}
	if !u.TasksCompleted.All() {
		return StateLocked
	}
	return StateIdle
}

// TimeLeft returns the remaining session time, zero when not mining
func TimeLeft(u *storage.User, now time.Time) time.Duration {
	if u.MiningEndTime == nil || !u.MiningEndTime.After(now) {
		return 0
	}
	return u.MiningEndTime.Sub(now)
}
