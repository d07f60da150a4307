package node

import (
	"fmt"
	"time"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

// State is a node's attachment state.
type State int

const (
	Unattached State = iota
	Probing
	Connected
	Orphaned
	StandaloneRoot
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "UNATTACHED"
	case Probing:
		return "PROBING"
	case Connected:
		return "CONNECTED"
	case Orphaned:
		return "ORPHANED"
	case StandaloneRoot:
		return "STANDALONE_ROOT"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := Unattached; c <= StandaloneRoot; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("node: unknown state %q", b)
}

// rooted reports whether a node in this state may accept children.
func (s State) rooted() bool { return s == Connected || s == StandaloneRoot }

// Transition is published to subscribers on every state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Parent peer.ID   `json:"parent,omitempty"`
	At     time.Time `json:"at"`
}

// ParentLost is produced by both the departure-signal handler and liveness
// detection, and consumed by the state-machine loop.
type ParentLost struct {
	Parent peer.ID
	Source string // "signal" or "liveness"
}
