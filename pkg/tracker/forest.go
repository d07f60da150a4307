package tracker

import (
	"errors"
	"fmt"
	"slices"

	"github.com/heimdalr/dag"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

var (
	ErrMultipleParents = errors.New("tracker: node has more than one parent")
	ErrCycle           = errors.New("tracker: dependency cycle")
)

// Snapshot is one node's view of its edges.
type Snapshot struct {
	ID       peer.ID
	Parent   peer.ID
	Children []peer.ID
}

// CheckForest verifies that the union of the snapshots' edges is a forest:
// no node is claimed as a child by two parents, no node's parent pointer
// contradicts a parent that claims it, and following parent pointers never
// returns to the starting node.
func CheckForest(snaps []Snapshot) error {
	claimedBy := make(map[peer.ID]peer.ID)
	for _, s := range snaps {
		for _, c := range s.Children {
			if prev, ok := claimedBy[c]; ok && prev != s.ID {
				return fmt.Errorf("%w: %s claimed by %s and %s", ErrMultipleParents, c, prev, s.ID)
			}
			claimedBy[c] = s.ID
		}
	}

	d := dag.NewDAG()
	added := make(map[peer.ID]bool)
	vertex := func(id peer.ID) error {
		if added[id] {
			return nil
		}
		added[id] = true
		return d.AddVertexByID(string(id), string(id))
	}
	for _, s := range snaps {
		if err := vertex(s.ID); err != nil {
			return err
		}
	}
	for _, s := range snaps {
		if s.Parent == "" {
			continue
		}
		if s.Parent == s.ID {
			return fmt.Errorf("%w: %s is its own parent", ErrCycle, s.ID)
		}
		if owner, ok := claimedBy[s.ID]; ok && owner != s.Parent {
			return fmt.Errorf("%w: %s points at %s but is claimed by %s", ErrMultipleParents, s.ID, s.Parent, owner)
		}
		if err := vertex(s.Parent); err != nil {
			return err
		}
		if err := d.AddEdge(string(s.Parent), string(s.ID)); err != nil {
			return fmt.Errorf("%w: edge %s -> %s: %v", ErrCycle, s.ID, s.Parent, err)
		}
	}
	return nil
}

// CheckSymmetric verifies that every parent pointer is matched by the
// parent's children set and vice versa. It only holds once releases and
// departures have been delivered.
func CheckSymmetric(snaps []Snapshot) error {
	byID := make(map[peer.ID]Snapshot, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = s
	}
	for _, s := range snaps {
		if s.Parent != "" {
			p, ok := byID[s.Parent]
			if !ok {
				return fmt.Errorf("tracker: %s has unknown parent %s", s.ID, s.Parent)
			}
			if !slices.Contains(p.Children, s.ID) {
				return fmt.Errorf("tracker: %s points at %s, which does not list it", s.ID, s.Parent)
			}
		}
		for _, c := range s.Children {
			cs, ok := byID[c]
			if !ok || cs.Parent != s.ID {
				return fmt.Errorf("tracker: %s lists child %s, which points elsewhere", s.ID, c)
			}
		}
	}
	return nil
}
