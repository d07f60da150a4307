package tracker

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

func snap(id, parent string, children ...string) Snapshot {
	s := Snapshot{ID: peer.ID(id), Parent: peer.ID(parent)}
	for _, c := range children {
		s.Children = append(s.Children, peer.ID(c))
	}
	return s
}

func TestCheckForestAcceptsTrees(t *testing.T) {
	snaps := []Snapshot{
		snap("G", "", "N1"),
		snap("N1", "G", "N2", "N3"),
		snap("N2", "N1"),
		snap("N3", "N1"),
		snap("R", ""), // a second, standalone tree
	}
	if err := CheckForest(snaps); err != nil {
		t.Fatalf("CheckForest: %v", err)
	}
	if err := CheckSymmetric(snaps); err != nil {
		t.Fatalf("CheckSymmetric: %v", err)
	}
}

func TestCheckForestDetectsCycle(t *testing.T) {
	snaps := []Snapshot{
		snap("A", "C", "B"),
		snap("B", "A", "C"),
		snap("C", "B", "A"),
	}
	if err := CheckForest(snaps); !errors.Is(err, ErrCycle) {
		t.Fatalf("CheckForest = %v, want ErrCycle", err)
	}
	if err := CheckForest([]Snapshot{snap("A", "A")}); !errors.Is(err, ErrCycle) {
		t.Fatalf("self loop: CheckForest = %v, want ErrCycle", err)
	}
	// a cycle visible only through parent pointers
	if err := CheckForest([]Snapshot{snap("A", "B"), snap("B", "A")}); !errors.Is(err, ErrCycle) {
		t.Fatalf("pointer cycle: CheckForest = %v, want ErrCycle", err)
	}
}

func TestCheckForestDetectsTwoParents(t *testing.T) {
	snaps := []Snapshot{
		snap("P1", "", "C"),
		snap("P2", "", "C"),
		snap("C", "P1"),
	}
	if err := CheckForest(snaps); !errors.Is(err, ErrMultipleParents) {
		t.Fatalf("CheckForest = %v, want ErrMultipleParents", err)
	}
	snaps = []Snapshot{
		snap("P1", "", "C"),
		snap("P2", ""),
		snap("C", "P2"),
	}
	if err := CheckForest(snaps); !errors.Is(err, ErrMultipleParents) {
		t.Fatalf("pointer/claim mismatch: CheckForest = %v, want ErrMultipleParents", err)
	}
}

func TestCheckSymmetricDetectsStaleEdges(t *testing.T) {
	if err := CheckSymmetric([]Snapshot{snap("P", ""), snap("C", "P")}); err == nil {
		t.Fatalf("parent that does not list its child should fail")
	}
	if err := CheckSymmetric([]Snapshot{snap("P", "", "C"), snap("C", "")}); err == nil {
		t.Fatalf("phantom child should fail")
	}
}

// Random parent assignments where each node may only pick a parent with a
// smaller index always form a forest; flipping one edge backwards must be
// caught.
func TestCheckForestRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 100; round++ {
		n := 2 + rng.Intn(30)
		trackers := make([]*Tracker, n)
		for i := range trackers {
			trackers[i] = New(rec(fmt.Sprintf("n%02d", i)))
		}
		for i := 1; i < n; i++ {
			if rng.Intn(5) == 0 {
				continue
			}
			p := rng.Intn(i)
			if err := trackers[i].SetParent(trackers[p].Self()); err != nil {
				t.Fatalf("SetParent: %v", err)
			}
			if err := trackers[p].AddChild(trackers[i].Self()); err != nil {
				t.Fatalf("AddChild: %v", err)
			}
		}
		snaps := make([]Snapshot, n)
		for i, tr := range trackers {
			snaps[i] = tr.Snapshot()
		}
		if err := CheckForest(snaps); err != nil {
			t.Fatalf("round %d: CheckForest: %v", round, err)
		}
		if err := CheckSymmetric(snaps); err != nil {
			t.Fatalf("round %d: CheckSymmetric: %v", round, err)
		}

		// Point the root of node n-1's chain at n-1 itself.
		leaf := n - 1
		root := leaf
		for snaps[root].Parent != "" {
			root = indexOf(snaps, snaps[root].Parent)
		}
		if root == leaf {
			continue
		}
		snaps[root].Parent = snaps[leaf].ID
		if err := CheckForest(snaps); !errors.Is(err, ErrCycle) {
			t.Fatalf("round %d: injected cycle not detected: %v", round, err)
		}
	}
}

func indexOf(snaps []Snapshot, id peer.ID) int {
	for i, s := range snaps {
		if s.ID == id {
			return i
		}
	}
	return -1
}
