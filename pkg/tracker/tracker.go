// Package tracker records a node's dependency edges: its single parent and
// its children. Records are kept in an arena addressed by id and edges are
// stored as ids, so the graph can be checked without any live connection.
package tracker

import (
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

var (
	ErrSelfParent    = errors.New("tracker: node cannot be its own parent")
	ErrParentIsChild = errors.New("tracker: parent is already a child")
	ErrChildIsParent = errors.New("tracker: child is the current parent")
)

// Tracker does no network teardown; callers disconnect from an old parent
// before replacing it.
type Tracker struct {
	mu       sync.RWMutex
	self     peer.Record
	parent   peer.ID
	children mapset.Set[peer.ID]
	records  map[peer.ID]peer.Record
}

func New(self peer.Record) *Tracker {
	return &Tracker{
		self:     self,
		children: mapset.NewThreadUnsafeSet[peer.ID](),
		records:  make(map[peer.ID]peer.Record),
	}
}

func (t *Tracker) Self() peer.Record { return t.self }

// SetParent replaces the parent edge.
func (t *Tracker) SetParent(p peer.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.ID == t.self.ID {
		return ErrSelfParent
	}
	if t.children.Contains(p.ID) {
		return ErrParentIsChild
	}
	t.dropIfUnused(t.parent)
	t.parent = p.ID
	t.records[p.ID] = p
	return nil
}

// ClearParent releases the parent edge, returning the released parent.
func (t *Tracker) ClearParent() (peer.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.parent == "" {
		return peer.Record{}, false
	}
	old := t.records[t.parent]
	id := t.parent
	t.parent = ""
	t.dropIfUnused(id)
	return old, true
}

func (t *Tracker) Parent() (peer.Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.parent == "" {
		return peer.Record{}, false
	}
	return t.records[t.parent], true
}

func (t *Tracker) AddChild(c peer.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.ID == t.self.ID {
		return ErrSelfParent
	}
	if c.ID == t.parent {
		return ErrChildIsParent
	}
	t.children.Add(c.ID)
	t.records[c.ID] = c
	return nil
}

// RemoveChild drops a child edge; removing an absent child is a no-op. It
// reports whether the child was present.
func (t *Tracker) RemoveChild(id peer.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.children.Contains(id) {
		return false
	}
	t.children.Remove(id)
	t.dropIfUnused(id)
	return true
}

func (t *Tracker) HasChild(id peer.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.children.Contains(id)
}

// Children returns the children ordered by id.
func (t *Tracker) Children() []peer.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]peer.Record, 0, t.children.Cardinality())
	t.children.Each(func(id peer.ID) bool {
		out = append(out, t.records[id])
		return false
	})
	peer.SortByID(out)
	return out
}

// Snapshot exports the local edges.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{ID: t.self.ID, Parent: t.parent}
	t.children.Each(func(id peer.ID) bool {
		s.Children = append(s.Children, id)
		return false
	})
	return s
}

// dropIfUnused removes id from the arena once no edge references it.
// Callers hold the write lock.
func (t *Tracker) dropIfUnused(id peer.ID) {
	if id == "" || id == t.parent || t.children.Contains(id) {
		return
	}
	delete(t.records, id)
}
