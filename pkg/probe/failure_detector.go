package probe

import (
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

// FailureDetector tracks probe outcomes per peer and decides when a peer
// should be treated as gone.
type FailureDetector interface {
	Observe(id peer.ID, t time.Time) // called when a pong is received
	Miss(id peer.ID, t time.Time) bool
	Remove(id peer.ID)
}

// ThresholdDetector declares a peer failed after a fixed number of
// consecutive misses. Any successful observation resets the count.
type ThresholdDetector struct {
	mu        sync.Mutex
	threshold int
	misses    map[peer.ID]int
	lastSeen  map[peer.ID]time.Time
}

var _ FailureDetector = (*ThresholdDetector)(nil)

func NewThresholdDetector(threshold int) *ThresholdDetector {
	if threshold <= 0 {
		threshold = 1
	}
	return &ThresholdDetector{
		threshold: threshold,
		misses:    make(map[peer.ID]int),
		lastSeen:  make(map[peer.ID]time.Time),
	}
}

func (d *ThresholdDetector) Observe(id peer.ID, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.misses, id)
	d.lastSeen[id] = t
}

// Miss records a failed probe and reports whether id has now reached the
// threshold.
func (d *ThresholdDetector) Miss(id peer.ID, _ time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.misses[id]++
	return d.misses[id] >= d.threshold
}

func (d *ThresholdDetector) Remove(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.misses, id)
	delete(d.lastSeen, id)
}

// LastSeen reports the time of the last successful observation.
func (d *ThresholdDetector) LastSeen(id peer.ID) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.lastSeen[id]
	return t, ok
}
