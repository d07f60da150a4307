// Package selector ranks probed candidates. It is pure: the same probe
// results always produce the same ranking.
package selector

import (
	"errors"
	"slices"
	"strings"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/probe"
)

// ErrNoCandidateAvailable means no probed candidate was reachable. The
// caller becomes a standalone root and retries later.
var ErrNoCandidateAvailable = errors.New("selector: no candidate available")

// Select returns the reachable candidates, lowest latency first, with equal
// latencies ordered by id.
func Select(results probe.Results) ([]peer.Record, error) {
	reachable := make([]probe.Result, 0, len(results))
	for _, r := range results {
		if r.Reachable() {
			reachable = append(reachable, r)
		}
	}
	if len(reachable) == 0 {
		return nil, ErrNoCandidateAvailable
	}
	slices.SortFunc(reachable, func(a, b probe.Result) int {
		if a.Latency != b.Latency {
			if a.Latency < b.Latency {
				return -1
			}
			return 1
		}
		return strings.Compare(string(a.Record.ID), string(b.Record.ID))
	})
	ranking := make([]peer.Record, len(reachable))
	for i, r := range reachable {
		ranking[i] = r.Record
	}
	return ranking, nil
}

// Without drops records whose id is in skip, preserving order.
func Without(ranking []peer.Record, skip func(peer.ID) bool) []peer.Record {
	out := ranking[:0:0]
	for _, r := range ranking {
		if !skip(r.ID) {
			out = append(out, r)
		}
	}
	return out
}
