// Package directory implements the rendezvous directory: an in-memory
// registry of node records, the service that exposes it over a transport,
// and the client nodes use to reach it.
package directory

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

// Registry maps node identity to address. It holds process-lifetime state
// only. Readers run concurrently; writers are exclusive.
type Registry struct {
	mu     sync.RWMutex
	order  []peer.ID // registration order
	byID   map[peer.ID]peer.Record
	byAddr map[string]peer.ID
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[peer.ID]peer.Record),
		byAddr: make(map[string]peer.ID),
	}
}

// Register inserts a node. An empty id is derived from the address.
// Registering an address again under the same id returns the existing
// record (updating its role if it changed); under a different id it fails
// with ErrDuplicateAddress.
func (r *Registry) Register(addr string, role peer.Role, id peer.ID) (peer.Record, error) {
	addr, err := canonicalAddr(addr)
	if err != nil {
		return peer.Record{}, err
	}
	if role == "" {
		role = peer.RoleNode
	}
	if id == "" {
		id = peer.IDFromAddr(addr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byAddr[addr]; ok {
		if owner != id {
			return peer.Record{}, fmt.Errorf("%w: %s (held by %s)", ErrDuplicateAddress, addr, owner)
		}
		rec := r.byID[id]
		if rec.Role != role {
			rec.Role = role
			r.byID[id] = rec
		}
		return rec, nil
	}
	if prev, ok := r.byID[id]; ok {
		// Same node re-registering from a new address.
		delete(r.byAddr, prev.Addr)
		prev.Addr, prev.Role = addr, role
		r.byID[id] = prev
		r.byAddr[addr] = id
		return prev, nil
	}
	rec := peer.Record{ID: id, Addr: addr, Role: role}
	r.byID[id] = rec
	r.byAddr[addr] = id
	r.order = append(r.order, id)
	return rec, nil
}

// ListPeers returns every record except excluding, in registration order.
func (r *Registry) ListPeers(excluding peer.ID) []peer.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]peer.Record, 0, len(r.order))
	for _, id := range r.order {
		if id != excluding {
			out = append(out, r.byID[id])
		}
	}
	return out
}

func (r *Registry) Deregister(id peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	delete(r.byAddr, rec.Addr)
	for i, x := range r.order {
		if x == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Lookup(id peer.ID) (peer.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// canonicalAddr lowercases host:port addresses so that equal addresses
// compare equal. Addresses without a port (in-memory endpoints) are kept
// as given.
func canonicalAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ErrInvalidAddress
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, nil
	}
	if port == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return net.JoinHostPort(strings.ToLower(host), port), nil
}
