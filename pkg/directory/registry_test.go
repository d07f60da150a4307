package directory

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

func TestRegisterAndListInOrder(t *testing.T) {
	r := NewRegistry()
	g, err := r.Register("127.0.0.1:9000", peer.RoleGateway, "")
	if err != nil {
		t.Fatalf("Register(G): %v", err)
	}
	if g.ID != peer.IDFromAddr("127.0.0.1:9000") {
		t.Fatalf("derived id = %q, want address-derived", g.ID)
	}
	n1, _ := r.Register("127.0.0.1:9001", peer.RoleNode, "")
	n2, _ := r.Register("127.0.0.1:9002", "", "")
	if n2.Role != peer.RoleNode {
		t.Fatalf("empty role = %q, want node", n2.Role)
	}

	got := r.ListPeers(n2.ID)
	if len(got) != 2 || got[0] != g || got[1] != n1 {
		t.Fatalf("ListPeers(N2) = %v, want [G N1]", got)
	}
	if all := r.ListPeers(""); len(all) != 3 {
		t.Fatalf("ListPeers(\"\") len = %d, want 3", len(all))
	}
}

func TestListPeersEmpty(t *testing.T) {
	r := NewRegistry()
	g, _ := r.Register("g:1", peer.RoleGateway, "")
	if got := r.ListPeers(g.ID); len(got) != 0 {
		t.Fatalf("ListPeers on a lone gateway = %v, want empty", got)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Register("Host:9000", peer.RoleNode, "n1")
	b, err := r.Register("host:9000", peer.RoleNode, "n1")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if a != b {
		t.Fatalf("re-register returned %v, want %v", b, a)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	c, _ := r.Register("host:9000", peer.RoleGateway, "n1")
	if c.Role != peer.RoleGateway || c.ID != a.ID {
		t.Fatalf("role change = %v, want gateway with same id", c)
	}
}

func TestRegisterDuplicateAddress(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register("h:1", peer.RoleNode, "first")
	_, err := r.Register("h:1", peer.RoleNode, "second")
	if !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("Register = %v, want ErrDuplicateAddress", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d after rejected register, want 1", r.Len())
	}
}

func TestRegisterInvalidAddress(t *testing.T) {
	r := NewRegistry()
	for _, addr := range []string{"", "   ", "host:"} {
		if _, err := r.Register(addr, peer.RoleNode, ""); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("Register(%q) = %v, want ErrInvalidAddress", addr, err)
		}
	}
}

func TestRegisterMovesAddress(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register("a:1", peer.RoleNode, "n")
	_, _ = r.Register("b:1", peer.RoleNode, "other")
	moved, err := r.Register("a:2", peer.RoleNode, "n")
	if err != nil || moved.Addr != "a:2" {
		t.Fatalf("move = (%v,%v), want addr a:2", moved, err)
	}
	// The old address is free again.
	if _, err := r.Register("a:1", peer.RoleNode, "fresh"); err != nil {
		t.Fatalf("old address still held: %v", err)
	}
	// Registration order is kept across the move.
	if got := r.ListPeers(""); got[0].ID != "n" {
		t.Fatalf("ListPeers[0] = %v, want n", got[0])
	}
}

func TestDeregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Register("a:1", peer.RoleNode, "")
	b, _ := r.Register("b:1", peer.RoleNode, "")

	if !r.Deregister(a.ID) {
		t.Fatalf("Deregister(a) = false, want true")
	}
	before := r.ListPeers("")
	if r.Deregister(a.ID) {
		t.Fatalf("second Deregister(a) = true, want no-op")
	}
	r.Deregister("never-registered")
	after := r.ListPeers("")
	if len(before) != len(after) || after[0] != b {
		t.Fatalf("no-op deregister changed registry: before=%v after=%v", before, after)
	}
	if _, ok := r.Lookup(a.ID); ok {
		t.Fatalf("a still present after Deregister")
	}
	// The address can be reused by a different node.
	if _, err := r.Register("a:1", peer.RoleNode, "new-owner"); err != nil {
		t.Fatalf("Register after deregister: %v", err)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	const G = 16
	for g := 0; g < G; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				addr := fmt.Sprintf("h%d:%d", g, i)
				rec, err := r.Register(addr, peer.RoleNode, "")
				if err != nil {
					t.Errorf("Register(%s): %v", addr, err)
					return
				}
				_ = r.ListPeers(rec.ID)
				if i%3 == 0 {
					r.Deregister(rec.ID)
				}
			}
		}(g)
	}
	wg.Wait()
	want := G * (200 - 67)
	if r.Len() != want {
		t.Fatalf("Len = %d, want %d", r.Len(), want)
	}
	if len(r.ListPeers("")) != want {
		t.Fatalf("ListPeers and Len disagree")
	}
}
