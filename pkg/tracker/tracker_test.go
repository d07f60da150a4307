package tracker

import (
	"errors"
	"testing"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

func rec(id string) peer.Record { return peer.Record{ID: peer.ID(id), Addr: id + ":7000"} }

func TestSetParentReplaces(t *testing.T) {
	tr := New(rec("n"))
	if _, ok := tr.Parent(); ok {
		t.Fatalf("new tracker has a parent")
	}
	if err := tr.SetParent(rec("a")); err != nil {
		t.Fatalf("SetParent(a): %v", err)
	}
	if err := tr.SetParent(rec("b")); err != nil {
		t.Fatalf("SetParent(b): %v", err)
	}
	p, ok := tr.Parent()
	if !ok || p.ID != "b" {
		t.Fatalf("Parent = (%v,%v), want (b,true)", p, ok)
	}
	if s := tr.Snapshot(); s.Parent != "b" {
		t.Fatalf("Snapshot.Parent = %q, want b", s.Parent)
	}
	if len(tr.records) != 1 {
		t.Fatalf("arena holds %d records after replacing the parent, want 1", len(tr.records))
	}
}

func TestSetParentRejectsCycles(t *testing.T) {
	tr := New(rec("n"))
	if err := tr.SetParent(rec("n")); !errors.Is(err, ErrSelfParent) {
		t.Fatalf("SetParent(self) = %v, want ErrSelfParent", err)
	}
	if err := tr.AddChild(rec("c")); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	if err := tr.SetParent(rec("c")); !errors.Is(err, ErrParentIsChild) {
		t.Fatalf("SetParent(child) = %v, want ErrParentIsChild", err)
	}
	if err := tr.SetParent(rec("p")); err != nil {
		t.Fatalf("SetParent(p): %v", err)
	}
	if err := tr.AddChild(rec("p")); !errors.Is(err, ErrChildIsParent) {
		t.Fatalf("AddChild(parent) = %v, want ErrChildIsParent", err)
	}
	if err := tr.AddChild(rec("n")); !errors.Is(err, ErrSelfParent) {
		t.Fatalf("AddChild(self) = %v, want ErrSelfParent", err)
	}
}

func TestChildren(t *testing.T) {
	tr := New(rec("n"))
	for _, id := range []string{"c3", "c1", "c2"} {
		if err := tr.AddChild(rec(id)); err != nil {
			t.Fatalf("AddChild(%s): %v", id, err)
		}
	}
	// re-adding is harmless
	_ = tr.AddChild(rec("c1"))

	got := tr.Children()
	if len(got) != 3 || got[0].ID != "c1" || got[2].ID != "c3" {
		t.Fatalf("Children = %v, want c1,c2,c3", got)
	}
	if got[0].Addr != "c1:7000" {
		t.Fatalf("child record lost its address: %+v", got[0])
	}

	if !tr.RemoveChild("c2") {
		t.Fatalf("RemoveChild(c2) = false, want true")
	}
	if tr.RemoveChild("c2") {
		t.Fatalf("second RemoveChild(c2) = true, want no-op")
	}
	if tr.RemoveChild("never") {
		t.Fatalf("RemoveChild(absent) = true, want no-op")
	}
	if tr.HasChild("c2") || !tr.HasChild("c1") {
		t.Fatalf("HasChild inconsistent after removal")
	}
}

func TestClearParent(t *testing.T) {
	tr := New(rec("n"))
	if _, ok := tr.ClearParent(); ok {
		t.Fatalf("ClearParent on a root reported a parent")
	}
	_ = tr.SetParent(rec("p"))
	old, ok := tr.ClearParent()
	if !ok || old.ID != "p" {
		t.Fatalf("ClearParent = (%v,%v), want (p,true)", old, ok)
	}
	if _, ok := tr.Parent(); ok {
		t.Fatalf("parent still set after ClearParent")
	}
}
