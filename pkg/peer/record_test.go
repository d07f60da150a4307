package peer

import "testing"

func TestIDFromAddrStable(t *testing.T) {
	a := IDFromAddr("127.0.0.1:9000")
	b := IDFromAddr("127.0.0.1:9000")
	if a != b {
		t.Fatalf("IDFromAddr not stable: %q != %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("len(IDFromAddr) = %d, want 16", len(a))
	}
	if IDFromAddr("127.0.0.1:9001") == a {
		t.Fatalf("different addresses produced the same id")
	}
	if IDFromAddr("LOCALHOST:9000") != IDFromAddr("localhost:9000") {
		t.Fatalf("IDFromAddr should ignore case")
	}
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"":        RoleNode,
		"node":    RoleNode,
		"Gateway": RoleGateway,
		" gw ":    RoleGateway,
	} {
		got, ok := ParseRole(in)
		if !ok || got != want {
			t.Fatalf("ParseRole(%q) = (%q,%v), want (%q,true)", in, got, ok, want)
		}
	}
	if _, ok := ParseRole("leader"); ok {
		t.Fatalf("ParseRole(leader) should fail")
	}
}

func TestSortByID(t *testing.T) {
	recs := []Record{{ID: "c"}, {ID: "a"}, {ID: "b"}}
	SortByID(recs)
	for i, want := range []ID{"a", "b", "c"} {
		if recs[i].ID != want {
			t.Fatalf("recs[%d] = %q, want %q", i, recs[i].ID, want)
		}
	}
}
