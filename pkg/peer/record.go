// Package peer defines the identity and address records shared by the
// directory, the prober and the per-node protocol.
package peer

import (
	"crypto/sha1"
	"encoding/hex"
	"slices"
	"strings"
)

// ID is the opaque identity of a node. By default it is derived from the
// node's normalized address so that a restarted node keeps its identity.
type ID string

// Role distinguishes gateways, the only nodes advertised to joiners, from
// ordinary nodes.
type Role string

const (
	RoleNode    Role = "node"
	RoleGateway Role = "gateway"
)

// ParseRole maps a configuration string to a Role. Unknown values are
// reported with ok=false.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "node":
		return RoleNode, true
	case "gateway", "gw":
		return RoleGateway, true
	}
	return "", false
}

// Record is the directory's view of a member.
type Record struct {
	ID   ID     `json:"id"`
	Addr string `json:"addr"`
	Role Role   `json:"role"`
}

func (r Record) String() string {
	if r.ID == "" {
		return r.Addr
	}
	return string(r.ID) + "@" + r.Addr
}

// IDFromAddr derives a stable identity from an address: the first 8 bytes of
// the SHA-1 of the lowercased host:port, hex encoded.
func IDFromAddr(addr string) ID {
	sum := sha1.Sum([]byte(strings.ToLower(addr)))
	return ID(hex.EncodeToString(sum[:8]))
}

// SortByID orders records lexicographically by id. Ids are unique within a
// directory, so the result is deterministic.
func SortByID(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
}
