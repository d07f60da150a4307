// Package wire defines the messages exchanged between nodes and the
// directory: a single JSON envelope per frame, tagged by Kind, carrying a
// correlation id and a kind-specific body.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

type Kind string

const (
	KindRegister     Kind = "register"
	KindRegistered   Kind = "registered"
	KindListPeers    Kind = "list_peers"
	KindPeers        Kind = "peers"
	KindDeregister   Kind = "deregister"
	KindDeregistered Kind = "deregistered"
	KindProbe        Kind = "probe"
	KindPong         Kind = "pong"
	KindConnect      Kind = "connect"
	KindAccept       Kind = "accept"
	KindRefuse       Kind = "refuse"
	KindLineage      Kind = "lineage"
	KindLineageReply Kind = "lineage_reply"
	KindError        Kind = "error"

	// fire-and-forget
	KindDeparture Kind = "departure"
	KindRelease   Kind = "release"
)

// Error codes carried in ErrorBody.
const (
	CodeDuplicateAddress = "duplicate_address"
	CodeInvalidAddress   = "invalid_address"
	CodeUnavailable      = "unavailable"
	CodeBadRequest       = "bad_request"
	CodeUnknownKind      = "unknown_kind"
)

type Envelope struct {
	Kind Kind            `json:"kind"`
	ID   string          `json:"id"`
	From peer.ID         `json:"from,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// New builds an envelope with a fresh correlation id.
func New(kind Kind, from peer.ID, body any) (Envelope, error) {
	env := Envelope{Kind: kind, ID: uuid.NewString(), From: from}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s body: %w", kind, err)
		}
		env.Body = b
	}
	return env, nil
}

// Reply builds a response correlated with req.
func Reply(req Envelope, kind Kind, from peer.ID, body any) (Envelope, error) {
	env, err := New(kind, from, body)
	if err != nil {
		return Envelope{}, err
	}
	env.ID = req.ID
	return env, nil
}

// ErrorReply builds an error response; encoding an ErrorBody cannot fail.
func ErrorReply(req Envelope, from peer.ID, code, msg string) Envelope {
	env, _ := Reply(req, KindError, from, ErrorBody{Code: code, Message: msg})
	return env
}

// Decode unmarshals the body into v.
func (e Envelope) Decode(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%s: empty body", e.Kind)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Kind, err)
	}
	return nil
}

type RegisterRequest struct {
	Addr string    `json:"addr"`
	Role peer.Role `json:"role"`
	ID   peer.ID   `json:"id,omitempty"`
}

type RegisterResponse struct {
	Record peer.Record `json:"record"`
}

type ListPeersRequest struct {
	CallerID peer.ID `json:"caller_id"`
}

type PeersResponse struct {
	Peers []peer.Record `json:"peers"`
}

type DeregisterRequest struct {
	ID peer.ID `json:"id"`
}

type ProbeRequest struct {
	Nonce uint64 `json:"nonce"`
}

// PongResponse echoes the probe nonce. Parent is the responder's current
// parent, empty when it has none.
type PongResponse struct {
	Nonce  uint64  `json:"nonce"`
	Parent peer.ID `json:"parent,omitempty"`
}

// ConnectRequest asks the receiver to adopt Child. Budget is how long the
// requester will wait for the answer; zero means unbounded.
type ConnectRequest struct {
	Child  peer.Record   `json:"child"`
	Budget time.Duration `json:"budget,omitempty"`
}

// AcceptResponse carries the acceptor's lineage, root first, acceptor last.
type AcceptResponse struct {
	Path []peer.ID `json:"path"`
}

type RefuseResponse struct {
	Reason string `json:"reason"`
}

type LineageRequest struct {
	Hops int `json:"hops"`
}

type LineageResponse struct {
	Path   []peer.ID `json:"path"`
	Rooted bool      `json:"rooted"`
}

// DepartureSignal announces that NodeID is leaving. Incarnation is fresh
// for every process lifetime of the node; Seq increases monotonically
// within one incarnation.
type DepartureSignal struct {
	NodeID      peer.ID   `json:"node_id"`
	Incarnation string    `json:"incarnation"`
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
}

// Key identifies the signal for deduplication.
func (s DepartureSignal) Key() string {
	return fmt.Sprintf("%s/%s/%d", s.NodeID, s.Incarnation, s.Seq)
}

// ReleaseRequest tells a parent to drop ChildID. ConnectID, when set, is
// the envelope id of a connect the child abandoned; the parent must not
// adopt the child on that request afterwards.
type ReleaseRequest struct {
	ChildID   peer.ID `json:"child_id"`
	ConnectID string  `json:"connect_id,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorBody) Error() string { return e.Code + ": " + e.Message }
