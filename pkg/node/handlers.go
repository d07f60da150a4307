package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// InfoResponse is the /info payload.
type InfoResponse struct {
	PID      int       `json:"pid"`
	Now      time.Time `json:"now"`
	ID       peer.ID   `json:"id"`
	Addr     string    `json:"addr"`
	Role     peer.Role `json:"role"`
	State    State     `json:"state"`
	Parent   peer.ID   `json:"parent,omitempty"`
	Children []peer.ID `json:"children"`
}

func (n *Node) info() InfoResponse {
	resp := InfoResponse{
		PID:      os.Getpid(),
		Now:      n.clock.Now(),
		ID:       n.self.ID,
		Addr:     n.self.Addr,
		Role:     n.self.Role,
		State:    n.State(),
		Children: []peer.ID{},
	}
	if p, ok := n.Parent(); ok {
		resp.Parent = p.ID
	}
	for _, c := range n.Children() {
		resp.Children = append(resp.Children, c.ID)
	}
	return resp
}

// Info writes the node's identity, attachment state and edges as JSON.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	data, _ := json.Marshal(n.info())
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const wsWriteWait = 5 * time.Second

// StateStream upgrades to a WebSocket, sends the current state as a
// Transition with From == To, then pushes every transition until the client
// goes away or the node stops.
func (n *Node) StateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := n.Subscribe()
	defer cancel()

	// Reads only detect the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	cur := n.State()
	first := Transition{From: cur, To: cur, At: n.clock.Now()}
	if p, ok := n.Parent(); ok {
		first.Parent = p.ID
	}
	if err := n.writeTransition(conn, first); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case t, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "node stopped"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := n.writeTransition(conn, t); err != nil {
				return
			}
		}
	}
}

func (n *Node) writeTransition(conn *websocket.Conn, t Transition) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(t)
}
