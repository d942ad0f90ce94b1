package relay

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"devdrop/internal/protocol"
)

// WSPeer adapts a gorilla websocket connection to the presence.Peer interface.
// The reader goroutine belongs to the server handler; writes from any
// goroutine are serialized here.
type WSPeer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSPeer(conn *websocket.Conn) *WSPeer {
	return &WSPeer{
		id:   uuid.New().String(),
		conn: conn,
	}
}

func (p *WSPeer) ID() string {
	return p.id
}

func (p *WSPeer) Emit(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, msg)
}

func (p *WSPeer) Close() error {
	return p.conn.Close()
}
