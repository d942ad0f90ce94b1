package server

import (
	"encoding/json"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"

	"devdrop/internal/constants"
	"devdrop/internal/protocol"
	"devdrop/internal/relay"
	"devdrop/internal/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  constants.WSBufferSize,
	WriteBufferSize: constants.WSBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket upgrades the connection and runs its event loop. Events for
// one connection are processed sequentially in arrival order; connections run
// concurrently and share the registry, limiter, and tracker.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r)

	if !s.ConnLimiter.TryConnect(clientIP) {
		if s.AuditLogger != nil {
			s.AuditLogger.LogConnectionLimit(clientIP)
		}
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}
	defer s.ConnLimiter.Disconnect(clientIP)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(int64(constants.MaxWSMessageSize))

	peer := relay.NewWSPeer(conn)
	s.Registry.Track(peer)
	log.Printf("🔌 User connected: %s", peer.ID())

	defer func() {
		s.Relay.HandleDisconnect(peer)
		peer.Close()
		log.Printf("🔌 User disconnected: %s", peer.ID())
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("⚠️  WebSocket read error from %s: %v", peer.ID(), err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("⚠️  Malformed message from %s: %v", peer.ID(), err)
			continue
		}

		s.Relay.Dispatch(peer, &env)
	}
}

// HandleDownload serves finalized uploads. Only names of the server's own
// <uuid>-<sanitized> storage shape are served, so no client-controlled path
// component ever reaches the filesystem.
func (s *Server) HandleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, constants.MsgMethodNotAllowed, http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, constants.EndpointUploads)
	if !security.ValidateStorageName(name) {
		http.Error(w, constants.MsgFileNotFound, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+name[37:]+"\"")
	http.ServeFile(w, r, filepath.Join(s.UploadDir, name))
}

// HandleRoot is the liveness probe.
func (s *Server) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != constants.EndpointRoot {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("API is running..."))
}
