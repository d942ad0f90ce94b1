// Package presence tracks which identities currently hold live connections.
// It is single-process, in-memory state: presence is never persisted and is
// not shared across nodes.
package presence

import (
	"sort"
	"sync"

	"devdrop/internal/constants"
	"devdrop/internal/protocol"
)

// Peer is one live bidirectional connection. The relay and registry only ever
// talk to connections through this interface, which keeps fake peers usable in
// tests.
type Peer interface {
	ID() string
	Emit(event string, payload any) error
}

// Entry binds one connection to an identity. At most one entry exists per
// connection id; an identity may hold several entries (multi-device).
type Entry struct {
	UserID   string
	ConnID   string
	Username string
	Email    string
}

type Registry struct {
	mu         sync.RWMutex
	peers      map[string]Peer            // connID -> peer
	entries    map[string]Entry           // connID -> entry
	byIdentity map[string]map[string]bool // userID -> set of connIDs
}

func NewRegistry() *Registry {
	return &Registry{
		peers:      make(map[string]Peer),
		entries:    make(map[string]Entry),
		byIdentity: make(map[string]map[string]bool),
	}
}

// Track registers a connection before it joins so broadcasts reach it. It
// contributes nothing to the online-users list until Join binds an identity.
func (r *Registry) Track(peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peer.ID()] = peer
}

// Join binds peer to userID. Re-joining the same connection replaces its entry
// rather than duplicating it.
func (r *Registry) Join(peer Peer, userID, username, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := peer.ID()
	if old, ok := r.entries[connID]; ok && old.UserID != userID {
		r.detachLocked(connID, old.UserID)
	}

	r.peers[connID] = peer
	r.entries[connID] = Entry{UserID: userID, ConnID: connID, Username: username, Email: email}
	if r.byIdentity[userID] == nil {
		r.byIdentity[userID] = make(map[string]bool)
	}
	r.byIdentity[userID][connID] = true
}

// Leave removes the connection. It is a no-op for unknown connection ids.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[connID]; ok {
		r.detachLocked(connID, entry.UserID)
	}
	delete(r.peers, connID)
}

func (r *Registry) detachLocked(connID, userID string) {
	delete(r.entries, connID)
	if conns := r.byIdentity[userID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byIdentity, userID)
		}
	}
}

// IsOnline reports whether any live connection is bound to userID.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[userID]) > 0
}

// EntryFor returns the presence entry of one of userID's connections, if any.
func (r *Registry) EntryFor(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for connID := range r.byIdentity[userID] {
		if entry, ok := r.entries[connID]; ok {
			return entry, true
		}
	}
	return Entry{}, false
}

// IdentityOf returns the identity joined on connID, if any.
func (r *Registry) IdentityOf(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[connID]
	return entry, ok
}

// Snapshot returns the online-users list, deduplicated by identity and sorted
// by username for a stable wire order.
func (r *Registry) Snapshot() []protocol.OnlineUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.byIdentity))
	users := make([]protocol.OnlineUser, 0, len(r.byIdentity))
	for _, entry := range r.entries {
		if seen[entry.UserID] {
			continue
		}
		seen[entry.UserID] = true
		users = append(users, protocol.OnlineUser{
			UserID:   entry.UserID,
			Username: entry.Username,
			Email:    entry.Email,
		})
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}

// Broadcast emits the event to every live connection. Emit failures are the
// peer's problem (a dying conn will be torn down by its reader); they do not
// stop the broadcast.
func (r *Registry) Broadcast(event string, payload any) {
	for _, peer := range r.allPeers() {
		peer.Emit(event, payload)
	}
}

// BroadcastSnapshot pushes the deduplicated online-users list to everyone.
func (r *Registry) BroadcastSnapshot() {
	r.Broadcast(constants.EventOnlineUsers, r.Snapshot())
}

// EmitTo sends the event to every connection bound to userID and reports
// whether at least one connection received it.
func (r *Registry) EmitTo(userID, event string, payload any) bool {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.byIdentity[userID]))
	for connID := range r.byIdentity[userID] {
		if peer, ok := r.peers[connID]; ok {
			peers = append(peers, peer)
		}
	}
	r.mu.RUnlock()

	for _, peer := range peers {
		peer.Emit(event, payload)
	}
	return len(peers) > 0
}

func (r *Registry) allPeers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	return peers
}
