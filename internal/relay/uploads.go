package relay

import (
	"sync"
)

// transferState tags where one transfer sits in its lifecycle. Transitions are
// validated: a chunk or finalize for an unknown or already-finalized id is
// rejected instead of trusted.
type transferState int

const (
	stateStaging transferState = iota
	stateReceiving
	stateFinalized
)

// transfer is one in-flight upload owned by a single connection.
type transfer struct {
	id         string
	storedName string // server-sanitized, the only name chunks may reference
	path       string
	state      transferState
	senderID   string
}

// sessionTracker holds every connection's in-flight transfers so disconnect
// cleanup can reclaim staged files. A path is tracked only after its staging
// file exists on disk, and leaves on finalize or teardown.
type sessionTracker struct {
	mu     sync.Mutex
	byConn map[string]map[string]*transfer // connID -> transferID -> transfer
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{
		byConn: make(map[string]map[string]*transfer),
	}
}

func (st *sessionTracker) add(connID string, t *transfer) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.byConn[connID] == nil {
		st.byConn[connID] = make(map[string]*transfer)
	}
	st.byConn[connID][t.id] = t
}

// get returns the transfer if it exists on this connection and is not yet
// finalized.
func (st *sessionTracker) get(connID, transferID string) (*transfer, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	t, ok := st.byConn[connID][transferID]
	if !ok || t.state == stateFinalized {
		return nil, false
	}
	return t, true
}

// markReceiving moves a staging transfer to receiving on first chunk.
func (st *sessionTracker) markReceiving(connID, transferID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if t, ok := st.byConn[connID][transferID]; ok && t.state == stateStaging {
		t.state = stateReceiving
	}
}

// finalize removes the transfer from cleanup scope and returns it, but only
// when storedName matches the name the server returned at admission. A
// rejected finalize must leave the transfer tracked so later chunks, a
// corrected finalize, or disconnect cleanup still find it. The staged file
// stays on disk; only abandonment deletes bytes.
func (st *sessionTracker) finalize(connID, transferID, storedName string) (*transfer, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	t, ok := st.byConn[connID][transferID]
	if !ok || t.state == stateFinalized || t.storedName != storedName {
		return nil, false
	}
	t.state = stateFinalized
	delete(st.byConn[connID], transferID)
	return t, true
}

// drain removes and returns every in-flight transfer for a connection.
func (st *sessionTracker) drain(connID string) []*transfer {
	st.mu.Lock()
	defer st.mu.Unlock()

	transfers := make([]*transfer, 0, len(st.byConn[connID]))
	for _, t := range st.byConn[connID] {
		transfers = append(transfers, t)
	}
	delete(st.byConn, connID)
	return transfers
}
