// Package relay is the protocol core: it drives the chunked-upload state
// machine per connection, routes finalized transfers to online recipients or
// the offline queue, and drains queued transfers when their recipient joins.
package relay

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	"devdrop/internal/constants"
	"devdrop/internal/directory"
	"devdrop/internal/presence"
	"devdrop/internal/protocol"
	"devdrop/internal/queue"
	"devdrop/internal/security"
)

type Relay struct {
	registry  *presence.Registry
	limiter   *security.UploadLimiter
	store     queue.Store
	resolver  directory.Resolver
	audit     *security.AuditLogger
	uploadDir string
	uploads   *sessionTracker
}

type Config struct {
	Registry  *presence.Registry
	Limiter   *security.UploadLimiter
	Store     queue.Store
	Resolver  directory.Resolver
	Audit     *security.AuditLogger // optional
	UploadDir string
}

func New(cfg Config) *Relay {
	return &Relay{
		registry:  cfg.Registry,
		limiter:   cfg.Limiter,
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		audit:     cfg.Audit,
		uploadDir: cfg.UploadDir,
		uploads:   newSessionTracker(),
	}
}

// Dispatch routes one decoded envelope to its handler. Unknown events are
// logged and dropped; a malformed payload never kills the connection.
func (r *Relay) Dispatch(peer presence.Peer, env *protocol.Envelope) {
	switch env.Event {
	case constants.EventJoin:
		var req protocol.JoinRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			log.Printf("⚠️  Malformed join from %s: %v", peer.ID(), err)
			return
		}
		r.HandleJoin(peer, req)
	case constants.EventUploadStart:
		var req protocol.UploadStart
		if err := json.Unmarshal(env.Data, &req); err != nil {
			log.Printf("⚠️  Malformed upload-start from %s: %v", peer.ID(), err)
			return
		}
		r.HandleUploadStart(peer, req)
	case constants.EventUploadChunk:
		var req protocol.UploadChunk
		if err := json.Unmarshal(env.Data, &req); err != nil {
			log.Printf("⚠️  Malformed upload-chunk from %s: %v", peer.ID(), err)
			return
		}
		r.HandleUploadChunk(peer, req)
	case constants.EventUploadEnd:
		var req protocol.UploadEnd
		if err := json.Unmarshal(env.Data, &req); err != nil {
			log.Printf("⚠️  Malformed upload-end from %s: %v", peer.ID(), err)
			return
		}
		r.HandleUploadEnd(peer, req)
	default:
		log.Printf("⚠️  Unknown event %q from %s", env.Event, peer.ID())
	}
}

// HandleJoin binds the identity to this connection, broadcasts the presence
// snapshot, then drains the offline queue for the identity.
func (r *Relay) HandleJoin(peer presence.Peer, req protocol.JoinRequest) {
	if req.UserID == "" {
		log.Printf("⚠️  Join without userId from %s", peer.ID())
		return
	}

	r.registry.Join(peer, req.UserID, req.Username, req.Email)
	log.Printf("👤 User registered: %s (%s)", req.Username, req.UserID)
	r.registry.BroadcastSnapshot()

	r.drainOfflineQueue(peer, req.UserID, req.Username)
}

// HandleUploadStart admits a new transfer: size check, rate limit, validation,
// server-minted id, staging file creation. The checks short-circuit in that
// order, each with its own rejection.
func (r *Relay) HandleUploadStart(peer presence.Peer, req protocol.UploadStart) {
	senderID := r.senderIdentity(peer)

	if req.Size <= 0 {
		peer.Emit(constants.EventUploadError, protocol.UploadError{Message: constants.MsgFileEmpty})
		return
	}

	if !r.limiter.CheckLimit(senderID) {
		if r.audit != nil {
			r.audit.LogRateLimit(senderID)
		}
		peer.Emit(constants.EventUploadError, protocol.UploadError{Message: constants.MsgRateLimitExceeded})
		return
	}

	if err := security.ValidateFile(req.FileName, req.Size); err != nil {
		if r.audit != nil {
			r.audit.LogValidationReject(senderID, req.FileName, err.Error())
		}
		peer.Emit(constants.EventUploadError, protocol.UploadError{Message: err.Error()})
		return
	}

	// The id is always minted here; whatever fileId the client proposed is
	// ignored. Pairing the unique id with the sanitized name is what makes
	// staging paths collision-free and traversal-safe.
	safeName := security.SanitizeFilename(req.FileName)
	fileID := security.NewTransferID()
	storageName := fileID + "-" + safeName
	filePath := filepath.Join(r.uploadDir, storageName)

	t := &transfer{
		id:         fileID,
		storedName: safeName,
		path:       filePath,
		state:      stateStaging,
		senderID:   senderID,
	}

	if err := os.WriteFile(filePath, nil, 0644); err != nil {
		log.Printf("❌ Error creating staging file %s: %v", filePath, err)
		peer.Emit(constants.EventUploadError, protocol.UploadError{
			FileID:  fileID,
			Message: constants.MsgUploadStartFailed,
		})
		return
	}
	r.uploads.add(peer.ID(), t)

	peer.Emit(constants.EventUploadAck, protocol.UploadAck{
		FileID:   fileID,
		FileName: safeName,
		Status:   "ready",
	})
}

// HandleUploadChunk appends bytes to the staging file in arrival order. A
// write failure is reported but does not abort the session; the sender decides
// whether to retry or abandon.
func (r *Relay) HandleUploadChunk(peer presence.Peer, req protocol.UploadChunk) {
	t, ok := r.uploads.get(peer.ID(), req.FileID)
	if !ok || t.storedName != req.FileName {
		peer.Emit(constants.EventUploadError, protocol.UploadError{
			FileID:  req.FileID,
			Message: constants.MsgUnknownTransfer,
		})
		return
	}

	if err := appendChunk(t.path, req.Chunk); err != nil {
		log.Printf("❌ Error appending chunk to %s: %v", t.path, err)
		peer.Emit(constants.EventUploadError, protocol.UploadError{
			FileID:  req.FileID,
			Message: constants.MsgChunkWriteFailed,
		})
		return
	}

	r.uploads.markReceiving(peer.ID(), req.FileID)
}

func appendChunk(path string, chunk []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(chunk); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// HandleUploadEnd finalizes a transfer and routes it: broadcast when public,
// direct delivery when the recipient is online, durable queue when offline.
func (r *Relay) HandleUploadEnd(peer presence.Peer, req protocol.UploadEnd) {
	t, ok := r.uploads.finalize(peer.ID(), req.FileID, req.FileName)
	if !ok {
		peer.Emit(constants.EventUploadError, protocol.UploadError{
			FileID:  req.FileID,
			Message: constants.MsgUnknownTransfer,
		})
		return
	}

	downloadURL := constants.EndpointUploads + t.id + "-" + t.storedName
	fileSize := stagedSize(t.path)

	shared := protocol.FileShared{
		FileID:      t.id,
		FileName:    t.storedName,
		DownloadURL: downloadURL,
		SenderID:    req.SenderID,
		SenderName:  req.SenderName,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		IsPrivate:   req.IsPrivate,
	}

	if req.RecipientID == "" {
		r.registry.Broadcast(constants.EventFileShared, shared)
		log.Printf("📢 File shared publicly: %s by %s", t.storedName, req.SenderName)
		return
	}

	if entry, online := r.registry.EntryFor(req.RecipientID); online {
		r.registry.EmitTo(req.RecipientID, constants.EventFileShared, shared)
		peer.Emit(constants.EventFileSent, protocol.FileSent{
			FileShared:    shared,
			RecipientName: entry.Username,
		})
		r.persistTransfer(t, req, downloadURL, fileSize, queue.StatusDelivered)
		log.Printf("📨 File delivered live: %s -> %s", t.storedName, req.RecipientID)
		return
	}

	recipientName := r.lookupDisplayName(req.RecipientID)
	peer.Emit(constants.EventFileSent, protocol.FileSent{
		FileShared:    shared,
		RecipientName: recipientName,
		Queued:        true,
	})
	r.persistTransfer(t, req, downloadURL, fileSize, queue.StatusPending)
	log.Printf("📥 File queued for offline recipient: %s -> %s", t.storedName, req.RecipientID)
}

// persistTransfer writes the durable record. Persistence is fire-and-forget:
// live delivery already happened by the time this runs, so failures are logged
// rather than surfaced to the sender.
func (r *Relay) persistTransfer(t *transfer, req protocol.UploadEnd, downloadURL string, size int64, status string) {
	rec := queue.TransferRecord{
		TransferID:  t.id,
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		FileName:    t.storedName,
		DownloadURL: downloadURL,
		FileSize:    size,
		FileType:    filepath.Ext(t.storedName),
		Status:      status,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := r.store.SaveTransfer(rec); err != nil {
		log.Printf("❌ Failed to persist transfer %s: %v", t.id, err)
	}
}

// drainOfflineQueue delivers every pending record for the identity. Records
// are processed independently; one failing record is logged and skipped.
func (r *Relay) drainOfflineQueue(peer presence.Peer, userID, username string) {
	records, err := r.store.PendingFor(userID)
	if err != nil {
		log.Printf("❌ Failed to query pending transfers for %s: %v", userID, err)
		return
	}

	for _, rec := range records {
		shared := protocol.FileShared{
			FileID:      rec.TransferID,
			FileName:    rec.FileName,
			DownloadURL: rec.DownloadURL,
			SenderID:    rec.SenderID,
			SenderName:  r.lookupDisplayName(rec.SenderID),
			Timestamp:   time.UnixMilli(rec.CreatedAt).UTC().Format(time.RFC3339),
			IsPrivate:   true,
			Offline:     true,
		}
		if err := peer.Emit(constants.EventFileShared, shared); err != nil {
			log.Printf("❌ Failed to deliver queued transfer %s: %v", rec.TransferID, err)
			continue
		}

		if err := r.store.MarkDelivered(rec.TransferID); err != nil {
			log.Printf("❌ Failed to mark transfer %s delivered: %v", rec.TransferID, err)
			continue
		}

		r.registry.EmitTo(rec.SenderID, constants.EventFileDelivered, protocol.FileDelivered{
			FileID:        rec.TransferID,
			FileName:      rec.FileName,
			RecipientID:   userID,
			RecipientName: username,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		})
	}

	if len(records) > 0 {
		log.Printf("📬 Drained %d queued transfer(s) for %s", len(records), userID)
	}
}

// HandleDisconnect reclaims staged files for in-flight transfers, removes the
// connection from presence, and re-broadcasts the snapshot. This is the only
// automatic reclamation of abandoned uploads.
func (r *Relay) HandleDisconnect(peer presence.Peer) {
	for _, t := range r.uploads.drain(peer.ID()) {
		log.Printf("🧹 Cleaning up partial upload: %s", t.path)
		if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("❌ Failed to delete partial file %s: %v", t.path, err)
		}
	}

	r.registry.Leave(peer.ID())
	r.registry.BroadcastSnapshot()
}

// senderIdentity is the joined identity for this connection, or the
// connection id when the peer uploads before joining.
func (r *Relay) senderIdentity(peer presence.Peer) string {
	if entry, ok := r.registry.IdentityOf(peer.ID()); ok {
		return entry.UserID
	}
	return peer.ID()
}

func (r *Relay) lookupDisplayName(userID string) string {
	if entry, ok := r.registry.EntryFor(userID); ok {
		return entry.Username
	}
	if r.resolver != nil {
		if name, err := r.resolver.ResolveDisplayName(userID); err == nil {
			return name
		}
	}
	return ""
}

func stagedSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
