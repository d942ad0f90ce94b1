package relay

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devdrop/internal/constants"
	"devdrop/internal/directory"
	"devdrop/internal/presence"
	"devdrop/internal/protocol"
	"devdrop/internal/queue"
	"devdrop/internal/security"
)

type emitted struct {
	event   string
	payload any
}

type fakePeer struct {
	id string

	mu     sync.Mutex
	events []emitted
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Emit(event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, emitted{event: event, payload: payload})
	return nil
}

func (p *fakePeer) eventsOf(name string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var payloads []any
	for _, e := range p.events {
		if e.event == name {
			payloads = append(payloads, e.payload)
		}
	}
	return payloads
}

func (p *fakePeer) last(name string) (any, bool) {
	events := p.eventsOf(name)
	if len(events) == 0 {
		return nil, false
	}
	return events[len(events)-1], true
}

type testEnv struct {
	relay     *Relay
	registry  *presence.Registry
	store     queue.Store
	resolver  *directory.StaticResolver
	uploadDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry := presence.NewRegistry()
	store := queue.NewMemoryStore()
	resolver := directory.NewStaticResolver(map[string]string{
		"user-b": "Bob",
	})
	uploadDir := t.TempDir()

	r := New(Config{
		Registry:  registry,
		Limiter:   security.NewUploadLimiter(constants.UploadRateLimit, constants.UploadRateWindow),
		Store:     store,
		Resolver:  resolver,
		UploadDir: uploadDir,
	})

	return &testEnv{
		relay:     r,
		registry:  registry,
		store:     store,
		resolver:  resolver,
		uploadDir: uploadDir,
	}
}

func (env *testEnv) join(t *testing.T, connID, userID, username string) *fakePeer {
	t.Helper()
	peer := &fakePeer{id: connID}
	env.registry.Track(peer)
	env.relay.HandleJoin(peer, protocol.JoinRequest{UserID: userID, Username: username})
	return peer
}

func (env *testEnv) startUpload(t *testing.T, peer *fakePeer, fileName string, size int64, recipient string) protocol.UploadAck {
	t.Helper()
	env.relay.HandleUploadStart(peer, protocol.UploadStart{
		FileName:    fileName,
		Size:        size,
		RecipientID: recipient,
	})
	payload, ok := peer.last(constants.EventUploadAck)
	require.True(t, ok, "expected upload-ack, got events: %+v", peer.events)
	return payload.(protocol.UploadAck)
}

func TestUploadStartMintsServerID(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	// Same shape as the historical path-traversal probe: a malicious fileId
	// rides along and must be ignored.
	injected := "../../../../system_file"
	env.relay.HandleUploadStart(peer, protocol.UploadStart{
		FileName: "test.txt",
		Size:     1024,
		FileID:   injected,
	})

	payload, ok := peer.last(constants.EventUploadAck)
	require.True(t, ok)
	ack := payload.(protocol.UploadAck)

	assert.NotEqual(t, injected, ack.FileID)
	assert.Greater(t, len(ack.FileID), 20)
	assert.Equal(t, "test.txt", ack.FileName)
	assert.Equal(t, "ready", ack.Status)

	// The staging file exists inside the upload dir under the minted name.
	_, err := os.Stat(filepath.Join(env.uploadDir, ack.FileID+"-"+ack.FileName))
	assert.NoError(t, err)
}

func TestUploadStartSanitizesFilename(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	ack := env.startUpload(t, peer, "../../evil name.txt", 100, "")
	assert.Equal(t, "_.._evil_name.txt", ack.FileName)
	assert.NotContains(t, ack.FileName, "/")
}

func TestUploadStartRejectsEmptyFile(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	for _, size := range []int64{0, -5} {
		env.relay.HandleUploadStart(peer, protocol.UploadStart{FileName: "ok.txt", Size: size})
	}

	require.Len(t, peer.eventsOf(constants.EventUploadError), 2)
	assert.Empty(t, peer.eventsOf(constants.EventUploadAck))

	payload, _ := peer.last(constants.EventUploadError)
	assert.Equal(t, constants.MsgFileEmpty, payload.(protocol.UploadError).Message)

	entries, err := os.ReadDir(env.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no staging file may be created for a rejected upload")
}

func TestUploadStartRejectsDisallowedExtension(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	env.relay.HandleUploadStart(peer, protocol.UploadStart{FileName: "virus.exe", Size: 100})

	require.Empty(t, peer.eventsOf(constants.EventUploadAck))
	payload, ok := peer.last(constants.EventUploadError)
	require.True(t, ok)
	assert.Contains(t, payload.(protocol.UploadError).Message, "not allowed")
}

func TestUploadStartRateLimit(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	for i := 0; i < constants.UploadRateLimit; i++ {
		env.startUpload(t, peer, "ok.txt", 10, "")
	}

	env.relay.HandleUploadStart(peer, protocol.UploadStart{FileName: "ok.txt", Size: 10})
	payload, ok := peer.last(constants.EventUploadError)
	require.True(t, ok)
	assert.Equal(t, constants.MsgRateLimitExceeded, payload.(protocol.UploadError).Message)
	require.Len(t, peer.eventsOf(constants.EventUploadAck), constants.UploadRateLimit)
}

func TestChunksAppendInArrivalOrder(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	ack := env.startUpload(t, peer, "notes.md", 11, "")
	env.relay.HandleUploadChunk(peer, protocol.UploadChunk{
		FileID: ack.FileID, FileName: ack.FileName, Chunk: []byte("hello "),
	})
	env.relay.HandleUploadChunk(peer, protocol.UploadChunk{
		FileID: ack.FileID, FileName: ack.FileName, Chunk: []byte("world"),
	})

	data, err := os.ReadFile(filepath.Join(env.uploadDir, ack.FileID+"-"+ack.FileName))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Empty(t, peer.eventsOf(constants.EventUploadError))
}

func TestChunkForUnknownTransferIsRejected(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	env.relay.HandleUploadChunk(peer, protocol.UploadChunk{
		FileID: "no-such-id", FileName: "x.txt", Chunk: []byte("data"),
	})

	payload, ok := peer.last(constants.EventUploadError)
	require.True(t, ok)
	assert.Equal(t, constants.MsgUnknownTransfer, payload.(protocol.UploadError).Message)
}

func TestChunkWithMismatchedNameIsRejected(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	ack := env.startUpload(t, peer, "notes.md", 10, "")
	env.relay.HandleUploadChunk(peer, protocol.UploadChunk{
		FileID: ack.FileID, FileName: "other.md", Chunk: []byte("data"),
	})

	payload, ok := peer.last(constants.EventUploadError)
	require.True(t, ok)
	assert.Equal(t, constants.MsgUnknownTransfer, payload.(protocol.UploadError).Message)
}

func TestTransfersAreConnectionOwned(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "conn-a", "user-a", "Alice")
	mallory := env.join(t, "conn-m", "user-m", "Mallory")

	ack := env.startUpload(t, alice, "notes.md", 10, "")

	// Another connection cannot append to or finalize alice's transfer.
	env.relay.HandleUploadChunk(mallory, protocol.UploadChunk{
		FileID: ack.FileID, FileName: ack.FileName, Chunk: []byte("injected"),
	})
	payload, ok := mallory.last(constants.EventUploadError)
	require.True(t, ok)
	assert.Equal(t, constants.MsgUnknownTransfer, payload.(protocol.UploadError).Message)

	data, err := os.ReadFile(filepath.Join(env.uploadDir, ack.FileID+"-"+ack.FileName))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFinalizePublicBroadcastsToEveryone(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "conn-a", "user-a", "Alice")
	bob := env.join(t, "conn-b", "user-b", "Bob")

	ack := env.startUpload(t, alice, "notes.md", 5, "")
	env.relay.HandleUploadChunk(alice, protocol.UploadChunk{
		FileID: ack.FileID, FileName: ack.FileName, Chunk: []byte("hello"),
	})
	env.relay.HandleUploadEnd(alice, protocol.UploadEnd{
		FileID:     ack.FileID,
		FileName:   ack.FileName,
		SenderID:   "user-a",
		SenderName: "Alice",
	})

	for _, peer := range []*fakePeer{alice, bob} {
		payload, ok := peer.last(constants.EventFileShared)
		require.True(t, ok, "%s did not receive file-shared", peer.id)
		shared := payload.(protocol.FileShared)
		assert.Equal(t, ack.FileID, shared.FileID)
		assert.Equal(t, "/uploads/"+ack.FileID+"-notes.md", shared.DownloadURL)
		assert.False(t, shared.IsPrivate)
	}

	// Broadcast transfers are not queued.
	pending, err := env.store.PendingFor("user-b")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFinalizeTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	ack := env.startUpload(t, peer, "notes.md", 5, "")
	end := protocol.UploadEnd{
		FileID: ack.FileID, FileName: ack.FileName, SenderID: "user-a", SenderName: "Alice",
	}
	env.relay.HandleUploadEnd(peer, end)
	env.relay.HandleUploadEnd(peer, end)

	payload, ok := peer.last(constants.EventUploadError)
	require.True(t, ok)
	assert.Equal(t, constants.MsgUnknownTransfer, payload.(protocol.UploadError).Message)
	require.Len(t, peer.eventsOf(constants.EventFileShared), 1)
}

func TestFinalizeWithMismatchedNameKeepsSessionAlive(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	ack := env.startUpload(t, peer, "notes.md", 11, "")
	env.relay.HandleUploadChunk(peer, protocol.UploadChunk{
		FileID: ack.FileID, FileName: ack.FileName, Chunk: []byte("hello "),
	})

	// Wrong filename: rejected, but the transfer must stay tracked.
	env.relay.HandleUploadEnd(peer, protocol.UploadEnd{
		FileID: ack.FileID, FileName: "other.md", SenderID: "user-a", SenderName: "Alice",
	})
	payload, ok := peer.last(constants.EventUploadError)
	require.True(t, ok)
	assert.Equal(t, constants.MsgUnknownTransfer, payload.(protocol.UploadError).Message)
	assert.Empty(t, peer.eventsOf(constants.EventFileShared))

	// Later chunks and a corrected finalize still work.
	env.relay.HandleUploadChunk(peer, protocol.UploadChunk{
		FileID: ack.FileID, FileName: ack.FileName, Chunk: []byte("world"),
	})
	env.relay.HandleUploadEnd(peer, protocol.UploadEnd{
		FileID: ack.FileID, FileName: ack.FileName, SenderID: "user-a", SenderName: "Alice",
	})
	require.Len(t, peer.eventsOf(constants.EventFileShared), 1)
	require.Len(t, peer.eventsOf(constants.EventUploadError), 1)

	data, err := os.ReadFile(filepath.Join(env.uploadDir, ack.FileID+"-"+ack.FileName))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDisconnectAfterRejectedFinalizeStillCleansUp(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	ack := env.startUpload(t, peer, "draft.txt", 10, "")
	env.relay.HandleUploadChunk(peer, protocol.UploadChunk{
		FileID: ack.FileID, FileName: ack.FileName, Chunk: []byte("partial"),
	})
	env.relay.HandleUploadEnd(peer, protocol.UploadEnd{
		FileID: ack.FileID, FileName: "wrong.txt", SenderID: "user-a", SenderName: "Alice",
	})

	env.relay.HandleDisconnect(peer)

	_, err := os.Stat(filepath.Join(env.uploadDir, ack.FileID+"-"+ack.FileName))
	assert.True(t, os.IsNotExist(err), "staged file of a never-finalized transfer must be deleted on disconnect")
}

func TestPrivateDeliveryToOnlineRecipient(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "conn-a", "user-a", "Alice")
	bob := env.join(t, "conn-b", "user-b", "Bob")

	ack := env.startUpload(t, alice, "report.pdf", 1200, "user-b")
	env.relay.HandleUploadChunk(alice, protocol.UploadChunk{
		FileID: ack.FileID, FileName: ack.FileName, Chunk: []byte("pdfbytes"),
	})
	env.relay.HandleUploadEnd(alice, protocol.UploadEnd{
		FileID:      ack.FileID,
		FileName:    ack.FileName,
		IsPrivate:   true,
		RecipientID: "user-b",
		SenderID:    "user-a",
		SenderName:  "Alice",
	})

	payload, ok := bob.last(constants.EventFileShared)
	require.True(t, ok)
	shared := payload.(protocol.FileShared)
	assert.Equal(t, "report.pdf", shared.FileName)
	assert.True(t, shared.IsPrivate)
	assert.False(t, shared.Offline)

	payload, ok = alice.last(constants.EventFileSent)
	require.True(t, ok)
	sent := payload.(protocol.FileSent)
	assert.Equal(t, "Bob", sent.RecipientName)
	assert.False(t, sent.Queued)

	// The record is persisted already delivered; nothing drains later.
	pending, err := env.store.PendingFor("user-b")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOfflineRecipientQueuesAndDrainsOnJoin(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "conn-a", "user-a", "Alice")

	// End-to-end offline scenario: user-b has no live connection.
	ack := env.startUpload(t, alice, "report.pdf", 1200, "user-b")
	env.relay.HandleUploadChunk(alice, protocol.UploadChunk{
		FileID: ack.FileID, FileName: ack.FileName, Chunk: []byte("pdfbytes"),
	})
	env.relay.HandleUploadEnd(alice, protocol.UploadEnd{
		FileID:      ack.FileID,
		FileName:    ack.FileName,
		IsPrivate:   true,
		RecipientID: "user-b",
		SenderID:    "user-a",
		SenderName:  "Alice",
	})

	payload, ok := alice.last(constants.EventFileSent)
	require.True(t, ok)
	sent := payload.(protocol.FileSent)
	assert.True(t, sent.Queued)
	assert.Equal(t, "Bob", sent.RecipientName, "display name resolved from the directory")

	pending, err := env.store.PendingFor("user-b")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queue.StatusPending, pending[0].Status)

	// Bob joins later: the queue drains to him and alice is notified.
	bob := env.join(t, "conn-b", "user-b", "Bob")

	payload, ok = bob.last(constants.EventFileShared)
	require.True(t, ok)
	shared := payload.(protocol.FileShared)
	assert.Equal(t, ack.FileID, shared.FileID)
	assert.Equal(t, "report.pdf", shared.FileName)
	assert.True(t, shared.Offline)

	payload, ok = alice.last(constants.EventFileDelivered)
	require.True(t, ok)
	delivered := payload.(protocol.FileDelivered)
	assert.Equal(t, ack.FileID, delivered.FileID)
	assert.Equal(t, "user-b", delivered.RecipientID)
	assert.Equal(t, "Bob", delivered.RecipientName)

	pending, err = env.store.PendingFor("user-b")
	require.NoError(t, err)
	assert.Empty(t, pending, "drained record flipped to delivered")

	// A second join delivers nothing again.
	again := env.join(t, "conn-b2", "user-b", "Bob")
	assert.Empty(t, again.eventsOf(constants.EventFileShared))
}

func TestDisconnectCleansUpStagedFiles(t *testing.T) {
	env := newTestEnv(t)
	peer := env.join(t, "conn-a", "user-a", "Alice")

	inflight := env.startUpload(t, peer, "draft.txt", 10, "")
	env.relay.HandleUploadChunk(peer, protocol.UploadChunk{
		FileID: inflight.FileID, FileName: inflight.FileName, Chunk: []byte("partial"),
	})

	done := env.startUpload(t, peer, "final.txt", 5, "")
	env.relay.HandleUploadEnd(peer, protocol.UploadEnd{
		FileID: done.FileID, FileName: done.FileName, SenderID: "user-a", SenderName: "Alice",
	})

	env.relay.HandleDisconnect(peer)

	_, err := os.Stat(filepath.Join(env.uploadDir, inflight.FileID+"-"+inflight.FileName))
	assert.True(t, os.IsNotExist(err), "in-flight staged file must be deleted on disconnect")

	_, err = os.Stat(filepath.Join(env.uploadDir, done.FileID+"-"+done.FileName))
	assert.NoError(t, err, "finalized artifact is never deleted by disconnect cleanup")

	assert.False(t, env.registry.IsOnline("user-a"))
}

func TestJoinBroadcastsDeduplicatedSnapshot(t *testing.T) {
	env := newTestEnv(t)
	first := env.join(t, "conn-a1", "user-a", "Alice")
	env.join(t, "conn-a2", "user-a", "Alice")

	payload, ok := first.last(constants.EventOnlineUsers)
	require.True(t, ok)
	users := payload.([]protocol.OnlineUser)
	require.Len(t, users, 1, "same identity on two connections appears once")
	assert.Equal(t, "user-a", users[0].UserID)
}

// failingStore wraps a Store and refuses to mark one transfer delivered.
type failingStore struct {
	queue.Store
	failID string
}

func (s *failingStore) MarkDelivered(transferID string) error {
	if transferID == s.failID {
		return assert.AnError
	}
	return s.Store.MarkDelivered(transferID)
}

func TestDrainContinuesPastFailingRecord(t *testing.T) {
	env := newTestEnv(t)

	for i, id := range []string{"t-bad", "t-good"} {
		require.NoError(t, env.store.SaveTransfer(queue.TransferRecord{
			TransferID:  id,
			SenderID:    "user-a",
			RecipientID: "user-b",
			FileName:    "f.txt",
			DownloadURL: "/uploads/" + id + "-f.txt",
			Status:      queue.StatusPending,
			CreatedAt:   int64(1000 * (i + 1)),
		}))
	}

	env.relay.store = &failingStore{Store: env.store, failID: "t-bad"}

	bob := env.join(t, "conn-b", "user-b", "Bob")

	// Both records were emitted; the failing one is logged and skipped, the
	// good one completes its status flip.
	require.Len(t, bob.eventsOf(constants.EventFileShared), 2)

	pending, err := env.store.PendingFor("user-b")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t-bad", pending[0].TransferID)
}

func TestUploadBeforeJoinIsAdmitted(t *testing.T) {
	env := newTestEnv(t)
	peer := &fakePeer{id: "conn-anon"}
	env.registry.Track(peer)

	ack := env.startUpload(t, peer, "notes.md", 5, "")
	assert.NotEmpty(t, ack.FileID, "unjoined connections may still upload, keyed by conn id")
}

func TestDispatchRoutesEvents(t *testing.T) {
	env := newTestEnv(t)
	peer := &fakePeer{id: "conn-a"}
	env.registry.Track(peer)

	env.relay.Dispatch(peer, mustEnvelope(t, constants.EventJoin, protocol.JoinRequest{
		UserID: "user-a", Username: "Alice",
	}))
	require.True(t, env.registry.IsOnline("user-a"))

	env.relay.Dispatch(peer, mustEnvelope(t, constants.EventUploadStart, protocol.UploadStart{
		FileName: "notes.md", Size: 5,
	}))
	_, ok := peer.last(constants.EventUploadAck)
	assert.True(t, ok)

	// Unknown events and malformed payloads are dropped without output.
	env.relay.Dispatch(peer, &protocol.Envelope{Event: "no-such-event"})
	env.relay.Dispatch(peer, &protocol.Envelope{Event: constants.EventUploadStart, Data: []byte("{broken")})
}

func mustEnvelope(t *testing.T, event string, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

func TestFinalizeRecordsByteSize(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "conn-a", "user-a", "Alice")

	ack := env.startUpload(t, alice, "report.pdf", 8, "user-b")
	env.relay.HandleUploadChunk(alice, protocol.UploadChunk{
		FileID: ack.FileID, FileName: ack.FileName, Chunk: []byte("12345678"),
	})
	env.relay.HandleUploadEnd(alice, protocol.UploadEnd{
		FileID:      ack.FileID,
		FileName:    ack.FileName,
		IsPrivate:   true,
		RecipientID: "user-b",
		SenderID:    "user-a",
		SenderName:  "Alice",
	})

	pending, err := env.store.PendingFor("user-b")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(8), pending[0].FileSize)
	assert.Equal(t, ".pdf", pending[0].FileType)
	assert.NotZero(t, pending[0].CreatedAt)
}
