package queue

import (
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a non-durable fallback used when no backing store can be
// opened, and by tests. Queued records do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]TransferRecord
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]TransferRecord),
	}
}

func (st *MemoryStore) SaveTransfer(rec TransferRecord) error {
	if rec.TransferID == "" {
		return fmt.Errorf("transfer_id is required")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if err := validateStatus(rec.Status); err != nil {
		return err
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.records[rec.TransferID]; exists {
		return fmt.Errorf("duplicate transfer_id %q", rec.TransferID)
	}
	st.records[rec.TransferID] = rec
	st.order = append(st.order, rec.TransferID)
	return nil
}

func (st *MemoryStore) PendingFor(recipientID string) ([]TransferRecord, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	records := make([]TransferRecord, 0)
	for _, id := range st.order {
		rec := st.records[id]
		if rec.RecipientID == recipientID && rec.Status == StatusPending {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (st *MemoryStore) MarkDelivered(transferID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	rec, ok := st.records[transferID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusDelivered
	st.records[transferID] = rec
	return nil
}

func (st *MemoryStore) Close() error {
	return nil
}
