// Package queue is the durable store of transfer records awaiting delivery to
// identities that were offline when a transfer finalized.
package queue

import "errors"

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("queue: record not found")
)

const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
)

// TransferRecord is the persisted shape of one finalized transfer. TransferID
// is server-minted and globally unique; status moves pending -> delivered
// exactly once.
type TransferRecord struct {
	TransferID  string
	SenderID    string
	RecipientID string
	FileName    string
	DownloadURL string
	FileSize    int64
	FileType    string
	Status      string
	CreatedAt   int64 // unix milliseconds
}

// Store is the persistence boundary consulted by the transfer relay. Records
// are never deleted here; retention is an external concern.
type Store interface {
	// SaveTransfer inserts a new record. TransferID must be unique.
	SaveTransfer(rec TransferRecord) error
	// PendingFor returns all pending records addressed to recipientID.
	PendingFor(recipientID string) ([]TransferRecord, error)
	// MarkDelivered flips a record's status to delivered. Returns ErrNotFound
	// for unknown ids.
	MarkDelivered(transferID string) error
	Close() error
}

func validateStatus(status string) error {
	switch status {
	case StatusPending, StatusDelivered:
		return nil
	}
	return errors.New("queue: invalid transfer status " + status)
}
