package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id  TEXT PRIMARY KEY,
  sender_id    TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  file_name    TEXT NOT NULL,
  download_url TEXT NOT NULL,
  file_size    INTEGER NOT NULL,
  file_type    TEXT,
  status       TEXT NOT NULL CHECK(status IN ('pending','delivered')) DEFAULT 'pending',
  created_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_recipient_status
ON transfers (recipient_id, status);
`,
}

// SQLiteStore is the default durable offline queue.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the queue database at path and
// applies migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create queue db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply queue migration %d: %w", i, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveTransfer(rec TransferRecord) error {
	if rec.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if rec.RecipientID == "" {
		return errors.New("recipient_id is required")
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

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			sender_id,
			recipient_id,
			file_name,
			download_url,
			file_size,
			file_type,
			status,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TransferID,
		rec.SenderID,
		rec.RecipientID,
		rec.FileName,
		rec.DownloadURL,
		rec.FileSize,
		rec.FileType,
		rec.Status,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", rec.TransferID, err)
	}

	return nil
}

func (s *SQLiteStore) PendingFor(recipientID string) ([]TransferRecord, error) {
	rows, err := s.db.Query(
		`SELECT
			transfer_id,
			sender_id,
			recipient_id,
			file_name,
			download_url,
			file_size,
			file_type,
			status,
			created_at
		FROM transfers
		WHERE recipient_id = ? AND status = ?
		ORDER BY created_at, transfer_id`,
		recipientID,
		StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending transfers for %q: %w", recipientID, err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		var rec TransferRecord
		var fileType sql.NullString
		if err := rows.Scan(
			&rec.TransferID,
			&rec.SenderID,
			&rec.RecipientID,
			&rec.FileName,
			&rec.DownloadURL,
			&rec.FileSize,
			&fileType,
			&rec.Status,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		if fileType.Valid {
			rec.FileType = fileType.String
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) MarkDelivered(transferID string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?
		WHERE transfer_id = ?`,
		StatusDelivered,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("mark transfer delivered %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
