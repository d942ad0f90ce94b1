// Package directory resolves display names for identities that are not
// currently connected. The user records themselves belong to the
// authentication service; this package only reads them.
package directory

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrUnknownIdentity indicates no directory entry exists for an identity.
var ErrUnknownIdentity = errors.New("directory: unknown identity")

// Resolver looks up the display name for an identity. Callers treat failures
// as best-effort: a transfer still queues if the name cannot be resolved.
type Resolver interface {
	ResolveDisplayName(userID string) (string, error)
}

// SQLiteDirectory reads the users table maintained by the auth service.
type SQLiteDirectory struct {
	db *sql.DB
}

func NewSQLiteDirectory(path string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open directory db: %w", err)
	}
	return &SQLiteDirectory{db: db}, nil
}

func (d *SQLiteDirectory) ResolveDisplayName(userID string) (string, error) {
	var username string
	err := d.db.QueryRow(
		`SELECT username FROM users WHERE user_id = ?`,
		userID,
	).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownIdentity
	}
	if err != nil {
		return "", fmt.Errorf("resolve display name for %q: %w", userID, err)
	}
	return username, nil
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// StaticResolver serves a fixed identity -> name map. Used in tests and as the
// fallback when no directory database is configured.
type StaticResolver struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewStaticResolver(names map[string]string) *StaticResolver {
	if names == nil {
		names = make(map[string]string)
	}
	return &StaticResolver{names: names}
}

func (r *StaticResolver) ResolveDisplayName(userID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.names[userID]
	if !ok {
		return "", ErrUnknownIdentity
	}
	return name, nil
}

// Set records a name, typically learned from a join event.
func (r *StaticResolver) Set(userID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[userID] = name
}
