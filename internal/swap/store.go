package swap

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// PendingApproval is the durable marker for an approval that was broadcast
// but not yet observed as sufficient when its submission attempt ended. A
// later submission for the same key rechecks the allowance directly instead
// of asking the aggregator for a build that would fail the same way.
type PendingApproval struct {
	ChainID   int64  `json:"chain_id"`
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	Spender   string `json:"spender"`
	TxHash    string `json:"tx_hash"`
	CreatedAt string `json:"created_at"`
}

// PendingStore persists pending-approval markers in sqlite, serialized
// across processes with a file lock.
type PendingStore struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenPendingStore(path, lockPath string) (*PendingStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pending store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create pending lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pending sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS pending_approvals (
			chain_id INTEGER NOT NULL,
			owner TEXT NOT NULL,
			token TEXT NOT NULL,
			spender TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (chain_id, owner, token, spender)
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init pending schema: %w", err)
		}
	}
	return &PendingStore{db: db, lock: flock.New(lockPath)}, nil
}

func (s *PendingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PendingStore) withLock(fn func() error) error {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock pending store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock pending store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *PendingStore) Put(marker PendingApproval) error {
	marker.Owner = strings.ToLower(strings.TrimSpace(marker.Owner))
	marker.Token = strings.ToLower(strings.TrimSpace(marker.Token))
	marker.Spender = strings.ToLower(strings.TrimSpace(marker.Spender))
	if marker.Owner == "" || marker.Token == "" || marker.Spender == "" {
		return fmt.Errorf("save pending approval: missing key fields")
	}
	if marker.CreatedAt == "" {
		marker.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return s.withLock(func() error {
		payload, err := json.Marshal(marker)
		if err != nil {
			return fmt.Errorf("marshal pending approval: %w", err)
		}
		createdUnix := time.Now().UTC().Unix()
		if t, err := time.Parse(time.RFC3339, marker.CreatedAt); err == nil {
			createdUnix = t.UTC().Unix()
		}
		_, err = s.db.Exec(`
			INSERT INTO pending_approvals (chain_id, owner, token, spender, created_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(chain_id, owner, token, spender) DO UPDATE SET
				created_at=excluded.created_at,
				payload=excluded.payload
		`, marker.ChainID, marker.Owner, marker.Token, marker.Spender, createdUnix, payload)
		if err != nil {
			return fmt.Errorf("save pending approval: %w", err)
		}
		return nil
	})
}

// Get returns the marker for the key, if present.
func (s *PendingStore) Get(chainID int64, owner, token, spender string) (PendingApproval, bool, error) {
	var payload []byte
	err := s.db.QueryRow(`
		SELECT payload FROM pending_approvals
		WHERE chain_id = ? AND owner = ? AND token = ? AND spender = ?
	`, chainID, normalizeKey(owner), normalizeKey(token), normalizeKey(spender)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PendingApproval{}, false, nil
		}
		return PendingApproval{}, false, fmt.Errorf("read pending approval: %w", err)
	}
	var marker PendingApproval
	if err := json.Unmarshal(payload, &marker); err != nil {
		return PendingApproval{}, false, fmt.Errorf("decode pending approval: %w", err)
	}
	return marker, true, nil
}

// GetForToken returns the newest marker for the token regardless of which
// spender it was recorded under. Spender resolution can land on a different
// address across runs, so a retry must not depend on guessing the same one.
func (s *PendingStore) GetForToken(chainID int64, owner, token string) (PendingApproval, bool, error) {
	var payload []byte
	err := s.db.QueryRow(`
		SELECT payload FROM pending_approvals
		WHERE chain_id = ? AND owner = ? AND token = ?
		ORDER BY created_at DESC LIMIT 1
	`, chainID, normalizeKey(owner), normalizeKey(token)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PendingApproval{}, false, nil
		}
		return PendingApproval{}, false, fmt.Errorf("read pending approval: %w", err)
	}
	var marker PendingApproval
	if err := json.Unmarshal(payload, &marker); err != nil {
		return PendingApproval{}, false, fmt.Errorf("decode pending approval: %w", err)
	}
	return marker, true, nil
}

func (s *PendingStore) Delete(chainID int64, owner, token, spender string) error {
	return s.withLock(func() error {
		_, err := s.db.Exec(`
			DELETE FROM pending_approvals
			WHERE chain_id = ? AND owner = ? AND token = ? AND spender = ?
		`, chainID, normalizeKey(owner), normalizeKey(token), normalizeKey(spender))
		if err != nil {
			return fmt.Errorf("delete pending approval: %w", err)
		}
		return nil
	})
}

// DeleteForToken removes every marker for the token, across spenders.
func (s *PendingStore) DeleteForToken(chainID int64, owner, token string) error {
	return s.withLock(func() error {
		_, err := s.db.Exec(`
			DELETE FROM pending_approvals
			WHERE chain_id = ? AND owner = ? AND token = ?
		`, chainID, normalizeKey(owner), normalizeKey(token))
		if err != nil {
			return fmt.Errorf("delete pending approvals for token: %w", err)
		}
		return nil
	})
}

func (s *PendingStore) List(limit int) ([]PendingApproval, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query("SELECT payload FROM pending_approvals ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	markers := make([]PendingApproval, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan pending approval row: %w", err)
		}
		var marker PendingApproval
		if err := json.Unmarshal(payload, &marker); err != nil {
			return nil, fmt.Errorf("decode pending approval row: %w", err)
		}
		markers = append(markers, marker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending approval rows: %w", err)
	}
	return markers, nil
}

// Clear removes every marker and reports how many were deleted.
func (s *PendingStore) Clear() (int64, error) {
	var removed int64
	err := s.withLock(func() error {
		res, err := s.db.Exec("DELETE FROM pending_approvals")
		if err != nil {
			return fmt.Errorf("clear pending approvals: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func normalizeKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
