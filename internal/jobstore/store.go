// Package jobstore persists revoked execution-job handles so a restarted
// consumer still drops jobs that were cancelled while it was down.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const revokedBucket = "revoked_jobs"

// ErrNotConfigured is returned by methods on a nil or closed store.
var ErrNotConfigured = errors.New("job store is not configured")

type revocation struct {
	RevokedAt time.Time `json:"revoked_at"`
	Until     time.Time `json:"until"`
}

// Store is a BoltDB-backed set of revoked job ids.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("job store path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(revokedBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create revoked bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Revoke marks id as revoked until the given time.
func (s *Store) Revoke(ctx context.Context, id string, revokedAt, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("job id is required")
	}

	payload, err := json.Marshal(revocation{RevokedAt: revokedAt.UTC(), Until: until.UTC()})
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(revokedBucket)).Put([]byte(id), payload)
	})
}

// IsRevoked reports whether id has been revoked.
func (s *Store) IsRevoked(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.db == nil {
		return false, ErrNotConfigured
	}

	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(revokedBucket)).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// Forget removes id from the revoked set.
func (s *Store) Forget(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(revokedBucket)).Delete([]byte(id))
	})
}

// Prune drops revocations whose Until is before now and returns how many were removed.
func (s *Store) Prune(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.db == nil {
		return 0, ErrNotConfigured
	}

	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(revokedBucket))
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var r revocation
			if err := json.Unmarshal(v, &r); err != nil {
				// unreadable entries are dropped
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if r.Until.Before(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune revoked jobs: %w", err)
	}
	return removed, nil
}
