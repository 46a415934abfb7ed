// Package oplog keeps an append-only journal of maintenance operations
// (checks, backups, updates, rollbacks) as a JSON index on disk.
package oplog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mikropanel/mikropaneld/internal/fsatomic"
)

// Record is one journaled operation. FinishedAt and OK stay nil while the
// operation is still running.
type Record struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"` // check | backup | update | rollback
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	OK         *bool      `json:"ok,omitempty"`
	Status     string     `json:"status,omitempty"`
	Message    string     `json:"message,omitempty"`
	Backup     string     `json:"backup,omitempty"`
}

// keepRecords bounds the journal; oldest entries are dropped past this.
const keepRecords = 200

var ErrNotFound = errors.New("operation not found")

type Log struct {
	dir string
}

func New(dir string) *Log { return &Log{dir: dir} }

func (l *Log) path() string { return filepath.Join(l.dir, "operations.json") }

// Append adds a record under a coarse lock, trimming the journal to the
// newest keepRecords entries.
func (l *Log) Append(rec Record) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	lock, err := l.acquireLock()
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	idx, err := l.readAll()
	if err != nil {
		return err
	}
	idx = append(idx, rec)
	if len(idx) > keepRecords {
		idx = idx[len(idx)-keepRecords:]
	}
	return l.writeAll(idx)
}

// Update mutates the record with the given id in place.
func (l *Log) Update(id string, fn func(*Record)) error {
	lock, err := l.acquireLock()
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	idx, err := l.readAll()
	if err != nil {
		return err
	}
	for i := len(idx) - 1; i >= 0; i-- {
		if idx[i].ID == id {
			fn(&idx[i])
			return l.writeAll(idx)
		}
	}
	return ErrNotFound
}

// Find returns the record with the given id.
func (l *Log) Find(id string) (Record, error) {
	idx, err := l.readAll()
	if err != nil {
		return Record{}, err
	}
	for i := len(idx) - 1; i >= 0; i-- {
		if idx[i].ID == id {
			return idx[i], nil
		}
	}
	return Record{}, ErrNotFound
}

// ListRecent returns up to n records ordered by StartedAt desc; n <= 0 means all.
func (l *Log) ListRecent(n int) ([]Record, error) {
	idx, err := l.readAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i].StartedAt.After(idx[j].StartedAt) })
	if n <= 0 || n >= len(idx) {
		return idx, nil
	}
	return idx[:n], nil
}

func (l *Log) readAll() ([]Record, error) {
	var out []Record
	if _, err := fsatomic.LoadJSON(l.path(), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

func (l *Log) writeAll(items []Record) error {
	return fsatomic.SaveJSON(l.path(), items, 0o644)
}

// Locking via lock file create; best-effort cross-platform.
type fileLock struct{ path string }

func (l *Log) acquireLock() (*fileLock, error) {
	lockPath := filepath.Join(l.dir, ".operations.lock")
	deadline := time.Now().Add(10 * time.Second)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = f.Close()
			return &fileLock{path: lockPath}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, errors.New("lock timeout")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func releaseLock(l *fileLock) {
	if l == nil || l.path == "" {
		return
	}
	_ = os.Remove(l.path)
}
