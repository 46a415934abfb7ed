package updater

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gofrs/flock"
)

// ErrBusy rejects a second operation while one is running. Concurrent starts
// are refused, never queued.
var ErrBusy = errors.New("operation in progress")

// opLock is the single-slot operation lock: an in-process guard plus a flock
// file, so a second daemon or a stray CLI pointed at the same state dir
// cannot start a concurrent operation.
type opLock struct {
	mu   sync.Mutex
	kind string
	file *flock.Flock
}

func newOpLock(path string) *opLock {
	return &opLock{file: flock.New(path)}
}

// acquire takes the slot for one operation. It never blocks: a held slot is
// ErrBusy.
func (l *opLock) acquire(kind string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.kind != "" {
		return ErrBusy
	}
	ok, err := l.file.TryLock()
	if err != nil {
		return fmt.Errorf("operation lock: %w", err)
	}
	if !ok {
		return ErrBusy
	}
	l.kind = kind
	return nil
}

func (l *opLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.kind == "" {
		return
	}
	_ = l.file.Unlock()
	l.kind = ""
}

// current reports the running operation kind, empty when idle.
func (l *opLock) current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kind
}
