package updater

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/mikropanel/mikropaneld/internal/fsatomic"
	"github.com/mikropanel/mikropaneld/pkg/validate"
)

// Settings are the runtime-mutable maintenance options. They persist in the
// state directory, separate from the static YAML config.
type Settings struct {
	// CheckSchedule is a cron expression for background version checks.
	// Empty disables them.
	CheckSchedule string `json:"checkSchedule" validate:"omitempty,cron"`
	// KeepBackups caps how many archives retention keeps, newest first.
	// 0 disables count pruning.
	KeepBackups int `json:"keepBackups" validate:"min=0,max=365"`
	// MaxBackupAgeDays drops archives older than this. 0 disables age pruning.
	MaxBackupAgeDays int `json:"maxBackupAgeDays" validate:"min=0,max=3650"`
	// NotifyURL receives a webhook event when a scheduled check finds an
	// update. Empty disables notifications.
	NotifyURL string `json:"notifyUrl" validate:"omitempty,url"`
}

func DefaultSettings() Settings {
	return Settings{
		CheckSchedule:    "0 */6 * * *",
		KeepBackups:      10,
		MaxBackupAgeDays: 90,
	}
}

func (s Settings) MaxBackupAge() time.Duration {
	return time.Duration(s.MaxBackupAgeDays) * 24 * time.Hour
}

// SettingsStore persists Settings as JSON under the state directory.
type SettingsStore struct {
	path string

	mu  sync.Mutex
	cur Settings
}

// LoadSettings reads settings.json from stateDir, falling back to defaults
// when the file does not exist yet.
func LoadSettings(stateDir string) (*SettingsStore, error) {
	st := &SettingsStore{path: filepath.Join(stateDir, "settings.json"), cur: DefaultSettings()}
	if _, err := fsatomic.LoadJSON(st.path, &st.cur); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := validate.Struct(&st.cur); err != nil {
		return nil, fmt.Errorf("settings %s: %w", st.path, err)
	}
	return st, nil
}

func (s *SettingsStore) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Put validates and persists new settings atomically.
func (s *SettingsStore) Put(next Settings) error {
	if err := validate.Struct(&next); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := fsatomic.WithLock(s.path, func() error {
		return fsatomic.SaveJSON(s.path, next, 0o600)
	})
	if err != nil {
		return err
	}
	s.cur = next
	return nil
}
