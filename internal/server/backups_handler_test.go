package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mikropanel/mikropaneld/internal/backup"
	"github.com/mikropanel/mikropaneld/internal/updater"
)

func TestBackupsList(t *testing.T) {
	env := newTestEnv(t, &fakeMaintainer{})

	arch, err := env.backups.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// An older archive left over from a previous install.
	oldName := "backup_20200101-000000.tar.gz"
	if err := os.WriteFile(filepath.Join(env.backups.Dir(), oldName), []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/backups", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	var payload struct {
		Backups []backup.Archive `json:"backups"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Backups) != 2 {
		t.Fatalf("expected 2 backups, got %d", len(payload.Backups))
	}
	if payload.Backups[0].Filename != arch.Filename || payload.Backups[1].Filename != oldName {
		t.Fatalf("not newest first: %+v", payload.Backups)
	}
}

func TestBackupsList_Empty(t *testing.T) {
	env := newTestEnv(t, &fakeMaintainer{})

	w := env.do(t, http.MethodGet, "/api/backups", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"backups":[]`) {
		t.Fatalf("expected empty list, got %s", w.Body.String())
	}
}

func TestBackupCreate(t *testing.T) {
	fake := &fakeMaintainer{
		arch: backup.Archive{Filename: "backup_20250821-120000.tar.gz", SizeBytes: 42},
	}
	env := newTestEnv(t, fake)

	w := env.do(t, http.MethodPost, "/api/backups", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", w.Code, w.Body.String())
	}
	var arch backup.Archive
	if err := json.Unmarshal(w.Body.Bytes(), &arch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if arch.Filename != fake.arch.Filename || arch.SizeBytes != 42 {
		t.Fatalf("unexpected archive: %+v", arch)
	}
}

func TestBackupCreate_Busy(t *testing.T) {
	fake := &fakeMaintainer{archErr: updater.ErrBusy}
	env := newTestEnv(t, fake)

	w := env.do(t, http.MethodPost, "/api/backups", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	code, _ := decodeAPIError(t, w.Body.Bytes())
	if code != "operation.in_progress" {
		t.Fatalf("code = %q", code)
	}
}

func TestBackupCreate_DiskFull(t *testing.T) {
	fake := &fakeMaintainer{archErr: backup.ErrDiskSpace}
	env := newTestEnv(t, fake)

	w := env.do(t, http.MethodPost, "/api/backups", "")
	if w.Code != http.StatusInsufficientStorage {
		t.Fatalf("expected 507, got %d", w.Code)
	}
	code, _ := decodeAPIError(t, w.Body.Bytes())
	if code != "backup.disk_full" {
		t.Fatalf("code = %q", code)
	}
}

func TestBackupDelete(t *testing.T) {
	env := newTestEnv(t, &fakeMaintainer{})

	arch, err := env.backups.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	w := env.do(t, http.MethodDelete, "/api/backups/"+arch.Filename, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", w.Code, w.Body.String())
	}

	list, err := env.backups.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("archive still listed: %+v", list)
	}
}

func TestBackupDelete_NotFound(t *testing.T) {
	env := newTestEnv(t, &fakeMaintainer{})

	w := env.do(t, http.MethodDelete, "/api/backups/backup_20200101-000000.tar.gz", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	code, _ := decodeAPIError(t, w.Body.Bytes())
	if code != "backup.not_found" {
		t.Fatalf("code = %q", code)
	}
}

func TestBackupDelete_TraversalRejected(t *testing.T) {
	env := newTestEnv(t, &fakeMaintainer{})

	// A file next to the backups dir that the guard must protect.
	secret := filepath.Join(filepath.Dir(env.backups.Dir()), "settings.json")
	if err := os.WriteFile(secret, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodDelete, "/api/backups/..%2Fsettings.json", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(secret); err != nil {
		t.Fatalf("guarded file was touched: %v", err)
	}
}

func TestBackupDownload(t *testing.T) {
	env := newTestEnv(t, &fakeMaintainer{})

	arch, err := env.backups.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want, err := os.ReadFile(filepath.Join(env.backups.Dir(), arch.Filename))
	if err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/backups/"+arch.Filename+"/download", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/gzip" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, arch.Filename) {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if got := w.Body.Bytes(); len(got) != len(want) || string(got) != string(want) {
		t.Fatalf("downloaded %d bytes, archive is %d", len(got), len(want))
	}
}

func TestBackupDownload_NotFound(t *testing.T) {
	env := newTestEnv(t, &fakeMaintainer{})

	w := env.do(t, http.MethodGet, "/api/backups/backup_20200101-000000.tar.gz/download", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
