package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mikropanel/mikropaneld/internal/backup"
	"github.com/mikropanel/mikropaneld/internal/updater"
	"github.com/mikropanel/mikropaneld/pkg/httpx"
)

// BackupsHandler exposes the backup directory: list, create, delete and
// download. Creation goes through the updater so it takes the operation
// slot like any other maintenance operation.
type BackupsHandler struct {
	backups *backup.Manager
	updater Maintainer
	log     zerolog.Logger
}

func NewBackupsHandler(m *backup.Manager, u Maintainer, log zerolog.Logger) *BackupsHandler {
	return &BackupsHandler{
		backups: m,
		updater: u,
		log:     log.With().Str("component", "http.backups").Logger(),
	}
}

func (h *BackupsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Delete("/{name}", h.Delete)
	r.Get("/{name}/download", h.Download)
	return r
}

// List returns archives newest first.
func (h *BackupsHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.backups.List()
	if err != nil {
		httpx.WriteTypedError(w, http.StatusInternalServerError, "backup.list_failed", err.Error(), 0)
		return
	}
	writeJSON(w, map[string]any{"backups": list})
}

// Create archives the application tree now and returns the new archive.
func (h *BackupsHandler) Create(w http.ResponseWriter, r *http.Request) {
	arch, err := h.updater.CreateBackup(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, updater.ErrBusy):
			httpx.WriteTypedError(w, http.StatusConflict, "operation.in_progress", "another operation is in progress", 10)
		case errors.Is(err, backup.ErrDiskSpace):
			httpx.WriteTypedError(w, http.StatusInsufficientStorage, "backup.disk_full", err.Error(), 0)
		default:
			httpx.WriteTypedError(w, http.StatusInternalServerError, "backup.create_failed", err.Error(), 0)
		}
		return
	}
	writeJSONStatus(w, http.StatusCreated, arch)
}

// Delete removes one archive by name.
func (h *BackupsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.backups.Delete(name); err != nil {
		writeBackupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Download streams one archive as a gzip attachment.
func (h *BackupsHandler) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	f, arch, err := h.backups.Open(name)
	if err != nil {
		writeBackupError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+arch.Filename+`"`)
	http.ServeContent(w, r, arch.Filename, arch.CreatedAt, f)
}

func writeBackupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backup.ErrInvalidName):
		httpx.WriteTypedError(w, http.StatusBadRequest, "backup.invalid_name", "invalid backup filename", 0)
	case errors.Is(err, backup.ErrNotFound):
		httpx.WriteTypedError(w, http.StatusNotFound, "backup.not_found", "no such backup", 0)
	default:
		httpx.WriteTypedError(w, http.StatusInternalServerError, "backup.failed", err.Error(), 0)
	}
}
