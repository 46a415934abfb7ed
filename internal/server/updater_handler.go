package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/mikropanel/mikropaneld/internal/backup"
	"github.com/mikropanel/mikropaneld/internal/updater"
	"github.com/mikropanel/mikropaneld/pkg/httpx"
	"github.com/mikropanel/mikropaneld/pkg/oplog"
	"github.com/mikropanel/mikropaneld/pkg/validate"
)

// Maintainer is the slice of the updater the HTTP layer drives.
type Maintainer interface {
	Version(ctx context.Context) (updater.VersionInfo, error)
	State() (updater.Status, *updater.CheckResult)
	StreamCheck(ctx context.Context, emit func(updater.Event)) error
	StreamUpdate(ctx context.Context, emit func(updater.Event)) error
	StreamRollback(ctx context.Context, name string, emit func(updater.Event)) error
	CreateBackup(ctx context.Context) (backup.Archive, error)
}

// UpdaterHandler exposes version/status queries, the three streaming
// operations, the operation journal and the maintenance settings.
type UpdaterHandler struct {
	updater  Maintainer
	ops      *oplog.Log
	settings *updater.SettingsStore
	// applySchedule pushes a changed cron spec into the running scheduler.
	applySchedule func(spec string) error
	daemonVersion string
	startedAt     time.Time
	log           zerolog.Logger

	hostInfo func() (*host.InfoStat, error)
}

func NewUpdaterHandler(m Maintainer, ops *oplog.Log, settings *updater.SettingsStore, applySchedule func(string) error, daemonVersion string, startedAt time.Time, log zerolog.Logger) *UpdaterHandler {
	return &UpdaterHandler{
		updater:       m,
		ops:           ops,
		settings:      settings,
		applySchedule: applySchedule,
		daemonVersion: daemonVersion,
		startedAt:     startedAt,
		log:           log.With().Str("component", "http.updater").Logger(),
		hostInfo:      host.Info,
	}
}

func (h *UpdaterHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/version", h.GetVersion)
	r.Get("/status", h.GetStatus)
	r.Get("/check", h.StreamCheck)
	r.Get("/update", h.StreamUpdate)
	r.Get("/rollback", h.StreamRollback)
	r.Get("/history", h.GetHistory)
	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.PutSettings)
	return r
}

type hostInfoPayload struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	KernelVersion   string `json:"kernelVersion"`
	Arch            string `json:"arch"`
}

// GetVersion reports the checkout identity, the daemon build and the host.
func (h *UpdaterHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	info, err := h.updater.Version(r.Context())
	if err != nil {
		httpx.WriteTypedError(w, http.StatusInternalServerError, "updater.version_failed", err.Error(), 0)
		return
	}
	status, _ := h.updater.State()
	payload := map[string]any{
		"version": info,
		"status":  status,
		"daemon": map[string]any{
			"version":   h.daemonVersion,
			"uptimeSec": int64(time.Since(h.startedAt).Seconds()),
		},
	}
	if hi, err := h.hostInfo(); err == nil {
		payload["host"] = hostInfoPayload{
			Hostname:        hi.Hostname,
			OS:              hi.OS,
			Platform:        hi.Platform,
			PlatformVersion: hi.PlatformVersion,
			KernelVersion:   hi.KernelVersion,
			Arch:            hi.KernelArch,
		}
	}
	writeJSON(w, payload)
}

// GetStatus returns the current operation status and the last check outcome.
func (h *UpdaterHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, last := h.updater.State()
	payload := map[string]any{"status": status}
	if last != nil {
		payload["lastChecked"] = last.CheckedAt
		if last.NewVersionInfo != nil {
			payload["newVersionInfo"] = last.NewVersionInfo
		}
	}
	writeJSON(w, payload)
}

// StreamCheck runs a version check over an event stream.
func (h *UpdaterHandler) StreamCheck(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, func(ctx context.Context, emit func(updater.Event)) error {
		return h.updater.StreamCheck(ctx, emit)
	})
}

// StreamUpdate runs the self-update sequence over an event stream.
func (h *UpdaterHandler) StreamUpdate(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, func(ctx context.Context, emit func(updater.Event)) error {
		return h.updater.StreamUpdate(ctx, emit)
	})
}

// StreamRollback restores a named backup over an event stream. The filename
// guard runs before the stream starts, so bad names fail as plain HTTP errors.
func (h *UpdaterHandler) StreamRollback(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if name == "" {
		httpx.WriteTypedError(w, http.StatusBadRequest, "backup.invalid_name", "file query parameter required", 0)
		return
	}
	if err := backup.ValidateName(name); err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "backup.invalid_name", "invalid backup filename", 0)
		return
	}
	h.stream(w, r, func(ctx context.Context, emit func(updater.Event)) error {
		return h.updater.StreamRollback(ctx, name, emit)
	})
}

// stream runs one operation behind an SSE response. The stream opens lazily
// on the first frame, so a rejection before any frame (busy slot, bad input)
// still surfaces as a plain HTTP error with a real status code. Once frames
// flow, failures arrive in-stream as the terminal error frame.
func (h *UpdaterHandler) stream(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, emit func(updater.Event)) error) {
	var s *sseStream
	sseFailed := false
	emit := func(ev updater.Event) {
		if sseFailed {
			return
		}
		if s == nil {
			var ok bool
			if s, ok = startSSE(w, r); !ok {
				sseFailed = true
				return
			}
		}
		s.Send(ev)
	}

	err := run(r.Context(), emit)
	if s != nil {
		defer s.Close()
	}
	if err == nil || sseFailed {
		return
	}
	if s != nil {
		s.Send(updater.Event{Status: updater.StatusError, Message: err.Error()})
		return
	}
	h.log.Warn().Err(err).Str("path", r.URL.Path).Msg("operation rejected")
	switch {
	case errors.Is(err, updater.ErrBusy):
		httpx.WriteTypedError(w, http.StatusConflict, "operation.in_progress", "another operation is in progress", 10)
	case errors.Is(err, backup.ErrInvalidName):
		httpx.WriteTypedError(w, http.StatusBadRequest, "backup.invalid_name", "invalid backup filename", 0)
	default:
		httpx.WriteTypedError(w, http.StatusInternalServerError, "updater.operation_failed", err.Error(), 0)
	}
}

// GetHistory lists recent journal records, newest first.
func (h *UpdaterHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			httpx.WriteTypedError(w, http.StatusBadRequest, "validation.failed", "limit must be 1..500", 0)
			return
		}
		limit = n
	}
	recs, err := h.ops.ListRecent(limit)
	if err != nil {
		httpx.WriteTypedError(w, http.StatusInternalServerError, "updater.history_failed", err.Error(), 0)
		return
	}
	writeJSON(w, map[string]any{"operations": recs})
}

// GetSettings returns the runtime-mutable maintenance settings.
func (h *UpdaterHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.settings.Get())
}

// PutSettings validates, persists and applies new maintenance settings.
func (h *UpdaterHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var next updater.Settings
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "validation.failed", "invalid JSON body", 0)
		return
	}
	if err := h.settings.Put(next); err != nil {
		var verr *validate.Error
		if errors.As(err, &verr) {
			details := map[string]any{}
			for _, f := range verr.Fields {
				details[f.Field] = f.Message
			}
			httpx.WriteErrorWithDetails(w, http.StatusBadRequest, "validation.failed", verr.Error(), details)
			return
		}
		httpx.WriteTypedError(w, http.StatusInternalServerError, "updater.settings_failed", err.Error(), 0)
		return
	}
	if h.applySchedule != nil {
		if err := h.applySchedule(next.CheckSchedule); err != nil {
			// Persisted but not applied; the operator should know.
			h.log.Error().Err(err).Msg("apply check schedule")
			httpx.WriteTypedError(w, http.StatusInternalServerError, "updater.settings_failed", "settings saved but schedule not applied: "+err.Error(), 0)
			return
		}
	}
	h.log.Info().Str("schedule", next.CheckSchedule).Int("keep", next.KeepBackups).Msg("settings updated")
	writeJSON(w, next)
}
