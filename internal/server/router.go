package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/mikropanel/mikropaneld/internal/backup"
	"github.com/mikropanel/mikropaneld/internal/config"
	"github.com/mikropanel/mikropaneld/internal/updater"
	"github.com/mikropanel/mikropaneld/pkg/oplog"
)

// Options wires the router to the daemon's services.
type Options struct {
	Config   config.Config
	Logger   zerolog.Logger
	Updater  Maintainer
	Backups  *backup.Manager
	Ops      *oplog.Log
	Settings *updater.SettingsStore
	// ApplySchedule pushes a changed check schedule into the scheduler.
	ApplySchedule func(spec string) error
	Version       string
	StartedAt     time.Time
}

// NewRouter builds the daemon's HTTP surface: health, the updater API, the
// backups API and Prometheus metrics.
func NewRouter(o Options) http.Handler {
	if o.StartedAt.IsZero() {
		o.StartedAt = time.Now()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(o.Logger))
	r.Use(httpMetrics)
	r.Use(securityHeaders)

	if len(o.Config.CORSOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   o.Config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		})
		r.Use(c.Handler)
	}

	r.Get("/api/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{
			"ok":        true,
			"version":   o.Version,
			"uptimeSec": int64(time.Since(o.StartedAt).Seconds()),
		})
	})

	uh := NewUpdaterHandler(o.Updater, o.Ops, o.Settings, o.ApplySchedule, o.Version, o.StartedAt, o.Logger)
	r.Mount("/api/updater", uh.Routes())

	bh := NewBackupsHandler(o.Backups, o.Updater, o.Logger)
	r.Mount("/api/backups", bh.Routes())

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
