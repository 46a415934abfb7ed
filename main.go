package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/mikropanel/mikropaneld/internal/backup"
	"github.com/mikropanel/mikropaneld/internal/config"
	"github.com/mikropanel/mikropaneld/internal/server"
	"github.com/mikropanel/mikropaneld/internal/updater"
	"github.com/mikropanel/mikropaneld/pkg/gitx"
	"github.com/mikropanel/mikropaneld/pkg/oplog"
)

// version is stamped via -ldflags at release build time.
var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "config file (default: $MPANEL_CONFIG, ./devdata/config.yaml, /etc/mikropanel/config.yaml)")
	flag.Parse()

	logger := newLogger(zerolog.InfoLevel)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = logger.Level(cfg.LogLevel)
	logger.Info().Str("version", version).Str("config", cfg.Source).Msg("mikropaneld starting")

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.StateDir).Msg("create state dir")
	}

	git := gitx.New(cfg.AppDir)
	git.Remote = cfg.GitRemote
	git.Branch = cfg.GitBranch
	git.Timeout = cfg.GitTimeout()

	var uploader backup.Uploader
	if cfg.S3Enabled {
		up, err := backup.NewS3Uploader(context.Background(), backup.S3Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Error().Err(err).Msg("backup replication disabled: s3 init failed")
		} else {
			uploader = up
		}
	}

	backups := backup.New(backup.Options{
		AppDir:       cfg.AppDir,
		Dir:          cfg.BackupsDir,
		Exclude:      cfg.Exclude,
		MinFreeBytes: cfg.MinFreeBytes,
		Uploader:     uploader,
		Logger:       logger,
	})
	if list, err := backups.List(); err == nil {
		updater.ObserveBackups(list)
	}

	ops := oplog.New(filepath.Join(cfg.StateDir, "history"))

	settings, err := updater.LoadSettings(cfg.StateDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("load settings")
	}

	upd := updater.New(updater.Options{
		AppDir:         cfg.AppDir,
		SubApps:        subApps(cfg),
		RestartCmd:     cfg.RestartCmd,
		Preserve:       cfg.Preserve,
		PullTimeout:    cfg.PullTimeout(),
		InstallTimeout: cfg.InstallTimeout(),
		LockPath:       filepath.Join(cfg.StateDir, "op.lock"),
		WebhookSecret:  cfg.WebhookSecret,
		Logger:         logger,
	}, git, backups, ops, settings)

	sched := updater.NewScheduler(logger, upd.RunScheduledCheck)
	if err := sched.Apply(settings.Get().CheckSchedule); err != nil {
		logger.Error().Err(err).Msg("apply check schedule")
	}
	sched.Start()

	handler := server.NewRouter(server.Options{
		Config:        cfg,
		Logger:        logger,
		Updater:       upd,
		Backups:       backups,
		Ops:           ops,
		Settings:      settings,
		ApplySchedule: sched.Apply,
		Version:       version,
		StartedAt:     time.Now(),
	})

	srv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-quit
		logger.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
		<-sched.Stop().Done()
	}()

	logger.Info().Str("addr", cfg.Bind).Msg("mikropaneld listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited")
	}
	<-done
	logger.Info().Msg("mikropaneld stopped")
}

func newLogger(level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	var out io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func subApps(cfg config.Config) []updater.SubApp {
	apps := make([]updater.SubApp, 0, len(cfg.SubApps))
	for _, a := range cfg.SubApps {
		apps = append(apps, updater.SubApp{Dir: a.Dir, Install: a.Install})
	}
	return apps
}
