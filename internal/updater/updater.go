// Package updater owns the panel maintenance workflow: version checks
// against the upstream remote, streaming self-update, and streaming rollback
// from a backup archive. One operation runs at a time; concurrent starts are
// rejected with ErrBusy.
package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mikropanel/mikropaneld/internal/backup"
	"github.com/mikropanel/mikropaneld/pkg/gitx"
	"github.com/mikropanel/mikropaneld/pkg/notify"
	"github.com/mikropanel/mikropaneld/pkg/oplog"
	"github.com/mikropanel/mikropaneld/pkg/shell"
)

// ErrRemoteUnreachable wraps fetch failures so handlers can classify them.
var ErrRemoteUnreachable = errors.New("remote unreachable")

// changelogLimit caps how many commit subjects a check summarizes.
const changelogLimit = 50

// GitClient is the slice of gitx.Repo the updater drives.
type GitClient interface {
	IsRepo(ctx context.Context) bool
	Fetch(ctx context.Context) error
	Head(ctx context.Context) (gitx.Commit, error)
	RemoteHead(ctx context.Context) (gitx.Commit, error)
	CurrentBranch(ctx context.Context) (string, error)
	AheadBehind(ctx context.Context) (ahead, behind int, err error)
	Changelog(ctx context.Context, limit int) ([]string, error)
	Pull(ctx context.Context, timeout time.Duration, sink func(line string)) error
}

// Options is the static wiring for an Updater.
type Options struct {
	// AppDir is the panel checkout the daemon maintains.
	AppDir string
	// SubApps get their dependencies reinstalled after pull and rollback.
	SubApps []SubApp
	// RestartCmd is the process supervisor restart argv, started detached
	// after the terminal stream frame.
	RestartCmd []string
	// Preserve lists extra top-level names a rollback clear keeps, on top
	// of the git metadata and the backups directory.
	Preserve []string
	// PullTimeout and InstallTimeout bound the respective subprocesses.
	PullTimeout    time.Duration
	InstallTimeout time.Duration
	// LockPath is the cross-process operation lock file.
	LockPath string
	// WebhookSecret signs notification payloads.
	WebhookSecret string
	Logger        zerolog.Logger
}

// Updater orchestrates check, update and rollback over the git client, the
// backup manager and the operation journal.
type Updater struct {
	git      GitClient
	backups  *backup.Manager
	ops      *oplog.Log
	settings *SettingsStore
	log      zerolog.Logger

	appDir         string
	subApps        []SubApp
	restartCmd     []string
	preserve       []string
	pullTimeout    time.Duration
	installTimeout time.Duration
	webhookSecret  string

	lock *opLock
	sf   singleflight.Group

	mu        sync.Mutex
	status    Status
	lastCheck *CheckResult
	notified  string

	// subprocess seams
	runStream func(ctx context.Context, c shell.Cmd, sink func(line string)) (int, error)
	startProc func(name string, args ...string) error
}

func New(o Options, git GitClient, backups *backup.Manager, ops *oplog.Log, settings *SettingsStore) *Updater {
	if o.PullTimeout <= 0 {
		o.PullTimeout = 5 * time.Minute
	}
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = 15 * time.Minute
	}
	return &Updater{
		git:            git,
		backups:        backups,
		ops:            ops,
		settings:       settings,
		log:            o.Logger.With().Str("component", "updater").Logger(),
		appDir:         o.AppDir,
		subApps:        o.SubApps,
		restartCmd:     o.RestartCmd,
		preserve:       o.Preserve,
		pullTimeout:    o.PullTimeout,
		installTimeout: o.InstallTimeout,
		webhookSecret:  o.WebhookSecret,
		lock:           newOpLock(o.LockPath),
		status:         StatusIdle,
		runStream:      shell.Stream,
		startProc:      startDetached,
	}
}

func (u *Updater) Settings() *SettingsStore { return u.settings }

// State returns the current wire status and the last check outcome, if any.
func (u *Updater) State() (Status, *CheckResult) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.lastCheck == nil {
		return u.status, nil
	}
	cp := *u.lastCheck
	return u.status, &cp
}

func (u *Updater) setStatus(s Status) {
	u.mu.Lock()
	u.status = s
	u.mu.Unlock()
}

func (u *Updater) setLastCheck(res CheckResult) {
	u.mu.Lock()
	u.status = res.Status
	cp := res
	u.lastCheck = &cp
	u.mu.Unlock()
}

func (u *Updater) clearLastCheck() {
	u.mu.Lock()
	u.lastCheck = nil
	u.mu.Unlock()
}

// Version reads the identity of the current checkout.
func (u *Updater) Version(ctx context.Context) (VersionInfo, error) {
	head, err := u.git.Head(ctx)
	if err != nil {
		return VersionInfo{}, err
	}
	info := VersionInfo{Title: head.Subject, Hash: head.Hash}
	if branch, err := u.git.CurrentBranch(ctx); err == nil && branch != "" {
		info.Description = fmt.Sprintf("%s @ %s", branch, head.When.UTC().Format("2006-01-02 15:04"))
	}
	return info, nil
}

// Check classifies the local checkout against the remote tracking ref.
// Concurrent calls collapse onto one underlying check; a mutating operation
// in progress yields ErrBusy.
func (u *Updater) Check(ctx context.Context) (CheckResult, error) {
	v, err, _ := u.sf.Do("check", func() (any, error) {
		if lockErr := u.lock.acquire("check"); lockErr != nil {
			return CheckResult{}, lockErr
		}
		defer u.lock.release()
		return u.doCheck(ctx)
	})
	res, _ := v.(CheckResult)
	return res, err
}

func (u *Updater) doCheck(ctx context.Context) (CheckResult, error) {
	started := time.Now()
	rec := oplog.Record{ID: uuid.NewString(), Kind: "check", StartedAt: started.UTC(), Status: string(StatusChecking)}
	_ = u.ops.Append(rec)
	u.setStatus(StatusChecking)

	res, err := u.classify(ctx)
	if err != nil {
		res = CheckResult{Status: StatusError, CheckedAt: time.Now().UTC()}
		u.finishRecord(rec.ID, false, StatusError, err.Error(), "")
	} else {
		u.finishRecord(rec.ID, true, res.Status, "", "")
	}
	recordOp("check", err == nil, started)
	u.setLastCheck(res)
	return res, err
}

func (u *Updater) classify(ctx context.Context) (CheckResult, error) {
	if !u.git.IsRepo(ctx) {
		return CheckResult{}, fmt.Errorf("%s is not a git checkout", u.appDir)
	}
	if err := u.git.Fetch(ctx); err != nil {
		return CheckResult{}, fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
	}
	ahead, behind, err := u.git.AheadBehind(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	res := CheckResult{CheckedAt: time.Now().UTC()}
	switch {
	case ahead > 0 && behind > 0:
		res.Status = StatusDiverged
	case behind > 0:
		res.Status = StatusAvailable
		nvi, err := u.newVersionInfo(ctx, behind)
		if err != nil {
			return CheckResult{}, err
		}
		res.NewVersionInfo = nvi
	case ahead > 0:
		res.Status = StatusAhead
	default:
		res.Status = StatusUpToDate
	}
	return res, nil
}

func (u *Updater) newVersionInfo(ctx context.Context, behind int) (*NewVersionInfo, error) {
	remote, err := u.git.RemoteHead(ctx)
	if err != nil {
		return nil, err
	}
	subjects, err := u.git.Changelog(ctx, changelogLimit)
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(subjects))
	for i, s := range subjects {
		lines[i] = "- " + s
	}
	if rest := behind - len(subjects); rest > 0 && len(subjects) == changelogLimit {
		lines = append(lines, fmt.Sprintf("- … and %d more", rest))
	}
	return &NewVersionInfo{
		Description: remote.Subject,
		Changelog:   strings.Join(lines, "\n"),
	}, nil
}

// StreamCheck runs one check, forwarding progress frames to emit. The
// terminal frame carries the resulting status and, when an update exists,
// the NewVersionInfo. Returns ErrBusy without emitting when a mutating
// operation holds the slot.
func (u *Updater) StreamCheck(ctx context.Context, emit func(Event)) error {
	if k := u.lock.current(); k != "" && k != "check" {
		return ErrBusy
	}
	send := u.sender(emit)
	send(Event{Status: StatusChecking, Log: "checking for updates"})
	res, err := u.Check(ctx)
	if err != nil {
		send(Event{Status: StatusError, Message: err.Error()})
		return nil
	}
	send(Event{Status: res.Status, Message: checkMessage(res.Status), NewVersionInfo: res.NewVersionInfo})
	return nil
}

func checkMessage(s Status) string {
	switch s {
	case StatusUpToDate:
		return "panel is up to date"
	case StatusAvailable:
		return "update available"
	case StatusDiverged:
		return "local checkout has diverged from the remote"
	case StatusAhead:
		return "local checkout is ahead of the remote"
	default:
		return ""
	}
}

// CreateBackup archives the tree outside of an update, with the same
// retention and replication steps an update applies.
func (u *Updater) CreateBackup(ctx context.Context) (backup.Archive, error) {
	if err := u.lock.acquire("backup"); err != nil {
		return backup.Archive{}, err
	}
	defer u.lock.release()

	started := time.Now()
	rec := oplog.Record{ID: uuid.NewString(), Kind: "backup", StartedAt: started.UTC()}
	_ = u.ops.Append(rec)

	arch, err := u.backups.Create(ctx)
	if err != nil {
		u.finishRecord(rec.ID, false, StatusError, err.Error(), "")
		recordOp("backup", false, started)
		return backup.Archive{}, err
	}
	u.applyRetention(ctx, arch, func(Event) {})
	u.finishRecord(rec.ID, true, "", "backup created", arch.Filename)
	recordOp("backup", true, started)
	return arch, nil
}

// StreamUpdate runs the full update sequence, forwarding every subprocess
// line to emit. The terminal frame is restarting or error; a failed step
// halts the sequence and leaves recovery to a manual rollback.
func (u *Updater) StreamUpdate(ctx context.Context, emit func(Event)) error {
	if err := u.lock.acquire("update"); err != nil {
		return err
	}
	defer u.lock.release()

	// The operation must survive a dropped client.
	ctx = context.WithoutCancel(ctx)

	started := time.Now()
	rec := oplog.Record{ID: uuid.NewString(), Kind: "update", StartedAt: started.UTC(), Status: string(StatusUpdating)}
	_ = u.ops.Append(rec)
	u.setStatus(StatusUpdating)

	send := u.sender(emit)
	fail := func(stage string, err error) error {
		msg := fmt.Sprintf("%s: %v", stage, err)
		u.log.Error().Err(err).Str("stage", stage).Msg("update failed")
		u.finishRecord(rec.ID, false, StatusError, msg, "")
		recordOp("update", false, started)
		u.setStatus(StatusError)
		send(Event{Status: StatusError, Message: msg})
		return nil
	}

	send(Event{Status: StatusUpdating, Log: "update started"})

	send(Event{Log: "creating backup"})
	arch, err := u.backups.Create(ctx)
	if err != nil {
		return fail("backup", err)
	}
	_ = u.ops.Update(rec.ID, func(r *oplog.Record) { r.Backup = arch.Filename })
	send(Event{Log: fmt.Sprintf("backup created: %s (%d bytes)", arch.Filename, arch.SizeBytes)})
	u.applyRetention(ctx, arch, send)

	send(Event{Log: "pulling latest revision"})
	if err := u.git.Pull(ctx, u.pullTimeout, func(line string) { send(Event{Log: line}) }); err != nil {
		return fail("pull", err)
	}

	if err := u.installDeps(ctx, send); err != nil {
		return fail("install", err)
	}

	msg := "update complete, restarting"
	if head, err := u.git.Head(ctx); err == nil {
		msg = fmt.Sprintf("updated to %s (%s), restarting", head.Hash, head.Subject)
	}
	u.finishRecord(rec.ID, true, StatusRestarting, msg, arch.Filename)
	recordOp("update", true, started)
	u.clearLastCheck()
	u.setStatus(StatusRestarting)
	send(Event{Status: StatusRestarting, Message: msg})
	u.restart()
	return nil
}

// StreamRollback restores the tree from one backup archive. The filename
// guard runs before the stream starts; a missing archive fails before any
// file is touched.
func (u *Updater) StreamRollback(ctx context.Context, name string, emit func(Event)) error {
	if err := backup.ValidateName(name); err != nil {
		return err
	}
	if err := u.lock.acquire("rollback"); err != nil {
		return err
	}
	defer u.lock.release()

	ctx = context.WithoutCancel(ctx)

	started := time.Now()
	rec := oplog.Record{ID: uuid.NewString(), Kind: "rollback", StartedAt: started.UTC(), Status: string(StatusRollingBack), Backup: name}
	_ = u.ops.Append(rec)
	u.setStatus(StatusRollingBack)

	send := u.sender(emit)
	fail := func(stage string, err error) error {
		msg := fmt.Sprintf("%s: %v", stage, err)
		u.log.Error().Err(err).Str("stage", stage).Msg("rollback failed")
		u.finishRecord(rec.ID, false, StatusError, msg, name)
		recordOp("rollback", false, started)
		u.setStatus(StatusError)
		send(Event{Status: StatusError, Message: msg})
		return nil
	}

	send(Event{Status: StatusRollingBack, Log: "rollback started: " + name})

	// Existence first: a missing archive must not clear the tree.
	f, _, err := u.backups.Open(name)
	if err != nil {
		return fail("archive", err)
	}
	_ = f.Close()

	send(Event{Log: "clearing application directory"})
	if err := u.clearAppDir(); err != nil {
		return fail("clear", err)
	}
	send(Event{Log: "extracting " + name})
	if err := u.backups.Restore(name); err != nil {
		return fail("extract", err)
	}
	if err := u.installDeps(ctx, send); err != nil {
		return fail("install", err)
	}

	msg := fmt.Sprintf("rollback to %s complete, restarting", name)
	u.finishRecord(rec.ID, true, StatusRestarting, msg, name)
	recordOp("rollback", true, started)
	u.clearLastCheck()
	u.setStatus(StatusRestarting)
	send(Event{Status: StatusRestarting, Message: msg})
	u.restart()
	return nil
}

// applyRetention prunes and replicates after a successful create. Neither
// step may fail the operation; failures are logged and, for replication,
// surfaced as a stream line.
func (u *Updater) applyRetention(ctx context.Context, arch backup.Archive, send func(Event)) {
	s := u.settings.Get()
	if n, err := u.backups.Prune(s.KeepBackups, s.MaxBackupAge()); err != nil {
		u.log.Warn().Err(err).Msg("backup prune failed")
	} else if n > 0 {
		send(Event{Log: fmt.Sprintf("pruned %d old backups", n)})
	}
	if err := u.backups.Replicate(ctx, arch.Filename); err != nil {
		u.log.Warn().Err(err).Msg("backup replication failed")
		send(Event{Log: "backup replication failed: " + err.Error()})
	}
	if list, err := u.backups.List(); err == nil {
		ObserveBackups(list)
	}
}

func (u *Updater) installDeps(ctx context.Context, send func(Event)) error {
	for _, app := range u.subApps {
		if len(app.Install) == 0 {
			continue
		}
		name := app.Dir
		if name == "" {
			name = "."
		}
		send(Event{Log: "installing dependencies in " + name})
		code, err := u.runStream(ctx, shell.Cmd{
			Name:    app.Install[0],
			Args:    app.Install[1:],
			Dir:     filepath.Join(u.appDir, app.Dir),
			Timeout: u.installTimeout,
		}, func(line string) { send(Event{Log: line}) })
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if code != 0 {
			return fmt.Errorf("%s: install exited with status %d", name, code)
		}
	}
	return nil
}

// clearAppDir removes the tree's top-level entries except the preserved set.
// The rollback mechanism itself (git metadata, backups, configured paths)
// must survive the clear.
func (u *Updater) clearAppDir() error {
	keep := map[string]bool{".git": true}
	if rel, err := filepath.Rel(u.appDir, u.backups.Dir()); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		keep[firstElem(rel)] = true
	}
	for _, p := range u.preserve {
		if p != "" {
			keep[p] = true
		}
	}
	ents, err := os.ReadDir(u.appDir)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(u.appDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func firstElem(rel string) string {
	rel = filepath.ToSlash(rel)
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		return rel[:i]
	}
	return rel
}

func (u *Updater) finishRecord(id string, ok bool, st Status, msg, backupName string) {
	now := time.Now().UTC()
	_ = u.ops.Update(id, func(r *oplog.Record) {
		r.FinishedAt = &now
		r.OK = &ok
		r.Status = string(st)
		r.Message = msg
		if backupName != "" {
			r.Backup = backupName
		}
	})
}

func (u *Updater) sender(emit func(Event)) func(Event) {
	return func(ev Event) {
		if ev.Log != "" {
			u.log.Debug().Str("line", ev.Log).Msg("progress")
		}
		if ev.Status != "" {
			u.log.Info().Str("status", string(ev.Status)).Str("message", ev.Message).Msg("operation status")
		}
		emit(ev)
	}
}

// restart signals the process supervisor, fire and forget. The command may
// restart the daemon itself, so it runs only after the terminal frame has
// been emitted and flushed.
func (u *Updater) restart() {
	if len(u.restartCmd) == 0 {
		u.log.Warn().Msg("no restart command configured")
		return
	}
	u.log.Info().Strs("cmd", u.restartCmd).Msg("signaling restart")
	if err := u.startProc(u.restartCmd[0], u.restartCmd[1:]...); err != nil {
		u.log.Error().Err(err).Msg("restart signal failed")
	}
}

func startDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// RunScheduledCheck is the cron callback: check quietly, notify the
// configured webhook once per discovered version. Skips when an operation
// is already running.
func (u *Updater) RunScheduledCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := u.Check(ctx)
	if errors.Is(err, ErrBusy) {
		u.log.Debug().Msg("scheduled check skipped: operation in progress")
		return
	}
	if err != nil {
		u.log.Warn().Err(err).Msg("scheduled check failed")
		return
	}
	if res.Status != StatusAvailable || res.NewVersionInfo == nil {
		return
	}

	key := res.NewVersionInfo.Description + "\n" + res.NewVersionInfo.Changelog
	u.mu.Lock()
	seen := u.notified == key
	u.notified = key
	u.mu.Unlock()
	if seen {
		return
	}

	wh := notify.NewWebhook(u.settings.Get().NotifyURL, u.webhookSecret, u.log)
	if err := wh.Send(ctx, notify.Event{
		Type:    notify.EventUpdateAvailable,
		Message: res.NewVersionInfo.Description,
		Details: res.NewVersionInfo,
	}); err != nil {
		u.log.Warn().Err(err).Msg("update notification failed")
	}
}
