package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/mikropanel/mikropaneld/internal/fsatomic"
)

// Archive describes one backup on disk.
type Archive struct {
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

var (
	ErrInvalidName = errors.New("invalid backup filename")
	ErrNotFound    = errors.New("backup not found")
	ErrDiskSpace   = errors.New("insufficient free space for backup")
)

const nameTimeLayout = "20060102-150405"

// Options configures a Manager.
type Options struct {
	// AppDir is the application tree that gets archived and restored.
	AppDir string
	// Dir is where archives live. When it sits under AppDir it is excluded
	// from archives automatically.
	Dir string
	// Exclude lists extra paths relative to AppDir to leave out of archives.
	Exclude []string
	// MinFreeBytes aborts Create when the backup volume has less free space.
	// 0 disables the preflight.
	MinFreeBytes uint64
	Uploader     Uploader
	Logger       zerolog.Logger
}

// Manager owns the backup directory: archive creation, listing, deletion,
// retention and replication. Filename validation is the traversal guard for
// every operation that takes an archive name.
type Manager struct {
	appDir   string
	dir      string
	exclude  []string
	minFree  uint64
	uploader Uploader
	log      zerolog.Logger

	now      func() time.Time
	diskFree func(path string) (uint64, error)
}

func New(opts Options) *Manager {
	ex := append([]string{".git"}, opts.Exclude...)
	if rel, err := filepath.Rel(opts.AppDir, opts.Dir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		ex = append(ex, rel)
	}
	return &Manager{
		appDir:   opts.AppDir,
		dir:      opts.Dir,
		exclude:  ex,
		minFree:  opts.MinFreeBytes,
		uploader: opts.Uploader,
		log:      opts.Logger.With().Str("component", "backup").Logger(),
		now:      time.Now,
		diskFree: func(path string) (uint64, error) {
			u, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return u.Free, nil
		},
	}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string { return m.dir }

// ValidateName rejects anything that is not a bare backup archive filename:
// no path separators, backup_ prefix, .tar.gz suffix.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return ErrInvalidName
	}
	if !strings.HasPrefix(name, "backup_") || !strings.HasSuffix(name, ".tar.gz") {
		return ErrInvalidName
	}
	return nil
}

// archivePath validates name and returns its path, guaranteed inside the
// backup directory.
func (m *Manager) archivePath(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	p := filepath.Join(m.dir, name)
	root := filepath.Clean(m.dir)
	if !strings.HasPrefix(filepath.Clean(p), root+string(filepath.Separator)) {
		return "", ErrInvalidName
	}
	return p, nil
}

// Path returns the on-disk location of a validated archive name. The file is
// not required to exist.
func (m *Manager) Path(name string) (string, error) { return m.archivePath(name) }

func (m *Manager) skip(rel string) bool {
	if filepath.Base(rel) == "node_modules" {
		return true
	}
	for _, ex := range m.exclude {
		if ex == "" {
			continue
		}
		if rel == ex || strings.HasPrefix(rel, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Create archives the application tree into a new timestamped tar.gz. The
// archive is written under a temp name and renamed into place only once
// complete, so
// a failed run never leaves a partial archive visible to List.
func (m *Manager) Create(ctx context.Context) (Archive, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Archive{}, err
	}
	if m.minFree > 0 {
		if free, err := m.diskFree(m.dir); err == nil && free < m.minFree {
			return Archive{}, fmt.Errorf("%w: %d bytes free, need %d", ErrDiskSpace, free, m.minFree)
		}
	}
	if err := ctx.Err(); err != nil {
		return Archive{}, err
	}

	name := m.newName()
	tmp := filepath.Join(m.dir, ".tmp-"+name)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Archive{}, err
	}
	if err := packTree(f, m.appDir, m.skip); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return Archive{}, fmt.Errorf("archive %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return Archive{}, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return Archive{}, err
	}
	final := filepath.Join(m.dir, name)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Archive{}, err
	}
	_ = fsatomic.FsyncDir(m.dir)

	st, err := os.Stat(final)
	if err != nil {
		return Archive{}, err
	}
	arch := Archive{Filename: name, SizeBytes: st.Size(), CreatedAt: st.ModTime().UTC()}
	m.log.Info().Str("backup", name).Int64("bytes", arch.SizeBytes).Msg("backup created")
	return arch, nil
}

func (m *Manager) newName() string {
	base := "backup_" + m.now().UTC().Format(nameTimeLayout)
	name := base + ".tar.gz"
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(m.dir, name)); errors.Is(err, fs.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s_%d.tar.gz", base, i)
	}
}

// List returns archives newest first. Timestamped names make name order and
// chronological order agree.
func (m *Manager) List() ([]Archive, error) {
	ents, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Archive{}, nil
		}
		return nil, err
	}
	out := []Archive{}
	for _, e := range ents {
		if e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Archive{Filename: e.Name(), SizeBytes: info.Size(), CreatedAt: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename > out[j].Filename })
	return out, nil
}

// Delete removes one archive. The name passes the traversal guard first.
func (m *Manager) Delete(name string) error {
	p, err := m.archivePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	m.log.Info().Str("backup", name).Msg("backup deleted")
	return nil
}

// Open returns a reader over one archive for streaming downloads, plus its
// metadata. The caller closes the file.
func (m *Manager) Open(name string) (*os.File, Archive, error) {
	p, err := m.archivePath(name)
	if err != nil {
		return nil, Archive{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Archive{}, ErrNotFound
		}
		return nil, Archive{}, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Archive{}, err
	}
	return f, Archive{Filename: name, SizeBytes: st.Size(), CreatedAt: st.ModTime().UTC()}, nil
}

// Prune applies retention: keep at most `keep` newest archives (0 disables)
// and drop archives older than maxAge (0 disables). Returns how many were
// removed.
func (m *Manager) Prune(keep int, maxAge time.Duration) (int, error) {
	list, err := m.List()
	if err != nil {
		return 0, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = m.now().UTC().Add(-maxAge)
	}
	removed := 0
	for i, a := range list {
		tooMany := keep > 0 && i >= keep
		tooOld := maxAge > 0 && a.CreatedAt.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		p, err := m.archivePath(a.Filename)
		if err != nil {
			continue
		}
		if err := os.Remove(p); err == nil {
			removed++
			m.log.Info().Str("backup", a.Filename).Msg("backup pruned")
		}
	}
	return removed, nil
}

// Replicate uploads a finished archive to the configured off-site target.
// No-op without an uploader.
func (m *Manager) Replicate(ctx context.Context, name string) error {
	if m.uploader == nil {
		return nil
	}
	p, err := m.archivePath(name)
	if err != nil {
		return err
	}
	if err := m.uploader.Upload(ctx, name, p); err != nil {
		return fmt.Errorf("replicate %s: %w", name, err)
	}
	m.log.Info().Str("backup", name).Msg("backup replicated")
	return nil
}

// Restore extracts one archive over the application tree. Used by the
// rollback executor after it has cleared the tree.
func (m *Manager) Restore(name string) error {
	p, err := m.archivePath(name)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	defer f.Close()
	return extractArchive(f, m.appDir)
}
