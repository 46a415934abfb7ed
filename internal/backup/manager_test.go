package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	appDir := t.TempDir()
	writeFile(t, filepath.Join(appDir, "server", "index.js"), "v1\n", 0o644)
	writeFile(t, filepath.Join(appDir, "package.json"), "{}\n", 0o644)
	m := New(Options{
		AppDir: appDir,
		Dir:    filepath.Join(appDir, "backups"),
		Logger: zerolog.Nop(),
	})
	m.diskFree = func(string) (uint64, error) { return 1 << 40, nil }
	return m
}

func readEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}
	return names
}

func TestValidateName(t *testing.T) {
	ok := []string{
		"backup_20240101-000000.tar.gz",
		"backup_20240101-000000_2.tar.gz",
		"backup_2024-01-01.tar.gz",
	}
	for _, name := range ok {
		if err := ValidateName(name); err != nil {
			t.Errorf("%q: unexpected %v", name, err)
		}
	}
	bad := []string{
		"",
		"../../etc/passwd",
		"/etc/passwd",
		"sub/backup_20240101-000000.tar.gz",
		`..\..\evil.tar.gz`,
		"latest.tar.gz",
		"backup_20240101-000000.tgz",
		"backup_20240101-000000.tar.gz.txt",
	}
	for _, name := range bad {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("%q: want ErrInvalidName, got %v", name, err)
		}
	}
}

func TestCreateListNewestFirst(t *testing.T) {
	m := newTestManager(t)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return ts }

	first, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ts = ts.Add(time.Minute)
	second, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("want 2 archives, got %d", len(list))
	}
	if list[0].Filename != second.Filename || list[1].Filename != first.Filename {
		t.Errorf("order: got %s, %s", list[0].Filename, list[1].Filename)
	}
	if list[0].SizeBytes <= 0 {
		t.Errorf("size not recorded: %+v", list[0])
	}
}

func TestCreateCollisionGetsSuffix(t *testing.T) {
	m := newTestManager(t)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return ts }

	a, err := m.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Filename == b.Filename {
		t.Fatalf("colliding names: %s", a.Filename)
	}
	if !strings.HasSuffix(b.Filename, "_2.tar.gz") {
		t.Errorf("want _2 suffix, got %s", b.Filename)
	}
	if err := ValidateName(b.Filename); err != nil {
		t.Errorf("suffixed name fails validation: %v", err)
	}
}

func TestCreateExcludesInternalDirs(t *testing.T) {
	m := newTestManager(t)
	writeFile(t, filepath.Join(m.appDir, ".git", "HEAD"), "ref\n", 0o644)
	writeFile(t, filepath.Join(m.appDir, "server", "node_modules", "lib", "x.js"), "x", 0o644)
	writeFile(t, filepath.Join(m.appDir, "backups", "backup_19990101-000000.tar.gz"), "old", 0o644)

	arch, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, name := range readEntries(t, filepath.Join(m.dir, arch.Filename)) {
		for _, banned := range []string{".git", "node_modules", "backups"} {
			if name == banned || strings.HasPrefix(name, banned+"/") {
				t.Errorf("archive contains %s", name)
			}
		}
	}
}

func TestCreateFailureLeavesNoArchive(t *testing.T) {
	dir := t.TempDir()
	m := New(Options{
		AppDir: filepath.Join(dir, "does-not-exist"),
		Dir:    filepath.Join(dir, "backups"),
		Logger: zerolog.Nop(),
	})
	m.diskFree = func(string) (uint64, error) { return 1 << 40, nil }

	if _, err := m.Create(context.Background()); err == nil {
		t.Fatal("want error for missing app dir")
	}
	ents, err := os.ReadDir(m.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Errorf("leftover files after failed create: %v", ents)
	}
}

func TestCreateDiskPreflight(t *testing.T) {
	m := newTestManager(t)
	m.minFree = 1 << 20
	m.diskFree = func(string) (uint64, error) { return 1024, nil }

	_, err := m.Create(context.Background())
	if !errors.Is(err, ErrDiskSpace) {
		t.Fatalf("want ErrDiskSpace, got %v", err)
	}
}

func TestCreateCanceledContext(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Create(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestDeleteGuardsTraversal(t *testing.T) {
	m := newTestManager(t)
	outside := filepath.Join(filepath.Dir(m.appDir), "sentinel.txt")
	writeFile(t, outside, "keep me", 0o644)

	for _, name := range []string{"../sentinel.txt", "../../sentinel.txt", "/etc/passwd", "sentinel.txt"} {
		if err := m.Delete(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("%q: want ErrInvalidName, got %v", name, err)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("sentinel gone: %v", err)
	}
}

func TestDeleteMissingAndExisting(t *testing.T) {
	m := newTestManager(t)
	arch, err := m.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Delete("backup_19990101-000000.tar.gz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := m.Delete(arch.Filename); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("archive still listed after delete: %v", list)
	}
}

func TestOpenStreamsGzip(t *testing.T) {
	m := newTestManager(t)
	arch, err := m.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	f, meta, err := m.Open(arch.Filename)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if meta.SizeBytes != arch.SizeBytes {
		t.Errorf("size: got %d want %d", meta.SizeBytes, arch.SizeBytes)
	}
	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		t.Fatal(err)
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		t.Errorf("not a gzip stream: % x", magic)
	}

	if _, _, err := m.Open("backup_19990101-000000.tar.gz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func seedArchive(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	writeFile(t, filepath.Join(dir, name), "x", 0o644)
	if err := os.Chtimes(filepath.Join(dir, name), mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestPruneByCount(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		seedArchive(t, m.dir, "backup_"+ts.Format(nameTimeLayout)+".tar.gz", ts)
	}

	removed, err := m.Prune(2, 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed: got %d want 3", removed)
	}
	list, _ := m.List()
	if len(list) != 2 {
		t.Fatalf("want 2 left, got %d", len(list))
	}
	want := "backup_" + base.Add(4*time.Hour).Format(nameTimeLayout) + ".tar.gz"
	if list[0].Filename != want {
		t.Errorf("newest not kept: got %s want %s", list[0].Filename, want)
	}
}

func TestPruneByAge(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	seedArchive(t, m.dir, "backup_old.tar.gz", now.Add(-48*time.Hour))
	seedArchive(t, m.dir, "backup_new.tar.gz", now.Add(-time.Hour))

	removed, err := m.Prune(0, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d want 1", removed)
	}
	list, _ := m.List()
	if len(list) != 1 || list[0].Filename != "backup_new.tar.gz" {
		t.Errorf("wrong survivor: %v", list)
	}
}

func TestPruneDisabled(t *testing.T) {
	m := newTestManager(t)
	seedArchive(t, m.dir, "backup_20200101-000000.tar.gz", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))

	removed, err := m.Prune(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("prune with zero limits removed %d", removed)
	}
}

type fakeUploader struct {
	names []string
	paths []string
	err   error
}

func (u *fakeUploader) Upload(_ context.Context, name, path string) error {
	u.names = append(u.names, name)
	u.paths = append(u.paths, path)
	return u.err
}

func TestReplicate(t *testing.T) {
	m := newTestManager(t)
	up := &fakeUploader{}
	m.uploader = up

	arch, err := m.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Replicate(context.Background(), arch.Filename); err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if len(up.names) != 1 || up.names[0] != arch.Filename {
		t.Errorf("uploader names: %v", up.names)
	}
	if up.paths[0] != filepath.Join(m.dir, arch.Filename) {
		t.Errorf("uploader path: %s", up.paths[0])
	}

	up.err = errors.New("bucket gone")
	if err := m.Replicate(context.Background(), arch.Filename); err == nil || !strings.Contains(err.Error(), "bucket gone") {
		t.Errorf("upload error not propagated: %v", err)
	}
}

func TestReplicateWithoutUploader(t *testing.T) {
	m := newTestManager(t)
	if err := m.Replicate(context.Background(), "backup_20240101-000000.tar.gz"); err != nil {
		t.Fatalf("no-op replicate: %v", err)
	}
}

func TestRestoreOverwritesTree(t *testing.T) {
	m := newTestManager(t)
	target := filepath.Join(m.appDir, "server", "index.js")

	arch, err := m.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, target, "v2 broken\n", 0o644)

	if err := m.Restore(arch.Filename); err != nil {
		t.Fatalf("restore: %v", err)
	}
	b, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "v1\n" {
		t.Errorf("restore content: %q", b)
	}

	if err := m.Restore("../evil.tar.gz"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("want ErrInvalidName, got %v", err)
	}
	if err := m.Restore("backup_19990101-000000.tar.gz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}
