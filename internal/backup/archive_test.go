package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
}

func TestPackExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "server", "index.js"), "console.log('hi')\n", 0o644)
	writeFile(t, filepath.Join(src, "app", "public", "logo.svg"), "<svg/>", 0o644)
	writeFile(t, filepath.Join(src, "run.sh"), "#!/bin/sh\n", 0o755)
	if runtime.GOOS != "windows" {
		if err := os.Symlink("server/index.js", filepath.Join(src, "main.js")); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := packTree(&buf, src, func(string) bool { return false }); err != nil {
		t.Fatalf("pack: %v", err)
	}

	dst := t.TempDir()
	if err := extractArchive(&buf, dst); err != nil {
		t.Fatalf("extract: %v", err)
	}

	for _, f := range []struct{ rel, want string }{
		{filepath.Join("server", "index.js"), "console.log('hi')\n"},
		{filepath.Join("app", "public", "logo.svg"), "<svg/>"},
		{"run.sh", "#!/bin/sh\n"},
	} {
		b, err := os.ReadFile(filepath.Join(dst, f.rel))
		if err != nil {
			t.Fatalf("read %s: %v", f.rel, err)
		}
		if string(b) != f.want {
			t.Errorf("%s: got %q want %q", f.rel, b, f.want)
		}
	}
	if runtime.GOOS != "windows" {
		link, err := os.Readlink(filepath.Join(dst, "main.js"))
		if err != nil || link != "server/index.js" {
			t.Errorf("symlink: %q err=%v", link, err)
		}
		st, err := os.Stat(filepath.Join(dst, "run.sh"))
		if err != nil || st.Mode().Perm() != 0o755 {
			t.Errorf("run.sh mode: %v err=%v", st.Mode(), err)
		}
	}
}

func TestPackSkipsExcluded(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "keep.txt"), "k", 0o644)
	writeFile(t, filepath.Join(src, "skipdir", "inner.txt"), "x", 0o644)
	writeFile(t, filepath.Join(src, "drop.txt"), "x", 0o644)

	var buf bytes.Buffer
	skip := func(rel string) bool { return rel == "skipdir" || rel == "drop.txt" }
	if err := packTree(&buf, src, skip); err != nil {
		t.Fatalf("pack: %v", err)
	}

	dst := t.TempDir()
	if err := extractArchive(&buf, dst); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "keep.txt")); err != nil {
		t.Errorf("keep.txt missing: %v", err)
	}
	for _, gone := range []string{"skipdir", "drop.txt"} {
		if _, err := os.Stat(filepath.Join(dst, gone)); !os.IsNotExist(err) {
			t.Errorf("%s should be excluded, err=%v", gone, err)
		}
	}
}

// craftArchive builds a tar.gz with arbitrary entry names for traversal tests.
func craftArchive(t *testing.T, entries map[string]string, links map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	for name, target := range links {
		hdr := &tar.Header{Name: name, Typeflag: tar.TypeSymlink, Linkname: target, Mode: 0o777}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestExtractRejectsTraversal(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "app")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"../evil.txt", "../../evil.txt", "/abs.txt"} {
		t.Run(name, func(t *testing.T) {
			buf := craftArchive(t, map[string]string{name: "pwned"}, nil)
			if err := extractArchive(buf, root); err == nil {
				t.Fatal("want error for escaping entry")
			}
			if _, err := os.Stat(filepath.Join(parent, "evil.txt")); !os.IsNotExist(err) {
				t.Fatalf("file escaped the target: %v", err)
			}
		})
	}
}

func TestExtractRejectsEscapingSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	root := t.TempDir()
	for name, target := range map[string]string{
		"out":     "../outside",
		"abslink": "/etc/passwd",
	} {
		buf := craftArchive(t, nil, map[string]string{name: target})
		if err := extractArchive(buf, root); err == nil {
			t.Fatalf("want error for symlink %s -> %s", name, target)
		}
	}
}

func TestExtractAllowsInsideSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	root := t.TempDir()
	buf := craftArchive(t, map[string]string{"dir/file.txt": "x"}, map[string]string{"dir/link": "file.txt"})
	if err := extractArchive(buf, root); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got, err := os.Readlink(filepath.Join(root, "dir", "link")); err != nil || got != "file.txt" {
		t.Errorf("link: %q err=%v", got, err)
	}
}

func TestExtractGarbageInput(t *testing.T) {
	if err := extractArchive(strings.NewReader("not a gzip stream"), t.TempDir()); err == nil {
		t.Fatal("want error for non-gzip input")
	}
}
