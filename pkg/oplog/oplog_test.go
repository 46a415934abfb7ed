package oplog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendCreatesIndexAndIsReadable(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	now := time.Now().UTC()
	if err := l.Append(Record{ID: "a1", Kind: "check", StartedAt: now}); err != nil {
		t.Fatalf("append: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "operations.json"))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	var items []Record
	if err := json.Unmarshal(b, &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a1" {
		t.Fatalf("unexpected content: %s", string(b))
	}
	if _, err := os.Stat(filepath.Join(dir, "operations.json.tmp")); err == nil {
		t.Fatalf("tmp file should not remain after atomic write")
	}
}

func TestListRecent_OrderAndLimit(t *testing.T) {
	l := New(t.TempDir())
	base := time.Now().UTC()
	_ = l.Append(Record{ID: "t1", Kind: "update", StartedAt: base.Add(-3 * time.Hour)})
	_ = l.Append(Record{ID: "t2", Kind: "check", StartedAt: base.Add(-1 * time.Hour)})
	_ = l.Append(Record{ID: "t3", Kind: "rollback", StartedAt: base.Add(-2 * time.Hour)})
	got, err := l.ListRecent(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "t2" || got[1].ID != "t3" {
		t.Fatalf("unexpected order/limit: %+v", got)
	}
	all, err := l.ListRecent(0)
	if err != nil || len(all) != 3 {
		t.Fatalf("want 3, got %d err=%v", len(all), err)
	}
}

func TestUpdateFinishesRecord(t *testing.T) {
	l := New(t.TempDir())
	now := time.Now().UTC()
	_ = l.Append(Record{ID: "u1", Kind: "update", StartedAt: now})
	fin := now.Add(time.Minute)
	ok := true
	err := l.Update("u1", func(r *Record) {
		r.FinishedAt = &fin
		r.OK = &ok
		r.Status = "restarting"
		r.Backup = "backup_20240101-000000.tar.gz"
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, err := l.Find("u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.FinishedAt == nil || rec.OK == nil || !*rec.OK || rec.Status != "restarting" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Backup == "" {
		t.Fatal("backup not recorded")
	}
}

func TestUpdateUnknownID(t *testing.T) {
	l := New(t.TempDir())
	if err := l.Update("nope", func(*Record) {}); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAppendTrimsToCap(t *testing.T) {
	l := New(t.TempDir())
	base := time.Now().UTC()
	for i := 0; i < keepRecords+25; i++ {
		rec := Record{ID: fmt.Sprintf("r%d", i), Kind: "check", StartedAt: base.Add(time.Duration(i) * time.Second)}
		if err := l.Append(rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	all, err := l.ListRecent(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != keepRecords {
		t.Fatalf("want %d records, got %d", keepRecords, len(all))
	}
	// newest survives, oldest dropped
	if all[0].ID != fmt.Sprintf("r%d", keepRecords+24) {
		t.Fatalf("unexpected newest: %+v", all[0])
	}
	if _, err := l.Find("r0"); err != ErrNotFound {
		t.Fatalf("oldest should be trimmed, got %v", err)
	}
}
