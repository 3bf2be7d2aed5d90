package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestWriteFileAtomic(t *testing.T) {
	p := Paths{Dir: filepath.Join(t.TempDir(), "backups")}

	if err := WriteFileAtomic(p, "backup_20240101_000000.json", []byte("one")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(p, "backup_20240101_000000.json", []byte("two")); err != nil {
		t.Fatalf("WriteFileAtomic overwrite: %v", err)
	}

	path := filepath.Join(p.Dir, "backup_20240101_000000.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("expected overwritten content, got %q", data)
	}
	if runtime.GOOS != "windows" {
		info, _ := os.Stat(path)
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("expected 0600, got %v", info.Mode().Perm())
		}
	}

	entries, _ := os.ReadDir(p.Dir)
	if len(entries) != 1 {
		t.Fatalf("temp files must not be left behind, found %d entries", len(entries))
	}
}

func TestWriteFileNewKeepsExisting(t *testing.T) {
	p := Paths{Dir: filepath.Join(t.TempDir(), "backups")}

	if err := WriteFileNew(p, "backup_20240101_000000.json", []byte("one")); err != nil {
		t.Fatalf("WriteFileNew: %v", err)
	}
	err := WriteFileNew(p, "backup_20240101_000000.json", []byte("two"))
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected fs.ErrExist, got %v", err)
	}

	data, err := os.ReadFile(filepath.Join(p.Dir, "backup_20240101_000000.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "one" {
		t.Fatalf("existing file was replaced: %q", data)
	}
	entries, _ := os.ReadDir(p.Dir)
	if len(entries) != 1 {
		t.Fatalf("temp files must not be left behind, found %d entries", len(entries))
	}
}

func TestWriteFileAtomicRejectsPaths(t *testing.T) {
	p := Paths{Dir: t.TempDir()}
	for _, name := range []string{"", "../escape.json", "sub/dir.json", ".hidden"} {
		if err := WriteFileAtomic(p, name, []byte("x")); err == nil {
			t.Errorf("expected error for %q", name)
		}
	}
	if err := WriteFileAtomic(Paths{}, "a.json", nil); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestListAndPrune(t *testing.T) {
	p := Paths{Dir: t.TempDir()}
	base := time.Now().Add(-time.Hour)
	names := []string{
		"backup_20240101_000000.json",
		"backup_20240102_000000.json",
		"backup_20240103_000000.csv",
		"backup_20240104_000000.json",
	}
	for i, n := range names {
		if err := WriteFileAtomic(p, n, []byte(n)); err != nil {
			t.Fatalf("WriteFileAtomic: %v", err)
		}
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(filepath.Join(p.Dir, n), ts, ts); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(p.Dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	files, err := List(p, "backup_")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 4 || files[0].Name != names[3] || files[3].Name != names[0] {
		t.Fatalf("expected newest first, got %+v", files)
	}
	if files[0].Size != int64(len(names[3])) {
		t.Fatalf("unexpected size %d", files[0].Size)
	}

	removed, err := Prune(p, "backup_", 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removals, got %v", removed)
	}
	files, _ = List(p, "backup_")
	if len(files) != 2 || files[0].Name != names[3] || files[1].Name != names[2] {
		t.Fatalf("expected the two newest to remain, got %+v", files)
	}
	if _, err := os.Stat(filepath.Join(p.Dir, "notes.txt")); err != nil {
		t.Fatal("prune must ignore files outside the prefix")
	}
}

func TestListMissingDir(t *testing.T) {
	files, err := List(Paths{Dir: filepath.Join(t.TempDir(), "nope")}, "backup_")
	if err != nil || len(files) != 0 {
		t.Fatalf("expected empty list, got %v err=%v", files, err)
	}
}

func TestRemove(t *testing.T) {
	p := Paths{Dir: t.TempDir()}
	if err := WriteFileAtomic(p, "backup_x.json", []byte("x")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := Remove(p, "backup_x.json"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := Remove(p, "backup_x.json"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if err := Remove(p, "../x"); err == nil {
		t.Fatal("expected error for path traversal")
	}
}
