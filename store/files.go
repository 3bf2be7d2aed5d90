package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Paths locates backup artifacts on disk.
type Paths struct {
	Dir string
}

// File describes one file in a backup directory.
type File struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified_at"`
}

func (p Paths) ensureDir() error {
	if p.Dir == "" {
		return errors.New("backup directory not specified")
	}
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	return nil
}

// Path joins name onto the directory. name must be a bare file name.
func (p Paths) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(p.Dir, name), nil
}

// WriteFileAtomic writes data to name with 0600 permissions. Readers see
// either the old file or the complete new one, never a partial write.
func WriteFileAtomic(p Paths, name string, data []byte) error {
	dst, tmpPath, err := p.writeTemp(name, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// WriteFileNew is WriteFileAtomic that never replaces an existing file. When
// name is taken it returns an error matching fs.ErrExist.
func WriteFileNew(p Paths, name string, data []byte) error {
	dst, tmpPath, err := p.writeTemp(name, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	// link(2) fails with EEXIST instead of replacing, unlike rename(2).
	if err := os.Link(tmpPath, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create %s: %w", name, fs.ErrExist)
		}
		return fmt.Errorf("create %s: %w", name, err)
	}
	return nil
}

// writeTemp writes data to a synced 0600 temp file next to name and returns
// both paths. The caller moves the temp file into place.
func (p Paths) writeTemp(name string, data []byte) (dst, tmpPath string, err error) {
	if err := p.ensureDir(); err != nil {
		return "", "", err
	}
	dst, err = p.Path(name)
	if err != nil {
		return "", "", err
	}

	tmp, err := os.CreateTemp(p.Dir, ".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath = tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("close temp file: %w", err)
	}
	return dst, tmpPath, nil
}

// List returns regular files whose names start with prefix, newest first.
// A missing directory is an empty list.
func List(p Paths, prefix string) ([]File, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var out []File
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		out = append(out, File{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}

	// Names embed a sortable timestamp, so the name breaks mtime ties.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// Prune keeps the newest keep files matching prefix and removes the rest,
// returning the names it removed.
func Prune(p Paths, prefix string, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	files, err := List(p, prefix)
	if err != nil {
		return nil, err
	}
	if len(files) <= keep {
		return nil, nil
	}

	var removed []string
	for _, f := range files[keep:] {
		if err := os.Remove(filepath.Join(p.Dir, f.Name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", f.Name, err)
		}
		removed = append(removed, f.Name)
	}
	return removed, nil
}

// Remove deletes one file from the directory.
func Remove(p Paths, name string) error {
	path, err := p.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}
