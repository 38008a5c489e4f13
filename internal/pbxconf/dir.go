package pbxconf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrFileNotFound = errors.New("pbxconf: config file not found")
	ErrFileExists   = errors.New("pbxconf: config file exists")
	ErrBadFilename  = errors.New("pbxconf: filename escapes config directory")
)

// Dir is a configuration directory. File names handed to Dir are relative to
// its root and may not escape it.
type Dir struct {
	root string
}

// NewDir returns a Dir rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: filepath.Clean(root)}
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.root
}

// Path resolves name inside the directory.
func (d *Dir) Path(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	return filepath.Join(d.root, clean), nil
}

// Exists reports whether name is present.
func (d *Dir) Exists(name string) bool {
	path, err := d.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load parses name.
func (d *Dir) Load(name string) (*File, error) {
	path, err := d.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		return nil, fmt.Errorf("pbxconf: read %s: %w", name, err)
	}
	return Parse(name, data)
}

// Save writes f under its own name, replacing the previous content
// atomically.
func (d *Dir) Save(f *File) error {
	return d.SaveAs(f, f.Name)
}

// SaveAs writes f under name via a temporary file and rename.
func (d *Dir) SaveAs(f *File, name string) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	data, err := f.Bytes()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pbxconf: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("pbxconf: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pbxconf: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pbxconf: close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pbxconf: chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pbxconf: rename %s: %w", name, err)
	}
	return nil
}

// Create makes an empty file. It fails when name already exists.
func (d *Dir) Create(name string) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrFileExists, name)
		}
		return fmt.Errorf("pbxconf: create %s: %w", name, err)
	}
	return fh.Close()
}
