package pid

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileRegistry keeps the record in a small text file of the form
// "<master>,<manager>".
type FileRegistry struct {
	path string
}

// NewFileRegistry returns a registry backed by the file at path.
func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

// Path returns the location of the pid file.
func (f *FileRegistry) Path() string { return f.path }

func (f *FileRegistry) Read(_ context.Context) (Record, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("read pid file %s: %w", f.path, err)
	}

	master, manager, _ := strings.Cut(strings.TrimSpace(string(data)), ",")
	return Record{
		MasterPID:  parsePID(master),
		ManagerPID: parsePID(manager),
	}, nil
}

// Write replaces the file through a rename so readers never observe a
// partially written record.
func (f *FileRegistry) Write(_ context.Context, masterPID, managerPID int) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create pid dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("create pid temp file: %w", err)
	}
	tmpName := tmp.Name()

	content := formatPID(masterPID) + "," + formatPID(managerPID)
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write pid temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close pid temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod pid temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename pid file: %w", err)
	}
	return nil
}

func (f *FileRegistry) Delete(_ context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete pid file %s: %w", f.path, err)
	}
	return nil
}
