package relay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// CursorStore keeps a worker's poll cursor across restarts.
type CursorStore interface {
	Load() (int64, error)
	Save(cursor int64) error
}

// FileCursor stores the cursor as a decimal number in one file.
type FileCursor struct {
	fs   afero.Fs
	path string
}

// NewFileCursor stores the cursor at path on fs.
func NewFileCursor(fs afero.Fs, path string) *FileCursor {
	return &FileCursor{fs: fs, path: path}
}

// CursorPath is the cursor file of machineID under dir.
func CursorPath(dir, machineID string) string {
	return filepath.Join(dir, "relay-cursor-"+machineID)
}

// Load returns the saved cursor, zero when nothing was saved yet.
func (c *FileCursor) Load() (int64, error) {
	data, err := afero.ReadFile(c.fs, c.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cursor, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor file %s: %w", c.path, err)
	}
	return cursor, nil
}

// Save replaces the cursor file atomically.
func (c *FileCursor) Save(cursor int64) error {
	if err := c.fs.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, []byte(strconv.FormatInt(cursor, 10)), 0o644); err != nil {
		return err
	}
	return c.fs.Rename(tmp, c.path)
}
