package helper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// GetPIDPath returns the path to the PID file.
//
// Priority:
// 1. If filename is an absolute path, return it directly.
// 2. ./{filename} when its parent directory exists
// 3. Otherwise, fallback to /var/run/sessiond.pid
func GetPIDPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if filename != "" {
		if abs, err := filepath.Abs(filename); err == nil {
			if _, err := os.Stat(filepath.Dir(abs)); err == nil {
				return abs
			}
		}
	}
	return "/var/run/sessiond.pid"
}

// PIDFile owns the PID file of a running server
type PIDFile struct {
	path string
}

// NewPIDFile resolves filename with GetPIDPath
func NewPIDFile(filename string) *PIDFile {
	return &PIDFile{path: GetPIDPath(filename)}
}

// Path returns the resolved PID file path
func (p *PIDFile) Path() string {
	return p.path
}

// Write records the current process ID
func (p *PIDFile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	return os.WriteFile(p.path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// Read returns the process ID stored in the file
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Remove deletes the PID file, a missing file is not an error
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
