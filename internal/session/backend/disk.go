package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const diskExt = ".json"

// Disk stores one JSON file per session under a base directory
type Disk struct {
	logger  *zap.Logger
	baseDir string
	mu      sync.RWMutex
}

var _ Backend = (*Disk)(nil)

// NewDisk creates the base directory if needed
func NewDisk(logger *zap.Logger, baseDir string) (*Disk, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	return &Disk{
		logger:  logger.Named("session.backend.disk"),
		baseDir: baseDir,
	}, nil
}

func (d *Disk) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(d.baseDir, id+diskExt), nil
}

// Load implements Backend.Load
func (d *Disk) Load(_ context.Context, id string) (*Record, error) {
	path, err := d.path(id)
	if err != nil {
		return nil, ErrNotFound
	}

	d.mu.RLock()
	data, err := os.ReadFile(path)
	d.mu.RUnlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &rec, nil
}

// Save implements Backend.Save. The file is replaced atomically.
func (d *Disk) Save(_ context.Context, rec *Record) error {
	path, err := d.path(rec.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", rec.ID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write session %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write session %s: %w", rec.ID, err)
	}
	return nil
}

// Delete implements Backend.Delete
func (d *Disk) Delete(_ context.Context, id string) error {
	path, err := d.path(id)
	if err != nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// Exists implements Backend.Exists
func (d *Disk) Exists(_ context.Context, id string) (bool, error) {
	path, err := d.path(id)
	if err != nil {
		return false, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListIDs implements Backend.ListIDs
func (d *Disk) ListIDs(ctx context.Context) ([]string, error) {
	return d.list(ctx, nil)
}

// ListByLastAccess implements Backend.ListByLastAccess. Only the
// last_accessed field of each file is decoded.
func (d *Disk) ListByLastAccess(ctx context.Context, before time.Time) ([]string, error) {
	return d.list(ctx, func(data []byte) bool {
		return gjson.GetBytes(data, "last_accessed").Time().Before(before)
	})
}

func (d *Disk) list(ctx context.Context, match func(data []byte) bool) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, err := os.ReadDir(d.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, diskExt) {
			continue
		}
		if match != nil {
			data, err := os.ReadFile(filepath.Join(d.baseDir, name))
			if err != nil {
				d.logger.Warn("skipping unreadable session file",
					zap.String("file", name),
					zap.Error(err))
				continue
			}
			if !match(data) {
				continue
			}
		}
		ids = append(ids, strings.TrimSuffix(name, diskExt))
	}
	return ids, nil
}

// Persistent implements Backend.Persistent
func (d *Disk) Persistent() bool { return true }

// Close implements Backend.Close
func (d *Disk) Close() error { return nil }
