// Package storage spools inbound uploads onto the local filesystem so a
// failed workflow run can be replayed against the exact bytes the user sent.
// Spooling is best-effort diagnostics, never part of the request contract.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Spool writes uploads below a fixed root, one directory per day.
type Spool struct {
	basePath string
	now      func() time.Time
}

// NewSpool creates the root directory if needed. An empty basePath is
// rejected; deployments that do not want spooling simply pass no path and
// keep a nil *Spool.
func NewSpool(basePath string) (*Spool, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: spool path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure spool root: %w", err)
	}
	return &Spool{basePath: basePath, now: time.Now}, nil
}

// SaveUpload writes data under a day-partitioned key derived from name and
// returns the key. A nil Spool silently drops the write.
func (s *Spool) SaveUpload(ctx context.Context, name string, data []byte) (string, error) {
	if s == nil {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ts := s.now().UTC()
	key := fmt.Sprintf("uploads/%s/%d-%s", ts.Format("2006-01-02"), ts.UnixNano(), sanitizeName(name))
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure spool dir: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write upload: %w", err)
	}
	return key, nil
}

// sanitizeName strips path separators and traversal fragments from a
// client-supplied filename.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "upload.bin"
	}
	return name
}
