// Package cleanup reclaims disk space once uploads are confirmed.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoDashPi/device-client/internal/store"
)

// Sweeper deletes uploaded payloads and empty session directories.
type Sweeper struct {
	store   *store.Store
	root    string
	protect func(sessionID string) bool
	log     *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithProtect skips directory removal for sessions the predicate reports as
// active (the watcher's open sessions).
func WithProtect(fn func(sessionID string) bool) Option {
	return func(s *Sweeper) { s.protect = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.log = l }
}

// New creates a Sweeper over the recordings root.
func New(st *store.Store, root string, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:   st,
		root:    root,
		protect: func(string) bool { return false },
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result summarizes one sweep.
type Result struct {
	Deleted     int `json:"deleted"`
	Kept        int `json:"kept"`
	DirsRemoved int `json:"dirsRemoved"`
}

// Remove deletes the local payload of an UPLOADED file and marks it
// DELETED. A payload that is already gone counts as deleted. Any other
// removal failure is logged and the record stays UPLOADED for the next
// sweep. Only store errors are returned.
func (s *Sweeper) Remove(ctx context.Context, f store.FileArtifact) (bool, error) {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("failed to delete uploaded file", "session", f.SessionID, "path", f.Path, "error", err)
		return false, nil
	}

	n, err := s.store.CompareAndSetStatus(ctx, store.KindFile, []int64{f.ID},
		[]store.Status{store.StatusUploaded}, store.StatusDeleted)
	if err != nil {
		return false, fmt.Errorf("mark %s deleted: %w", f.Path, err)
	}
	if n == 1 {
		s.log.Debug("file deleted", "session", f.SessionID, "path", f.Path)
	}
	return n == 1, nil
}

// Sweep removes every UPLOADED file, then the empty session directories.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result

	files, err := s.store.FilesByStatus(ctx, []store.Status{store.StatusUploaded}, "")
	if err != nil {
		return res, fmt.Errorf("sweep: %w", err)
	}
	for _, f := range files {
		deleted, err := s.Remove(ctx, f)
		if err != nil {
			return res, fmt.Errorf("sweep: %w", err)
		}
		if deleted {
			res.Deleted++
		} else {
			res.Kept++
		}
	}

	n, err := s.RemoveEmptyDirs()
	res.DirsRemoved = n
	if err != nil {
		return res, fmt.Errorf("sweep: %w", err)
	}
	return res, nil
}

// RemoveEmptyDirs removes session directories under the root that hold no
// entries. Hidden and protected directories are left alone.
func (s *Sweeper) RemoveEmptyDirs() (int, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read recordings root: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || s.protect(name) {
			continue
		}
		dir := filepath.Join(s.root, name)
		children, err := os.ReadDir(dir)
		if err != nil {
			s.log.Warn("failed to read session directory", "path", dir, "error", err)
			continue
		}
		if len(children) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			s.log.Warn("failed to remove empty session directory", "path", dir, "error", err)
			continue
		}
		s.log.Debug("removed empty session directory", "session", name)
		removed++
	}
	return removed, nil
}
