// Package reconcile recovers artifacts left behind by a previous run. It
// runs once at startup, before the watcher or the engine start.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/GoDashPi/device-client/internal/chunk"
	"github.com/GoDashPi/device-client/internal/cleanup"
	"github.com/GoDashPi/device-client/internal/store"
	"github.com/GoDashPi/device-client/internal/uploader"
)

// Uploader runs an upload pass over records in the given statuses.
type Uploader interface {
	Upload(ctx context.Context, statuses []store.Status) (uploader.Report, error)
}

// Sweeper finishes cleanups of uploaded files.
type Sweeper interface {
	Sweep(ctx context.Context) (cleanup.Result, error)
	RemoveEmptyDirs() (int, error)
}

// Result summarizes one reconciliation run.
type Result struct {
	Discovered  int             `json:"discovered"`
	Sessions    int             `json:"sessions"`
	Released    int             `json:"released"`
	Cleaned     int             `json:"cleaned"`
	DirsRemoved int             `json:"dirsRemoved"`
	Uploads     uploader.Report `json:"uploads"`
}

// Reconciler performs the startup sweep.
type Reconciler struct {
	store     *store.Store
	root      string
	uploader  Uploader
	sweeper   Sweeper
	birthTime func(path string) (time.Time, error)
	log       *slog.Logger
}

// New creates a Reconciler over the recordings root.
func New(st *store.Store, root string, up Uploader, sw Sweeper, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     st,
		root:      root,
		uploader:  up,
		sweeper:   sw,
		birthTime: chunk.BirthTime,
		log:       logger,
	}
}

// Run records chunk files unknown to the store, releases claims held by a
// dead process, finishes interrupted cleanups and then drives every
// non-terminal record through one upload pass. RECORDING files are treated
// as finished chunks.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	var res Result

	discovered, sessions, err := r.Discover(ctx)
	res.Discovered, res.Sessions = discovered, sessions
	if err != nil {
		return res, err
	}

	for _, kind := range []store.Kind{store.KindFile, store.KindSensor} {
		n, err := r.store.ReleaseClaims(ctx, kind)
		res.Released += n
		if err != nil {
			return res, fmt.Errorf("release %s claims: %w", kind, err)
		}
	}

	swept, err := r.sweeper.Sweep(ctx)
	res.Cleaned = swept.Deleted
	res.DirsRemoved = swept.DirsRemoved
	if err != nil {
		return res, fmt.Errorf("finish cleanups: %w", err)
	}

	res.Uploads, err = r.uploader.Upload(ctx, store.NonTerminal)
	if err != nil {
		return res, fmt.Errorf("upload pending: %w", err)
	}

	n, err := r.sweeper.RemoveEmptyDirs()
	res.DirsRemoved += n
	if err != nil {
		return res, err
	}

	r.log.Info("reconciliation finished",
		"discovered", res.Discovered,
		"released", res.Released,
		"cleaned", res.Cleaned,
		"uploads", res.Uploads.String(),
	)
	return res, nil
}

// Discover walks the session directories under the root and records every
// file the store does not know as READY_FOR_UPLOAD. Each non-hidden
// subdirectory with at least one file is a session; unknown sessions are
// created. Returns the number of new files and of new sessions.
func (r *Reconciler) Discover(ctx context.Context) (int, int, error) {
	entries, err := os.ReadDir(r.root)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read recordings root: %w", err)
	}

	var discovered, sessions int
	for _, entry := range entries {
		if !entry.IsDir() || chunk.IsHidden(entry.Name()) {
			continue
		}
		n, created, err := r.discoverSession(ctx, entry.Name())
		discovered += n
		if created {
			sessions++
		}
		if err != nil {
			return discovered, sessions, err
		}
	}
	return discovered, sessions, nil
}

func (r *Reconciler) discoverSession(ctx context.Context, sessionID string) (int, bool, error) {
	dir := filepath.Join(r.root, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		r.log.Warn("failed to read session directory", "session", sessionID, "error", err)
		return 0, false, nil
	}

	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && !chunk.IsHidden(entry.Name()) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	if len(paths) == 0 {
		return 0, false, nil
	}

	_, created, err := r.store.EnsureSession(ctx, sessionID)
	if err != nil {
		return 0, false, err
	}
	if created {
		r.log.Info("discovered unknown session", "session", sessionID)
	}

	discovered := 0
	for _, path := range paths {
		name := filepath.Base(path)
		f := store.FileArtifact{
			SessionID: sessionID,
			Path:      path,
			Filename:  name,
			MimeType:  chunk.MimeType(name),
			Status:    store.StatusReadyForUpload,
		}
		if born, err := r.birthTime(path); err == nil {
			f.CreatedAt = &born
		}
		_, inserted, err := r.store.CreateFileArtifact(ctx, f)
		if err != nil {
			return discovered, created, err
		}
		if inserted {
			r.log.Info("discovered orphan chunk", "session", sessionID, "path", path)
			discovered++
		}
	}
	return discovered, created, nil
}
