// Package watcher turns chunk files written by the capture process into
// file artifact records. A new chunk appearing in a session directory means
// the capture process rotated output, so every older open chunk of that
// session is finalized.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoDashPi/device-client/internal/chunk"
	"github.com/GoDashPi/device-client/internal/store"
)

// ErrAlreadyWatching is returned by Watch for a session that is already
// being watched.
var ErrAlreadyWatching = errors.New("session already watched")

// ReadyFunc is called after a rotation finalized chunks of a session. It
// runs on the session's watch goroutine and must not call Unwatch.
type ReadyFunc func(sessionID string, finalized []store.FileArtifact)

// Watcher monitors session directories for new chunk files.
type Watcher struct {
	store     *store.Store
	ready     ReadyFunc
	log       *slog.Logger
	birthTime func(path string) (time.Time, error)

	mu       sync.RWMutex
	watchers map[string]*sessionWatcher
}

type sessionWatcher struct {
	sessionID string
	dir       string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
}

// New creates a Watcher. ready may be nil.
func New(st *store.Store, ready ReadyFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		store:     st,
		ready:     ready,
		log:       logger,
		birthTime: chunk.BirthTime,
		watchers:  make(map[string]*sessionWatcher),
	}
}

// Watch starts observing dir for the session. Files already present are
// observed first, in name order, then new files as they are created. The
// session must exist in the store.
func (w *Watcher) Watch(ctx context.Context, sessionID, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watchers[sessionID]; ok {
		return fmt.Errorf("watch %s: %w", sessionID, ErrAlreadyWatching)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", sessionID, err)
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		dir:       dir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.watchers[sessionID] = sw

	go w.watchLoop(ctx, sw)
	w.log.Info("watching session", "session", sessionID, "dir", dir)
	return nil
}

// Unwatch stops watching a session and waits for its loop to exit, so no
// observation happens after it returns. Returns false if the session was
// not watched.
func (w *Watcher) Unwatch(sessionID string) bool {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if !ok {
		return false
	}
	close(sw.cancel)
	sw.fsWatcher.Close()
	<-sw.done
	w.log.Info("stopped watching session", "session", sessionID)
	return true
}

// Active reports whether the session is being watched.
func (w *Watcher) Active(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// Sessions returns the watched session ids, sorted.
func (w *Watcher) Sessions() []string {
	w.mu.RLock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	for _, id := range w.Sessions() {
		w.Unwatch(id)
	}
}

func (w *Watcher) watchLoop(ctx context.Context, sw *sessionWatcher) {
	defer close(sw.done)

	entries, err := os.ReadDir(sw.dir)
	if err != nil {
		w.log.Error("failed to list session directory", "session", sw.sessionID, "error", err)
	}
	for _, entry := range entries {
		select {
		case <-sw.cancel:
			return
		default:
		}
		w.observe(ctx, sw, filepath.Join(sw.dir, entry.Name()))
	}

	for {
		select {
		case <-sw.cancel:
			return
		case <-ctx.Done():
			return
		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				w.observe(ctx, sw, event.Name)
			}
		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "session", sw.sessionID, "error", err)
		}
	}
}

// observe records a chunk seen for the first time and finalizes the
// session's previous open chunk.
func (w *Watcher) observe(ctx context.Context, sw *sessionWatcher, path string) {
	name := filepath.Base(path)
	if chunk.IsHidden(name) {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Warn("failed to stat chunk", "session", sw.sessionID, "path", path, "error", err)
		}
		return
	}
	if info.IsDir() {
		return
	}

	log := w.log.With("session", sw.sessionID, "path", path)

	f := store.FileArtifact{
		SessionID: sw.sessionID,
		Path:      path,
		Filename:  name,
		MimeType:  chunk.MimeType(name),
		Status:    store.StatusRecording,
	}
	if born, err := w.birthTime(path); err == nil {
		f.CreatedAt = &born
	} else {
		log.Debug("birth time unavailable, will backfill at upload", "error", err)
	}

	f, inserted, err := w.store.CreateFileArtifact(ctx, f)
	if err != nil {
		log.Error("failed to record chunk", "error", err)
		return
	}
	if !inserted {
		return
	}
	log.Debug("chunk recording")

	finalized, err := w.store.FinalizeRecording(ctx, sw.sessionID, path)
	if err != nil {
		log.Error("failed to finalize previous chunk", "error", err)
		return
	}
	if len(finalized) == 0 {
		return
	}

	if first := finalized[0]; first.CreatedAt != nil {
		if _, err := w.store.SetRecordingStartedAt(ctx, sw.sessionID, *first.CreatedAt); err != nil {
			log.Error("failed to set recording start", "error", err)
		}
	}
	for _, done := range finalized {
		log.Info("chunk ready for upload", "chunk", done.Filename)
	}
	if w.ready != nil {
		w.ready(sw.sessionID, finalized)
	}
}
