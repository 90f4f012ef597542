package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoDashPi/device-client/internal/store"
	"github.com/GoDashPi/device-client/internal/testutil"
)

const waitFor = 3 * time.Second

type readyRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *readyRecorder) ready(sessionID string, finalized []store.FileArtifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range finalized {
		r.names = append(r.names, f.Filename)
	}
}

func (r *readyRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func setup(t *testing.T) (*Watcher, *store.Store, *readyRecorder, string) {
	t.Helper()
	st := testutil.OpenStore(t)
	_, _, err := st.EnsureSession(context.Background(), "S1")
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "S1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	rec := &readyRecorder{}
	w := New(st, rec.ready, nil)
	t.Cleanup(w.Shutdown)
	return w, st, rec, dir
}

func recording(t *testing.T, st *store.Store) []store.FileArtifact {
	t.Helper()
	files, err := st.FilesByStatus(context.Background(), []store.Status{store.StatusRecording}, "S1")
	require.NoError(t, err)
	return files
}

func TestWatch_RotationFinalizesPreviousChunk(t *testing.T) {
	w, st, rec, dir := setup(t)
	require.NoError(t, w.Watch(context.Background(), "S1", dir))
	assert.True(t, w.Active("S1"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001.h264"), []byte("a"), 0o644))
	require.Eventually(t, func() bool { return len(recording(t, st)) == 1 }, waitFor, 10*time.Millisecond)
	assert.Empty(t, rec.get())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "000002.h264"), []byte("b"), 0o644))
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"000001.h264"}, rec.get())

	open := recording(t, st)
	require.Len(t, open, 1, "exactly one open chunk")
	assert.Equal(t, "000002.h264", open[0].Filename)
	assert.Equal(t, "video/h264", open[0].MimeType)
	assert.NotNil(t, open[0].CreatedAt)

	first, err := st.FileByPath(context.Background(), filepath.Join(dir, "000001.h264"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusReadyForUpload, first.Status)

	sess, err := st.GetSession(context.Background(), "S1")
	require.NoError(t, err)
	require.NotNil(t, sess.RecordingStartedAt)
	assert.True(t, first.CreatedAt.Equal(*sess.RecordingStartedAt))
}

func TestWatch_ExistingFilesObservedInOrder(t *testing.T) {
	w, st, rec, dir := setup(t)
	for _, name := range []string{"000002.mp4", "000001.mp4", "000003.mp4", ".hidden"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	require.NoError(t, w.Watch(context.Background(), "S1", dir))
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"000001.mp4", "000002.mp4"}, rec.get())

	open := recording(t, st)
	require.Len(t, open, 1)
	assert.Equal(t, "000003.mp4", open[0].Filename)

	_, err := st.FileByPath(context.Background(), filepath.Join(dir, ".hidden"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWatch_Twice(t *testing.T) {
	w, _, _, dir := setup(t)
	require.NoError(t, w.Watch(context.Background(), "S1", dir))
	assert.ErrorIs(t, w.Watch(context.Background(), "S1", dir), ErrAlreadyWatching)
}

func TestWatch_MissingDirectory(t *testing.T) {
	w, _, _, dir := setup(t)
	assert.Error(t, w.Watch(context.Background(), "S1", filepath.Join(dir, "absent")))
	assert.False(t, w.Active("S1"))
}

func TestUnwatch_StopsObserving(t *testing.T) {
	w, st, _, dir := setup(t)
	require.NoError(t, w.Watch(context.Background(), "S1", dir))
	assert.Equal(t, []string{"S1"}, w.Sessions())

	assert.True(t, w.Unwatch("S1"))
	assert.False(t, w.Unwatch("S1"))
	assert.False(t, w.Active("S1"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001.h264"), []byte("a"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, recording(t, st))
}

func TestObserve_IgnoresKnownPath(t *testing.T) {
	w, st, rec, dir := setup(t)
	sw := &sessionWatcher{sessionID: "S1", dir: dir}
	first := filepath.Join(dir, "000001.h264")
	second := filepath.Join(dir, "000002.h264")
	require.NoError(t, os.WriteFile(first, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("b"), 0o644))

	ctx := context.Background()
	w.observe(ctx, sw, first)
	w.observe(ctx, sw, second)
	// A late duplicate event for the older chunk must not finalize the open one.
	w.observe(ctx, sw, first)

	open := recording(t, st)
	require.Len(t, open, 1)
	assert.Equal(t, "000002.h264", open[0].Filename)
	assert.Equal(t, []string{"000001.h264"}, rec.get())
}

func TestObserve_BirthTimeFailureLeavesCreatedAtEmpty(t *testing.T) {
	w, st, _, dir := setup(t)
	w.birthTime = func(string) (time.Time, error) { return time.Time{}, os.ErrPermission }
	path := filepath.Join(dir, "000001.h264")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	w.observe(context.Background(), &sessionWatcher{sessionID: "S1", dir: dir}, path)

	f, err := st.FileByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Nil(t, f.CreatedAt)
}
