package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoDashPi/device-client/internal/store"
)

// ChunkTime is the birth time recorded for files created by AddFile.
var ChunkTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// OpenStore opens a store in a temp directory, closed at test cleanup.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "dashpi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// WriteChunk writes a chunk file under root/sessionID and returns its path.
// The payload is the file name, which keeps uploads easy to assert on.
func WriteChunk(t *testing.T, root, sessionID, name string) string {
	t.Helper()
	dir := filepath.Join(root, sessionID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	return path
}

// AddFile writes a chunk on disk and records it in st with the given status.
// The session is created if needed.
func AddFile(t *testing.T, st *store.Store, root, sessionID, name string, status store.Status) store.FileArtifact {
	t.Helper()
	ctx := context.Background()
	_, _, err := st.EnsureSession(ctx, sessionID)
	require.NoError(t, err)

	created := ChunkTime
	f, _, err := st.CreateFileArtifact(ctx, store.FileArtifact{
		SessionID: sessionID,
		Path:      WriteChunk(t, root, sessionID, name),
		Filename:  name,
		MimeType:  "video/h264",
		CreatedAt: &created,
		Status:    status,
	})
	require.NoError(t, err)
	return f
}

// FileStatus returns the stored status of a file, failing the test on error.
func FileStatus(t *testing.T, st *store.Store, id int64) store.Status {
	t.Helper()
	f, err := st.FileByID(context.Background(), id)
	require.NoError(t, err)
	return f.Status
}
