package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a new store backed by a temp-dir database.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession inserts a session or fails the test.
func createTestSession(t *testing.T, s *Store, id string) Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), id)
	if err != nil {
		t.Fatalf("CreateSession(%q) failed: %v", id, err)
	}
	return sess
}

// createTestFile inserts a file artifact in the given status or fails the test.
func createTestFile(t *testing.T, s *Store, sessionID, name string, status Status) FileArtifact {
	t.Helper()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f, _, err := s.CreateFileArtifact(context.Background(), FileArtifact{
		SessionID: sessionID,
		Path:      filepath.Join("/rec", sessionID, name),
		Filename:  name,
		MimeType:  "video/h264",
		CreatedAt: &created,
		Status:    status,
	})
	if err != nil {
		t.Fatalf("CreateFileArtifact(%q) failed: %v", name, err)
	}
	return f
}
