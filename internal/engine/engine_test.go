package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoDashPi/device-client/internal/cleanup"
	"github.com/GoDashPi/device-client/internal/sensor"
	"github.com/GoDashPi/device-client/internal/store"
	"github.com/GoDashPi/device-client/internal/testutil"
	"github.com/GoDashPi/device-client/internal/uploader"
)

type call struct {
	kind       string
	sessionID  string
	sensorType string
	statuses   []store.Status
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeUploader) record(c call) (uploader.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return uploader.Report{Uploaded: 1}, f.err
}

func (f *fakeUploader) Upload(ctx context.Context, statuses []store.Status) (uploader.Report, error) {
	return f.record(call{kind: "all", statuses: statuses})
}

func (f *fakeUploader) UploadFiles(ctx context.Context, sessionID string, statuses []store.Status) (uploader.Report, error) {
	return f.record(call{kind: "files", sessionID: sessionID, statuses: statuses})
}

func (f *fakeUploader) UploadSensors(ctx context.Context, sessionID, sensorType string, statuses []store.Status) (uploader.Report, error) {
	return f.record(call{kind: "sensors", sessionID: sessionID, sensorType: sensorType, statuses: statuses})
}

func (f *fakeUploader) get() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func runEngine(t *testing.T, e *Engine) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func TestEngine_RoutesEvents(t *testing.T) {
	up := &fakeUploader{}
	e := New(up, nil, nil)
	cancel, done := runEngine(t, e)

	e.FilesReady("S1", nil)
	e.SensorThreshold("S1", "gps")
	e.RequestUpload([]store.Status{store.StatusFailedToUpload})

	require.Eventually(t, func() bool { return len(up.get()) == 3 }, time.Second, 5*time.Millisecond)
	calls := up.get()
	assert.Equal(t, call{kind: "files", sessionID: "S1",
		statuses: []store.Status{store.StatusReadyForUpload, store.StatusFailedToUpload}}, calls[0])
	assert.Equal(t, call{kind: "sensors", sessionID: "S1", sensorType: "gps",
		statuses: []store.Status{store.StatusReadyForUpload}}, calls[1])
	assert.Equal(t, call{kind: "all", statuses: []store.Status{store.StatusFailedToUpload}}, calls[2])

	require.Eventually(t, func() bool { return e.Stats().Passes == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, e.Stats().Totals.Uploaded)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, e.RequestUpload(nil), "queue closed after stop")
}

func TestEngine_LogsAndContinuesOnError(t *testing.T) {
	up := &fakeUploader{err: errors.New("store unavailable")}
	e := New(up, nil, nil)
	runEngine(t, e)

	e.FilesReady("S1", nil)
	e.FilesReady("S2", nil)

	require.Eventually(t, func() bool { return len(up.get()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestEngine_StopDrainsQueue(t *testing.T) {
	up := &fakeUploader{}
	e := New(up, nil, nil)
	e.FilesReady("S1", nil)
	e.FilesReady("S2", nil)
	e.Stop()

	require.NoError(t, e.Run(context.Background()))
	assert.Len(t, up.get(), 2)
}

func TestEngine_UnknownEvent(t *testing.T) {
	e := New(&fakeUploader{}, nil, nil)
	err := e.processEvent(context.Background(), Event{Type: EventType(99)})
	assert.ErrorContains(t, err, "unknown event type")
}

func TestEngine_SensorThresholdUploadsBatch(t *testing.T) {
	st := testutil.OpenStore(t)
	api := testutil.NewFakeAPI(t)
	root := t.TempDir()
	sw := cleanup.New(st, root)
	orch := uploader.New(st, testutil.NewRemote(t, api, testutil.StaticResolver{}), sw)
	e := New(orch, sw, nil)
	runEngine(t, e)

	ctx := context.Background()
	_, _, err := st.EnsureSession(ctx, "S1")
	require.NoError(t, err)
	buf := sensor.New(st, sensor.DefaultThreshold, e.SensorThreshold, nil)
	for i := 0; i < 10; i++ {
		_, err := buf.Add(ctx, "S1", "gps", map[string]int{"seq": i})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(api.Transfers()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		counts, err := st.CountByStatus(ctx, store.KindSensor, "S1")
		return err == nil && counts[store.StatusUploaded] == 10
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngine_UploadSyncRemovesEmptyDirs(t *testing.T) {
	st := testutil.OpenStore(t)
	api := testutil.NewFakeAPI(t)
	root := t.TempDir()
	sw := cleanup.New(st, root)
	orch := uploader.New(st, testutil.NewRemote(t, api, testutil.StaticResolver{}), sw)
	e := New(orch, sw, nil)

	f := testutil.AddFile(t, st, root, "S1", "000001.h264", store.StatusReadyForUpload)

	report, err := e.Upload(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, uploader.Report{Uploaded: 1}, report)
	assert.Equal(t, store.StatusDeleted, testutil.FileStatus(t, st, f.ID))
	assert.NoDirExists(t, root+"/S1")
	assert.Equal(t, 1, e.Stats().Passes)
}
