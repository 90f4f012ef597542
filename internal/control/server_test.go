package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoDashPi/device-client/internal/engine"
	"github.com/GoDashPi/device-client/internal/sensor"
	"github.com/GoDashPi/device-client/internal/store"
	"github.com/GoDashPi/device-client/internal/testutil"
)

type fakeUploads struct {
	mu       sync.Mutex
	requests [][]store.Status
	stopped  bool
}

func (f *fakeUploads) RequestUpload(statuses []store.Status) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.requests = append(f.requests, statuses)
	return true
}

func (f *fakeUploads) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeUploads) Stats() engine.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Stats{Passes: len(f.requests)}
}

func (f *fakeUploads) Requests() [][]store.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]store.Status(nil), f.requests...)
}

type fakeSessions []string

func (f fakeSessions) Sessions() []string { return f }

type fixture struct {
	store   *store.Store
	uploads *fakeUploads
	server  *Server
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.OpenStore(t)
	up := &fakeUploads{}
	buf := sensor.New(st, 2, nil, nil)
	srv := New(st, up, buf, fakeSessions{"S1"}, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{store: st, uploads: up, server: srv, http: hs}
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, Reply) {
	t.Helper()
	resp, err := http.Post(f.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var reply Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return resp, reply
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg string) Reply {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	return reply
}

func TestDispatch_Upload(t *testing.T) {
	f := newFixture(t)

	reply := f.server.Dispatch(context.Background(), Request{Type: TypeUpload, Statuses: []string{"ready_for_upload", "FAILED_TO_UPLOAD"}})

	assert.Equal(t, TypeAck, reply.Type)
	assert.Equal(t, TypeUpload, reply.Command)
	require.Len(t, f.uploads.Requests(), 1)
	assert.Equal(t, []store.Status{store.StatusReadyForUpload, store.StatusFailedToUpload}, f.uploads.Requests()[0])
}

func TestDispatch_UploadUnknownStatus(t *testing.T) {
	f := newFixture(t)

	reply := f.server.Dispatch(context.Background(), Request{Type: TypeUpload, Statuses: []string{"SOMETIMES"}})

	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, CodeInvalidMessage, reply.Code)
	assert.Empty(t, f.uploads.Requests())
}

func TestDispatch_UploadAfterStop(t *testing.T) {
	f := newFixture(t)
	f.uploads.stop()

	reply := f.server.Dispatch(context.Background(), Request{Type: TypeUpload})

	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, CodeUnavailable, reply.Code)
}

func TestDispatch_UnknownType(t *testing.T) {
	f := newFixture(t)

	reply := f.server.Dispatch(context.Background(), Request{Type: "reboot"})
	assert.Equal(t, CodeInvalidMessage, reply.Code)
	assert.Equal(t, "reboot", reply.Command)

	reply = f.server.Dispatch(context.Background(), Request{})
	assert.Equal(t, CodeInvalidMessage, reply.Code)
}

func TestDispatch_SensorStoresEveryReading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Type: TypeSensor, Session: "S9", Sensor: "gps", Data: json.RawMessage(`{"lat": 1.5, "lon": 2}`)}

	first := f.server.Dispatch(ctx, req)
	require.Equal(t, TypeAck, first.Type, first.Error)
	assert.NotZero(t, first.ID)

	second := f.server.Dispatch(ctx, req)
	require.Equal(t, TypeAck, second.Type, second.Error)
	assert.NotEqual(t, first.ID, second.ID)

	readings, err := f.store.SensorReadingsByType(ctx, "S9", "gps", []store.Status{store.StatusReadyForUpload})
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.JSONEq(t, `{"lat":1.5,"lon":2}`, readings[0].Payload)
	assert.JSONEq(t, readings[0].Payload, readings[1].Payload)
}

func TestDispatch_SensorValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"missing session", Request{Type: TypeSensor, Sensor: "gps", Data: json.RawMessage(`1`)}},
		{"missing sensor", Request{Type: TypeSensor, Session: "S1", Data: json.RawMessage(`1`)}},
		{"missing data", Request{Type: TypeSensor, Session: "S1", Sensor: "gps"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := f.server.Dispatch(ctx, tt.req)
			assert.Equal(t, TypeError, reply.Type)
			assert.Equal(t, CodeInvalidMessage, reply.Code)
		})
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	testutil.AddFile(t, f.store, root, "S1", "000001.h264", store.StatusReadyForUpload)
	testutil.AddFile(t, f.store, root, "S1", "000002.h264", store.StatusReadyForUpload)
	testutil.AddFile(t, f.store, root, "S1", "000003.h264", store.StatusRecording)

	snap, err := f.server.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Files[store.StatusReadyForUpload])
	assert.Equal(t, 1, snap.Files[store.StatusRecording])
	assert.Empty(t, snap.Sensors)
	assert.Equal(t, []string{"S1"}, snap.Active)
}

func TestREST_Upload(t *testing.T) {
	f := newFixture(t)

	resp, reply := f.post(t, "/upload", `{"statuses":["FAILED_TO_UPLOAD"]}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, TypeAck, reply.Type)

	resp, _ = f.post(t, "/upload", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, reply = f.post(t, "/upload", `{"statuses":["NOPE"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidMessage, reply.Code)

	require.Len(t, f.uploads.Requests(), 2)
	assert.Nil(t, f.uploads.Requests()[1])
}

func TestREST_UploadUnavailable(t *testing.T) {
	f := newFixture(t)
	f.uploads.stop()

	resp, reply := f.post(t, "/upload", "{}")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, CodeUnavailable, reply.Code)
}

func TestREST_Sensor(t *testing.T) {
	f := newFixture(t)
	body := `{"session":"S1","sensor":"accel","data":[0.1,0.2,9.8]}`

	resp, reply := f.post(t, "/sensor", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotZero(t, reply.ID)

	first := reply.ID

	resp, reply = f.post(t, "/sensor", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEqual(t, first, reply.ID)

	resp, _ = f.post(t, "/sensor", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestREST_Status(t *testing.T) {
	f := newFixture(t)
	testutil.AddFile(t, f.store, t.TempDir(), "S1", "000001.h264", store.StatusUploaded)

	resp, err := http.Get(f.http.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var raw bytes.Buffer
	_, err = raw.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, raw.String(), `"UPLOADED":1`)
	assert.Contains(t, raw.String(), `"active":["S1"]`)
}

func TestREST_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/upload")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocket_Commands(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	reply := roundTrip(t, conn, `{"type":"upload","statuses":["READY_FOR_UPLOAD"]}`)
	assert.Equal(t, TypeAck, reply.Type)
	assert.Equal(t, TypeUpload, reply.Command)

	reply = roundTrip(t, conn, `{"type":"sensor","session":"S1","sensor":"gps","data":{"lat":1}}`)
	assert.Equal(t, TypeAck, reply.Type)
	assert.NotZero(t, reply.ID)

	reply = roundTrip(t, conn, `{"type":"status"}`)
	require.Equal(t, TypeStatus, reply.Type)
	require.NotNil(t, reply.Status)
	assert.Equal(t, 1, reply.Status.Sensors[store.StatusReadyForUpload])
	assert.Equal(t, 1, reply.Status.Engine.Passes)

	reply = roundTrip(t, conn, `{oops`)
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, CodeInvalidMessage, reply.Code)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.server.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}
