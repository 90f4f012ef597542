package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoDashPi/device-client/internal/remote"
)

// Transfer is one PUT received by the fake API.
type Transfer struct {
	Path        string
	ContentType string
	Body        []byte
}

// FakeAPI is an in-process stand-in for the cloud ingest API. It answers
// register-chunk with an upload url on itself and records every PUT.
type FakeAPI struct {
	Server *httptest.Server

	mu             sync.Mutex
	registerStatus int
	putStatus      int
	onPut          func()
	registrations  []remote.Registration
	rawBodies      [][]byte
	transfers      []Transfer
}

// NewFakeAPI starts a fake API that accepts everything. Closed at cleanup.
func NewFakeAPI(t *testing.T) *FakeAPI {
	t.Helper()
	api := &FakeAPI{registerStatus: http.StatusOK, putStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register-chunk", api.handleRegister)
	mux.HandleFunc("PUT /upload/", api.handlePut)
	api.Server = httptest.NewServer(mux)
	t.Cleanup(api.Server.Close)
	return api
}

// URL returns the API base url.
func (a *FakeAPI) URL() string {
	return a.Server.URL
}

// SetRegisterStatus makes register-chunk answer with status.
func (a *FakeAPI) SetRegisterStatus(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registerStatus = status
}

// SetPutStatus makes upload PUTs answer with status.
func (a *FakeAPI) SetPutStatus(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.putStatus = status
}

// OnPut runs fn inside every upload PUT, after the body is received and
// before the response is written.
func (a *FakeAPI) OnPut(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPut = fn
}

// Registrations returns the decoded register-chunk bodies in arrival order.
func (a *FakeAPI) Registrations() []remote.Registration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]remote.Registration(nil), a.registrations...)
}

// RawRegistrations returns the register-chunk bodies as sent.
func (a *FakeAPI) RawRegistrations() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.rawBodies...)
}

// Transfers returns the PUTs received, in arrival order.
func (a *FakeAPI) Transfers() []Transfer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Transfer(nil), a.transfers...)
}

func (a *FakeAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var reg remote.Registration
	if err := json.Unmarshal(body, &reg); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	a.registrations = append(a.registrations, reg)
	a.rawBodies = append(a.rawBodies, body)
	status := a.registerStatus
	n := len(a.registrations)
	a.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"url": fmt.Sprintf("%s/upload/%d/%s", a.Server.URL, n, strings.ReplaceAll(reg.Key, "/", "_")),
	})
}

func (a *FakeAPI) handlePut(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	a.mu.Lock()
	a.transfers = append(a.transfers, Transfer{
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	status := a.putStatus
	onPut := a.onPut
	a.mu.Unlock()

	if onPut != nil {
		onPut()
	}
	w.WriteHeader(status)
}

// StaticResolver answers every lookup the same way. A non-nil Err makes
// the remote client report offline.
type StaticResolver struct {
	Err error
}

// LookupHost implements remote.Resolver.
func (r StaticResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return []string{"127.0.0.1"}, nil
}

// Offline is a resolver that never resolves.
var Offline = StaticResolver{Err: errors.New("no such host")}

// NewRemote returns a remote client for api using resolver for probes.
func NewRemote(t *testing.T, api *FakeAPI, resolver remote.Resolver) *remote.Client {
	t.Helper()
	c, err := remote.New(remote.Options{
		BaseURL:       api.URL(),
		APIKey:        "test-key",
		Timeout:       5 * time.Second,
		ProbeTimeout:  100 * time.Millisecond,
		ProbeAttempts: 1,
		Resolver:      resolver,
	})
	require.NoError(t, err)
	return c
}
