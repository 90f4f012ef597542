package uploader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/GoDashPi/device-client/internal/chunk"
	"github.com/GoDashPi/device-client/internal/remote"
	"github.com/GoDashPi/device-client/internal/store"
)

// timestampLayout is ISO-8601 in UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// DefaultMaxConcurrent bounds in-flight records per pass.
const DefaultMaxConcurrent = 4

// claimable are the statuses a pass may claim for upload.
var claimable = []store.Status{
	store.StatusRecording,
	store.StatusReadyForUpload,
	store.StatusFailedToUpload,
}

// Remote is the subset of the API client the orchestrator needs.
type Remote interface {
	Reachable(ctx context.Context) error
	Register(ctx context.Context, reg remote.Registration) (string, error)
	Put(ctx context.Context, target, contentType string, body []byte) error
}

// Remover deletes the local payload of an uploaded file.
type Remover interface {
	Remove(ctx context.Context, f store.FileArtifact) (bool, error)
}

// Orchestrator runs upload passes. Safe for concurrent use: concurrent
// passes over the same records are arbitrated by the store claim.
type Orchestrator struct {
	store         *store.Store
	remote        Remote
	cleanup       Remover
	maxConcurrent int
	active        func(sessionID string) bool
	birthTime     func(path string) (time.Time, error)
	log           *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxConcurrent bounds the number of records processed at once.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithActiveSessions excludes the open RECORDING chunk of sessions still
// being captured from query-driven passes.
func WithActiveSessions(fn func(sessionID string) bool) Option {
	return func(o *Orchestrator) { o.active = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New creates an Orchestrator.
func New(st *store.Store, rc Remote, cleanup Remover, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         st,
		remote:        rc,
		cleanup:       cleanup,
		maxConcurrent: DefaultMaxConcurrent,
		active:        func(string) bool { return false },
		birthTime:     chunk.BirthTime,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Upload runs one pass over every file and sensor reading whose status is
// in statuses. An empty list means every non-terminal status.
func (o *Orchestrator) Upload(ctx context.Context, statuses []store.Status) (Report, error) {
	var report Report

	files, err := o.UploadFiles(ctx, "", statuses)
	report.Add(files)
	if err != nil {
		return report, err
	}
	sensors, err := o.UploadSensors(ctx, "", "", statuses)
	report.Add(sensors)
	return report, err
}

// UploadFiles runs a pass over the files of one session (all sessions when
// sessionID is empty) whose status is in statuses.
func (o *Orchestrator) UploadFiles(ctx context.Context, sessionID string, statuses []store.Status) (Report, error) {
	if len(statuses) == 0 {
		statuses = store.NonTerminal
	}
	files, err := o.store.FilesByStatus(ctx, statuses, sessionID)
	if err != nil {
		return Report{}, fmt.Errorf("query files: %w", err)
	}

	pending := files[:0]
	for _, f := range files {
		if f.Status == store.StatusRecording && o.active(f.SessionID) {
			continue
		}
		pending = append(pending, f)
	}
	return o.ProcessFiles(ctx, pending), nil
}

// UploadSensors runs a pass over sensor readings, optionally restricted to
// one session and one sensor type.
func (o *Orchestrator) UploadSensors(ctx context.Context, sessionID, sensorType string, statuses []store.Status) (Report, error) {
	if len(statuses) == 0 {
		statuses = store.NonTerminal
	}
	var (
		readings []store.SensorReading
		err      error
	)
	if sensorType != "" {
		readings, err = o.store.SensorReadingsByType(ctx, sessionID, sensorType, statuses)
	} else {
		readings, err = o.store.SensorReadingsByStatus(ctx, statuses, sessionID)
	}
	if err != nil {
		return Report{}, fmt.Errorf("query sensor readings: %w", err)
	}
	return o.ProcessSensorReadings(ctx, readings), nil
}

// ProcessFiles drives each file through the pipeline, concurrently.
func (o *Orchestrator) ProcessFiles(ctx context.Context, files []store.FileArtifact) Report {
	outcomes := make([]Outcome, len(files))
	o.forEach(len(files), func(i int) {
		f := files[i]
		outcome, err := o.processFile(ctx, f)
		if err != nil {
			o.log.Error("file upload aborted", "session", f.SessionID, "path", f.Path, "error", err)
		}
		outcomes[i] = outcome
	})
	return tally(outcomes)
}

// ProcessSensorReadings groups readings into batches of contiguous
// same-session, same-type, same-status runs and uploads each batch.
func (o *Orchestrator) ProcessSensorReadings(ctx context.Context, readings []store.SensorReading) Report {
	batches := groupBatches(readings)
	outcomes := make([]Outcome, len(batches))
	o.forEach(len(batches), func(i int) {
		b := batches[i]
		outcome, err := o.processBatch(ctx, b)
		if err != nil {
			o.log.Error("sensor upload aborted", "session", b.sessionID, "sensor", b.sensorType, "error", err)
		}
		outcomes[i] = outcome
	})
	return tally(outcomes)
}

func (o *Orchestrator) processFile(ctx context.Context, f store.FileArtifact) (Outcome, error) {
	log := o.log.With("session", f.SessionID, "path", f.Path)

	if _, err := os.Stat(f.Path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return OutcomeError, fmt.Errorf("stat: %w", err)
		}
		n, err := o.store.UpdateStatus(ctx, store.KindFile, []int64{f.ID}, store.StatusFileNotExists)
		if err != nil {
			return OutcomeError, err
		}
		if n == 0 {
			return OutcomeSkipped, nil
		}
		log.Warn("file to upload no longer exists")
		return OutcomeMissing, nil
	}

	if err := o.remote.Reachable(ctx); err != nil {
		return o.offline(ctx, store.KindFile, []int64{f.ID}, log, err)
	}

	n, err := o.store.CompareAndSetStatus(ctx, store.KindFile, []int64{f.ID}, claimable, store.StatusUploading)
	if err != nil {
		return OutcomeError, err
	}
	if n == 0 {
		log.Debug("file already claimed")
		return OutcomeSkipped, nil
	}

	// Past the claim the transfer runs to completion even if the pass is
	// cancelled, so the record never stays UPLOADING because of shutdown.
	ctx = context.WithoutCancel(ctx)

	if err := o.transferFile(ctx, f); err != nil {
		log.Warn("file upload failed", "error", err)
		return o.fail(ctx, store.KindFile, []int64{f.ID})
	}

	n, err = o.store.CompareAndSetStatus(ctx, store.KindFile, []int64{f.ID},
		[]store.Status{store.StatusUploading}, store.StatusUploaded)
	if err != nil {
		return OutcomeError, err
	}
	if n == 0 {
		// Released by someone else mid-transfer; the new owner finishes it.
		log.Warn("file claim lost before completion")
		return OutcomeSkipped, nil
	}
	log.Info("file uploaded")

	f.Status = store.StatusUploaded
	if _, err := o.cleanup.Remove(ctx, f); err != nil {
		log.Error("cleanup after upload failed", "error", err)
	}
	return OutcomeUploaded, nil
}

func (o *Orchestrator) transferFile(ctx context.Context, f store.FileArtifact) error {
	created, err := o.ensureCreatedAt(ctx, f)
	if err != nil {
		return err
	}
	offset, err := o.offset(ctx, f.SessionID, created, true)
	if err != nil {
		return err
	}

	target, err := o.remote.Register(ctx, remote.Registration{
		Key:       remoteKey(f.SessionID, f.Filename),
		Session:   f.SessionID,
		Timestamp: created.UTC().Format(timestampLayout),
		Time:      offset,
	})
	if err != nil {
		return err
	}

	body, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	contentType := f.MimeType
	if contentType == "" {
		contentType = chunk.MimeType(f.Filename)
	}
	return o.remote.Put(ctx, target, contentType, body)
}

// ensureCreatedAt backfills a birth time missed at creation.
func (o *Orchestrator) ensureCreatedAt(ctx context.Context, f store.FileArtifact) (time.Time, error) {
	if f.CreatedAt != nil {
		return *f.CreatedAt, nil
	}
	created, err := o.birthTime(f.Path)
	if err != nil {
		return time.Time{}, fmt.Errorf("backfill created_at: %w", err)
	}
	if err := o.store.SetFileCreatedAt(ctx, f.ID, created); err != nil {
		return time.Time{}, err
	}
	return created, nil
}

// offset returns at relative to the session's recording anchor in
// milliseconds. With anchor set, a session without an anchor takes at as
// its anchor (set-once, so concurrent uploads agree on the winner).
func (o *Orchestrator) offset(ctx context.Context, sessionID string, at time.Time, anchor bool) (int64, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.RecordingStartedAt == nil {
		if !anchor {
			return 0, nil
		}
		if _, err := o.store.SetRecordingStartedAt(ctx, sessionID, at); err != nil {
			return 0, err
		}
		if sess, err = o.store.GetSession(ctx, sessionID); err != nil {
			return 0, err
		}
	}
	return at.Sub(*sess.RecordingStartedAt).Milliseconds(), nil
}

// offline reverts retryable records to READY_FOR_UPLOAD. Connectivity loss
// is expected backpressure and is not logged as a failure.
func (o *Orchestrator) offline(ctx context.Context, kind store.Kind, ids []int64, log *slog.Logger, cause error) (Outcome, error) {
	log.Debug("remote unreachable, upload deferred", "error", cause)
	_, err := o.store.CompareAndSetStatus(ctx, kind, ids,
		[]store.Status{store.StatusRecording, store.StatusFailedToUpload}, store.StatusReadyForUpload)
	if err != nil {
		return OutcomeError, err
	}
	return OutcomeOffline, nil
}

func (o *Orchestrator) fail(ctx context.Context, kind store.Kind, ids []int64) (Outcome, error) {
	n, err := o.store.CompareAndSetStatus(ctx, kind, ids,
		[]store.Status{store.StatusUploading}, store.StatusFailedToUpload)
	if err != nil {
		return OutcomeError, err
	}
	if n == 0 {
		return OutcomeSkipped, nil
	}
	return OutcomeFailed, nil
}

// forEach runs fn(0..n-1) with at most maxConcurrent in flight.
func (o *Orchestrator) forEach(n int, fn func(i int)) {
	sem := make(chan struct{}, o.maxConcurrent)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			fn(i)
		}(i)
	}
	wg.Wait()
}

func tally(outcomes []Outcome) Report {
	var r Report
	for _, o := range outcomes {
		r.record(o)
	}
	return r
}

// remoteKey is the object key for a chunk: "<session>/<filename>" in NFC so
// the same name always maps to the same key.
func remoteKey(sessionID, filename string) string {
	return norm.NFC.String(sessionID + "/" + filename)
}
