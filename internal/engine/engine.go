package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoDashPi/device-client/internal/store"
	"github.com/GoDashPi/device-client/internal/uploader"
)

// Uploader runs upload passes.
type Uploader interface {
	Upload(ctx context.Context, statuses []store.Status) (uploader.Report, error)
	UploadFiles(ctx context.Context, sessionID string, statuses []store.Status) (uploader.Report, error)
	UploadSensors(ctx context.Context, sessionID, sensorType string, statuses []store.Status) (uploader.Report, error)
}

// DirSweeper removes empty session directories.
type DirSweeper interface {
	RemoveEmptyDirs() (int, error)
}

// Stats is a snapshot of the engine loop.
type Stats struct {
	Pending int             `json:"pending"`
	Passes  int             `json:"passes"`
	Totals  uploader.Report `json:"totals"`
}

// Engine consumes upload events one at a time.
type Engine struct {
	uploader Uploader
	sweeper  DirSweeper
	queue    *eventQueue
	log      *slog.Logger

	mu     sync.Mutex
	passes int
	totals uploader.Report
}

// New creates an Engine. sweeper may be nil.
func New(up Uploader, sweeper DirSweeper, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		uploader: up,
		sweeper:  sweeper,
		queue:    newEventQueue(),
		log:      logger,
	}
}

// Enqueue schedules an event. Safe to call from any goroutine.
// Returns false once the engine has stopped.
func (e *Engine) Enqueue(ev Event) bool {
	ok := e.queue.Enqueue(ev)
	if !ok {
		e.log.Debug("engine stopped, event dropped", "event", ev.Type.String(), "session", ev.SessionID)
	}
	return ok
}

// FilesReady schedules an upload pass for the session's pending files.
// Its signature matches watcher.ReadyFunc.
func (e *Engine) FilesReady(sessionID string, _ []store.FileArtifact) {
	e.Enqueue(Event{Type: EventFilesReady, SessionID: sessionID})
}

// SensorThreshold schedules one batch cycle for a session and sensor type.
// Its signature matches sensor.FlushFunc.
func (e *Engine) SensorThreshold(sessionID, sensorType string) {
	e.Enqueue(Event{Type: EventSensorThreshold, SessionID: sessionID, SensorType: sensorType})
}

// RequestUpload schedules a pass over records in statuses (every
// non-terminal status when empty).
func (e *Engine) RequestUpload(statuses []store.Status) bool {
	return e.Enqueue(Event{Type: EventUploadRequested, Statuses: statuses})
}

// Run processes events until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting")

	for {
		event, ok := e.queue.TryDequeue()
		if ok {
			if err := e.processEvent(ctx, event); err != nil {
				e.log.Error("upload pass failed",
					"event", event.Type.String(),
					"session", event.SessionID,
					"sensor", event.SensorType,
					"error", err,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed with the queue.
			if e.queue.Len() == 0 && e.closed() {
				e.log.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue; Run returns once it is drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Upload runs one pass synchronously, outside the queue.
func (e *Engine) Upload(ctx context.Context, statuses []store.Status) (uploader.Report, error) {
	report, err := e.uploader.Upload(ctx, statuses)
	e.finishPass(report)
	return report, err
}

// Stats returns a snapshot of the loop counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Pending: e.queue.Len(), Passes: e.passes, Totals: e.totals}
}

func (e *Engine) closed() bool {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	return e.queue.closed
}

// processEvent routes an event to its pass. Called only from Run.
func (e *Engine) processEvent(ctx context.Context, event Event) error {
	var (
		report uploader.Report
		err    error
	)
	switch event.Type {
	case EventFilesReady:
		report, err = e.uploader.UploadFiles(ctx, event.SessionID, []store.Status{
			store.StatusReadyForUpload, store.StatusFailedToUpload,
		})
	case EventSensorThreshold:
		report, err = e.uploader.UploadSensors(ctx, event.SessionID, event.SensorType, []store.Status{
			store.StatusReadyForUpload,
		})
	case EventUploadRequested:
		report, err = e.uploader.Upload(ctx, event.Statuses)
	default:
		return fmt.Errorf("unknown event type: %d", event.Type)
	}
	e.finishPass(report)
	if err != nil {
		return err
	}
	e.log.Debug("upload pass finished", "event", event.Type.String(), "session", event.SessionID, "report", report.String())
	return nil
}

func (e *Engine) finishPass(report uploader.Report) {
	e.mu.Lock()
	e.passes++
	e.totals.Add(report)
	e.mu.Unlock()

	if e.sweeper == nil || report.Uploaded == 0 {
		return
	}
	if _, err := e.sweeper.RemoveEmptyDirs(); err != nil {
		e.log.Warn("failed to remove empty session directories", "error", err)
	}
}
