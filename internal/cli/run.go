package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/GoDashPi/device-client/internal/control"
	"github.com/GoDashPi/device-client/internal/engine"
	"github.com/GoDashPi/device-client/internal/sensor"
	"github.com/GoDashPi/device-client/internal/store"
	"github.com/GoDashPi/device-client/internal/uploader"
	"github.com/GoDashPi/device-client/internal/watcher"
)

// finalStatuses are uploaded when the agent stops: the open chunk is
// treated as finished.
var finalStatuses = []store.Status{
	store.StatusRecording,
	store.StatusReadyForUpload,
	store.StatusFailedToUpload,
}

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Session string
}

// RunResult is printed when the agent stops.
type RunResult struct {
	Session string          `json:"session"`
	Final   uploader.Report `json:"final"`
	Totals  uploader.Report `json:"totals"`
}

func (r RunResult) String() string {
	return fmt.Sprintf("Session %s stopped. Final pass: %s", r.Session, r.Final)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Record a session and upload its chunks as they finish",
		Long: `Start the device agent. It first reconciles what earlier runs left
behind, then watches the session directory under the recordings root,
uploads each chunk once the next one appears and batches sensor readings
received on the control endpoint.

On SIGINT or SIGTERM it stops watching and uploads everything still
pending, including the chunk that was being written.

Example:
  dashpi run
  dashpi run --session 3f0c... --config /etc/dashpi.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "resume this session instead of starting a new one")

	return cmd
}

func runAgent(opts *RunOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	// The watcher is built after the orchestrator that consults it.
	var w *watcher.Watcher
	active := func(sessionID string) bool { return w != nil && w.Active(sessionID) }

	a, err := openApp(opts.RootOptions, out, logger, active)
	if err != nil {
		return err
	}
	defer a.Close()

	eng := engine.New(a.uploader, a.sweeper, logger)
	buf := sensor.New(a.store, a.cfg.Sensor.BatchSize, eng.SensorThreshold, logger)
	w = watcher.New(a.store, eng.FilesReady, logger)

	// Setup signal handling for graceful shutdown.
	// Use command's context if available (for testing), otherwise create one.
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// A failed reconciliation must not keep the device from recording.
	if _, err := a.reconciler().Run(ctx); err != nil {
		logger.Error("reconciliation failed", "error", err)
	}

	sessionID, dir, err := openSession(ctx, a, opts.Session)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to open session", err)
	}
	if err := w.Watch(ctx, sessionID, dir); err != nil {
		return out.Fail(ExitCommandError, CodeStore, "failed to watch session", err)
	}
	defer w.Shutdown()

	controlDone := make(chan error, 1)
	if addr := a.cfg.Control.Listen; addr != "" {
		srv := control.New(a.store, eng, buf, w, logger)
		go func() { controlDone <- srv.ListenAndServe(ctx, addr) }()
	} else {
		controlDone <- nil
	}

	out.VerboseLog("Recording session %s into %s", sessionID, dir)
	logger.Info("agent started", "session", sessionID, "dir", dir, "env", a.cfg.Environment)

	runErr := eng.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("engine stopped with error", "error", runErr)
	}
	cancel()

	// Shutdown: no observation may race the final pass.
	w.Unwatch(sessionID)
	buf.Reset(sessionID)
	if err := <-controlDone; err != nil {
		logger.Error("control endpoint failed", "error", err)
	}

	final, err := eng.Upload(context.Background(), finalStatuses)
	if err != nil {
		return out.Fail(ExitFailure, CodeUpload, "final upload pass failed", err)
	}
	if _, err := a.sweeper.RemoveEmptyDirs(); err != nil {
		logger.Warn("failed to remove empty session directories", "error", err)
	}
	logger.Info("agent stopped", "session", sessionID, "final", final.String())

	return out.Success(RunResult{Session: sessionID, Final: final, Totals: eng.Stats().Totals})
}

// openSession creates a new session, or resumes sessionID, and makes sure
// its directory exists under the recordings root.
func openSession(ctx context.Context, a *app, sessionID string) (string, string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if _, created, err := a.store.EnsureSession(ctx, sessionID); err != nil {
		return "", "", err
	} else if !created {
		a.log.Info("resuming session", "session", sessionID)
	}

	dir := filepath.Join(a.cfg.Paths.Recordings, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create session dir: %w", err)
	}
	return sessionID, dir, nil
}

// commandContext returns the command's context, or Background when the
// command runs outside ExecuteContext.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
