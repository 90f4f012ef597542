package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/GoDashPi/device-client/internal/cleanup"
	"github.com/GoDashPi/device-client/internal/config"
	"github.com/GoDashPi/device-client/internal/reconcile"
	"github.com/GoDashPi/device-client/internal/remote"
	"github.com/GoDashPi/device-client/internal/store"
	"github.com/GoDashPi/device-client/internal/uploader"
)

// app holds the components every command shares.
type app struct {
	cfg      config.Config
	store    *store.Store
	lock     *store.Lock
	remote   *remote.Client
	sweeper  *cleanup.Sweeper
	uploader *uploader.Orchestrator
	log      *slog.Logger
}

// openApp loads the configuration and builds the store, remote client,
// sweeper and orchestrator. active reports sessions still being recorded;
// it may be nil. Errors are returned as ExitErrors already reported on out.
func openApp(opts *RootOptions, out *OutputFormatter, logger *slog.Logger, active func(string) bool) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	// Watcher and reconciler must record identical paths for the same chunk.
	if cfg.Paths.Recordings, err = filepath.Abs(cfg.Paths.Recordings); err != nil {
		return nil, out.Fail(ExitCommandError, CodeConfig, "invalid recordings path", err)
	}
	if active == nil {
		active = func(string) bool { return false }
	}

	// One process per database; releasing claims at startup assumes no
	// other pass is running.
	lock, err := store.AcquireLock(cfg.Paths.Database)
	if errors.Is(err, store.ErrLocked) {
		return nil, out.Fail(ExitCommandError, CodeStore, "database in use by another dashpi process", err)
	}
	if err != nil {
		return nil, out.Fail(ExitCommandError, CodeStore, "failed to lock database", err)
	}

	logger.Debug("opening database", "path", cfg.Paths.Database)
	st, err := store.Open(cfg.Paths.Database)
	if err != nil {
		lock.Release()
		return nil, out.Fail(ExitCommandError, CodeStore, "failed to open database", err)
	}

	rc, err := remote.New(remote.Options{
		BaseURL:       cfg.API.BaseURL,
		APIKey:        cfg.API.Key,
		Timeout:       cfg.API.Timeout,
		ProbeTimeout:  cfg.Upload.ProbeTimeout,
		ProbeAttempts: cfg.Upload.ProbeAttempts,
		Resolver:      opts.Resolver,
	})
	if err != nil {
		st.Close()
		lock.Release()
		return nil, out.Fail(ExitCommandError, CodeRemote, "invalid api configuration", err)
	}

	sw := cleanup.New(st, cfg.Paths.Recordings,
		cleanup.WithProtect(active),
		cleanup.WithLogger(logger),
	)
	up := uploader.New(st, rc, sw,
		uploader.WithMaxConcurrent(cfg.Upload.MaxConcurrent),
		uploader.WithActiveSessions(active),
		uploader.WithLogger(logger),
	)

	return &app{
		cfg:      cfg,
		store:    st,
		lock:     lock,
		remote:   rc,
		sweeper:  sw,
		uploader: up,
		log:      logger,
	}, nil
}

func (a *app) reconciler() *reconcile.Reconciler {
	return reconcile.New(a.store, a.cfg.Paths.Recordings, a.uploader, a.sweeper, a.log)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("error closing database", "error", err)
	}
	if err := a.lock.Release(); err != nil {
		a.log.Error("error releasing database lock", "error", err)
	}
}

// reportExit maps a pass report to an exit error: failed or erroring
// records make the command exit with ExitFailure.
func reportExit(report uploader.Report) error {
	if report.Failed > 0 || report.Errors > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("upload pass incomplete: %s", report))
	}
	return nil
}
