// Package app wires the outbox, connectivity monitor, dispatcher and control
// plane into one process-wide context.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/connectivity"
	"github.com/herdsync/herdsync/internal/controlplane"
	"github.com/herdsync/herdsync/internal/dispatch"
	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/herdsync/herdsync/internal/remote"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App owns every long-lived component. It is built once at startup and
// passed down explicitly.
type App struct {
	Config       *config.Config
	DataDir      *DataDir
	Queue        *outbox.Queue
	Remote       *remote.Client
	Monitor      *connectivity.Monitor
	Dispatcher   *dispatch.Dispatcher
	ControlPlane *controlplane.Server

	opened bool
}

type Options struct {
	// WithoutControlPlane builds a headless app for one-shot CLI commands.
	WithoutControlPlane bool
}

func New(cfg *config.Config, opts *Options) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}

	client, err := remote.New(&remote.Config{BaseURL: cfg.ServerURL})
	if err != nil {
		return nil, err
	}

	monitor := connectivity.NewMonitor(connectivity.Options{
		// optimistic until the first probe says otherwise
		InitialOnline: true,
		SettleWindow:  cfg.SettleWindow,
		Prober:        client,
		ProbeInterval: cfg.ProbeInterval,
	})

	queue := outbox.NewQueue(cfg.OutboxPath())
	dispatcher := dispatch.New(queue, client, monitor, &dispatch.Options{
		ReplayTimeout: cfg.ReplayTimeout,
		MaxRetries:    cfg.MaxRetries,
		BaseBackoff:   cfg.BaseBackoff,
		MaxBackoff:    cfg.MaxBackoff,
	})

	a := &App{
		Config:     cfg,
		DataDir:    NewDataDir(cfg),
		Queue:      queue,
		Remote:     client,
		Monitor:    monitor,
		Dispatcher: dispatcher,
	}

	if !opts.WithoutControlPlane {
		handler := controlplane.NewHandler(dispatcher, queue, monitor)
		a.ControlPlane = controlplane.New(&controlplane.Config{
			Addr:      cfg.HTTPAddr,
			AuthToken: cfg.HTTPToken,
		}, handler)
	}

	return a, nil
}

// Open locks the data directory and opens the outbox.
func (a *App) Open(ctx context.Context) error {
	if err := a.DataDir.Lock(); err != nil {
		return err
	}
	if err := a.Queue.Open(ctx); err != nil {
		a.DataDir.Unlock()
		return err
	}
	a.opened = true
	return nil
}

// Close releases what Open acquired.
func (a *App) Close() error {
	if !a.opened {
		return nil
	}
	a.opened = false
	return errors.Join(a.Queue.Close(), a.DataDir.Unlock())
}

// Run opens the app, starts every component and blocks until ctx is done or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	slog.Info("herdsync start", "dataDir", a.Config.DataDir, "server", a.Config.ServerURL)

	if err := a.Open(ctx); err != nil {
		return err
	}
	defer a.Close()

	if a.ControlPlane != nil {
		if err := a.ControlPlane.Listen(); err != nil {
			return err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)

	a.Monitor.Start(egCtx)
	if err := a.Dispatcher.Start(egCtx); err != nil {
		return err
	}

	if a.ControlPlane != nil {
		eg.Go(func() error {
			if err := a.ControlPlane.Start(egCtx); err != nil {
				return fmt.Errorf("failed to start control plane: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("stopping herdsync")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("herdsync failure", "error", err)
		return err
	}

	slog.Info("herdsync stopped")
	return nil
}

func (a *App) stop(ctx context.Context) error {
	var errs []error

	// stop the dispatcher first so open event streams end
	if err := a.Dispatcher.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop dispatcher: %w", err))
	}
	a.Monitor.Stop()
	if a.ControlPlane != nil {
		if err := a.ControlPlane.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop control plane: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SyncOnce probes the remote API and runs a single manual pass.
func (a *App) SyncOnce(ctx context.Context) (*dispatch.PassResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, connectivity.DefaultProbeTimeout)
	err := a.Remote.Ping(probeCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("remote api unreachable: %w", err)
	}
	return a.Dispatcher.TriggerSync(ctx)
}
