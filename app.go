package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smazurov/clusterd/internal/api"
	"github.com/smazurov/clusterd/internal/config"
	"github.com/smazurov/clusterd/internal/events"
	"github.com/smazurov/clusterd/internal/logging"
	"github.com/smazurov/clusterd/internal/metrics"
	"github.com/smazurov/clusterd/internal/metrics/collectors"
	"github.com/smazurov/clusterd/internal/metrics/exporters"
	"github.com/smazurov/clusterd/internal/process"
	"github.com/smazurov/clusterd/internal/supervisor"
	"github.com/smazurov/clusterd/internal/systemd"
)

// app runs the supervisor and its operator surfaces.
type app struct {
	opts   *Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func newApp(opts *Options, logger *slog.Logger) *app {
	ctx, cancel := context.WithCancel(context.Background())
	return &app{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// supervisorOptions translates CLI options.
func supervisorOptions(opts *Options) (supervisor.Options, error) {
	stopper, err := supervisor.ParseStopper(opts.StopSignal)
	if err != nil {
		return supervisor.Options{}, err
	}

	var durations [3]time.Duration
	for i, d := range []struct{ name, value string }{
		{"start-delay", opts.StartDelay},
		{"restart-delay", opts.RestartDelay},
		{"grace-period", opts.GracePeriod},
	} {
		if d.value == "" {
			continue
		}
		parsed, parseErr := time.ParseDuration(d.value)
		if parseErr != nil || parsed < 0 {
			return supervisor.Options{}, fmt.Errorf("invalid --%s %q", d.name, d.value)
		}
		durations[i] = parsed
	}

	if opts.PoolSize < 0 {
		return supervisor.Options{}, fmt.Errorf("invalid --pool-size %d", opts.PoolSize)
	}

	return supervisor.Options{
		Stopper:             stopper,
		PoolSize:            opts.PoolSize,
		StartDelay:          durations[0],
		RestartDelay:        durations[1],
		GracePeriod:         durations[2],
		RestartConcurrently: opts.RestartConcurrently,
	}, nil
}

// splitList splits a comma-separated option, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// openSharedListener opens the listener handed to every worker.
func openSharedListener(addr string) (*os.File, error) {
	network := "tcp"
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		network, addr = "unix", path
	}

	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	// Workers accept on the inherited descriptor; the path must survive
	if ul, isUnix := l.(*net.UnixListener); isUnix {
		ul.SetUnlinkOnClose(false)
	}
	defer l.Close()

	fl, ok := l.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("listener %T cannot be shared", l)
	}
	return fl.File()
}

// run builds the supervisor and blocks until it has stopped.
func (a *app) run() error {
	defer close(a.done)

	supOpts, err := supervisorOptions(a.opts)
	if err != nil {
		return err
	}

	bus := events.New()
	defer bus.Close()
	defer metrics.Attach(bus)()

	notifier := systemd.NewNotifier(logging.GetLogger(logging.ModuleSystemd))
	defer notifier.Attach(bus)()

	launcherOpts := &process.LauncherOptions{
		Command:      a.opts.Exec,
		WorkerArgs:   strings.Fields(a.opts.WorkerArgs),
		NotifyReady:  a.opts.NotifyReady,
		Silent:       a.opts.Silent,
		LogOutput:    a.opts.LogOutput,
		Logger:       logging.GetLogger(logging.ModuleProcess),
		OutputLogger: logging.GetLogger(logging.ModuleWorker),
	}
	if a.opts.Listen != "" {
		f, listenErr := openSharedListener(a.opts.Listen)
		if listenErr != nil {
			return fmt.Errorf("failed to open shared listener: %w", listenErr)
		}
		defer f.Close()
		launcherOpts.ListenerFile = f
		a.logger.Info("Sharing listener with workers", "addr", a.opts.Listen)
	}

	supOpts.Spawner = supervisor.NewProcessSpawner(process.NewLauncher(launcherOpts))
	supOpts.EventBus = bus
	supOpts.Logger = logging.GetLogger(logging.ModuleSupervisor)
	sup := supervisor.New(supOpts)

	a.mu.Lock()
	a.sup = sup
	a.mu.Unlock()

	// Auxiliary services outlive the stop request so the pool can be
	// observed while it drains.
	auxCtx, auxCancel := context.WithCancel(context.Background())
	defer auxCancel()

	g, ctx := errgroup.WithContext(a.ctx)

	g.Go(func() error {
		defer auxCancel()
		return sup.Run(ctx)
	})

	g.Go(func() error {
		select {
		case <-sup.Ready():
			a.logger.Info("Worker pool is ready", "pool_size", sup.Status().PoolSize)
		case <-auxCtx.Done():
		}
		return nil
	})

	g.Go(func() error {
		return a.handleRestartSignals(auxCtx, sup)
	})

	g.Go(func() error {
		if wdErr := notifier.Watchdog(auxCtx); wdErr != nil {
			a.logger.Warn("Systemd watchdog disabled", "error", wdErr)
		}
		return nil
	})

	if a.opts.ServerAddr != "" {
		metricsHandler, regErr := exporters.RegistryHandler(collectors.NewPoolCollector(sup))
		if regErr != nil {
			return fmt.Errorf("failed to register pool metrics: %w", regErr)
		}
		server := api.NewServer(&api.Options{
			Controller:     sup,
			EventBus:       bus,
			MetricsHandler: metricsHandler,
			LogHistory:     logging.GetHistory(),
			AuthUsername:   a.opts.AuthUsername,
			AuthPassword:   a.opts.AuthPassword,
		})
		g.Go(func() error {
			if serveErr := server.Run(auxCtx, a.opts.ServerAddr); serveErr != nil {
				return fmt.Errorf("API server: %w", serveErr)
			}
			return nil
		})
	}

	if paths := splitList(a.opts.Watch); len(paths) > 0 {
		g.Go(func() error {
			return a.watchFiles(auxCtx, sup, paths)
		})
	}

	return g.Wait()
}

// handleRestartSignals starts a rolling restart on SIGUSR2 or SIGHUP.
func (a *app) handleRestartSignals(ctx context.Context, sup *supervisor.Supervisor) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR2, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			a.logger.Info("Rolling restart requested", "signal", sig.String())
			if err := sup.Restart(); err != nil {
				a.logger.Warn("Rolling restart rejected", "error", err)
			}
		}
	}
}

// watchFiles starts a rolling restart when the content under paths changes.
func (a *app) watchFiles(ctx context.Context, sup *supervisor.Supervisor, paths []string) error {
	load := func() (string, error) { return config.FileDigest(paths) }

	last, err := load()
	if err != nil {
		return err
	}

	w := config.NewWatcher(paths, load, logging.GetLogger(logging.ModuleConfig))
	w.OnReload(func(digest string) {
		if digest == last {
			return
		}
		last = digest
		a.logger.Info("Watched files changed, starting rolling restart")
		if restartErr := sup.Restart(); restartErr != nil {
			a.logger.Warn("Rolling restart rejected", "error", restartErr)
		}
	})
	return w.Run(ctx)
}

// stop begins a graceful shutdown and waits for it. A second SIGINT or
// SIGTERM while waiting force-kills the remaining workers.
func (a *app) stop() {
	a.logger.Info("Shutting down, waiting for workers to exit")
	a.cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-a.done:
			return
		case <-sigCh:
			a.mu.Lock()
			sup := a.sup
			a.mu.Unlock()
			if sup == nil {
				continue
			}
			a.logger.Warn("Second stop request, killing remaining workers")
			if err := sup.Shutdown(); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
				a.logger.Warn("Forced shutdown failed", "error", err)
			}
		}
	}
}
