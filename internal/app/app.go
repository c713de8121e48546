// Package app assembles the daemon: config, logging, store, driver, solver,
// notification pipeline, scheduler, command API and the systemd handshake.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bumpd/internal/command"
	"bumpd/internal/config"
	"bumpd/internal/eventbus"
	"bumpd/internal/notify"
	"bumpd/internal/observability/pprof"
	"bumpd/internal/runtime/supervisor"
	"bumpd/internal/sched"
	"bumpd/internal/session"
	"bumpd/internal/solver"
	"bumpd/internal/store"
	"bumpd/internal/telemetry"
	logx "bumpd/pkg/logx"
)

const shutdownTimeout = 15 * time.Second

// App is the composed daemon.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	st       store.Store
	notifier *notify.Service
	sched    *sched.Scheduler
	cmd      *command.Server
	pprof    *pprof.Service
	reg      *prometheus.Registry

	sup *supervisor.Supervisor
}

// New loads the config file and builds every component. Nothing is running
// yet; call Run.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath, logx.Nop())
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a := &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
		reg:    prometheus.NewRegistry(),
	}
	if err := a.build(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(a.reg)

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: config.Duration(cfg.Store.BusyTimeout, 5*time.Second),
	}, a.log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st

	driver, err := buildDriver(cfg.Driver)
	if err != nil {
		return err
	}
	slv, err := buildSolver(cfg.Solver)
	if err != nil {
		return err
	}

	var tg *notify.Telegram
	if cfg.Notify.Telegram.Enabled {
		tg, err = notify.NewTelegram(telegramConfig(cfg.Notify.Telegram), a.log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	a.notifier = notify.New(notifyConfig(cfg.Notify), a.log, a.bus, st, tg)

	a.sched = sched.New(schedulerConfig(cfg), sched.Deps{
		Store:    st,
		Driver:   driver,
		Solver:   slv,
		Sink:     a.notifier,
		Metrics:  metrics,
		Retry:    retryPolicy(cfg.Retry),
		Cooldown: cooldownPolicy(cfg.Cooldown),
		Log:      a.log,
	})

	if cfg.API.Enabled {
		a.cmd = command.New(command.Config{
			Addr:      cfg.API.Addr,
			AuthToken: cfg.API.AuthToken,
			Metrics:   cfg.API.Metrics,
		}, a.sched, a.reg, a.log)
	}

	a.pprof = pprof.New(pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
	}, a.log)

	return nil
}

// Run starts every component and blocks until ctx is canceled, then shuts
// down in reverse order.
func (a *App) Run(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.notifier.Start(ctx)
	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	var cmdErr <-chan error
	if a.cmd != nil {
		cmdErr = a.cmd.Start()
	}
	_ = a.pprof.Start()

	a.sup.Go0("config.watch", func(ctx context.Context) {
		if err := a.cfgMgr.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	})
	a.sup.Go0("config.apply", a.applyLoop)
	a.startWatchdog(ctx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("bumpd up")

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-cmdErr:
		if ok && err != nil {
			runErr = fmt.Errorf("command api: %w", err)
			a.log.Error("command api failed", logx.Err(err))
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.cmd != nil {
		if err := a.cmd.Stop(ctx); err != nil {
			a.log.Warn("command api shutdown", logx.Err(err))
		}
	}
	if err := a.sched.Stop(ctx); err != nil {
		a.log.Warn("scheduler shutdown", logx.Err(err))
	}
	a.notifier.Stop(ctx)
	_ = a.pprof.Stop(ctx)
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("bumpd down")
	a.logSvc.Close()
}

// applyLoop pushes hot-reloaded config into the components that support it.
// Scheduler and store settings need a restart and are ignored here.
func (a *App) applyLoop(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.notifier.Apply(notifyConfig(cfg.Notify))
			a.pprof.Apply(ctx, pprof.Config{
				Enabled: cfg.Pprof.Enabled,
				Addr:    cfg.Pprof.Addr,
			})
			a.log.Info("hot reload applied")
		}
	}
}

// startWatchdog keeps the systemd watchdog fed at half the configured
// interval. No-op outside systemd.
func (a *App) startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		tick := time.NewTicker(interval / 2)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func buildDriver(cfg config.DriverConfig) (session.Driver, error) {
	switch cfg.Kind {
	case "sim":
		return session.NewSimDriver(), nil
	default:
		return nil, fmt.Errorf("unknown driver kind %q", cfg.Kind)
	}
}

func buildSolver(cfg config.SolverConfig) (solver.Solver, error) {
	switch cfg.Kind {
	case "":
		// Challenges wait for human-submitted codes.
		return nil, nil
	case "static":
		return solver.Static(cfg.Answer), nil
	case "http":
		return solver.NewHTTP(solver.Config{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Timeout:  config.Duration(cfg.Timeout, 30*time.Second),
		})
	default:
		return nil, fmt.Errorf("unknown solver kind %q", cfg.Kind)
	}
}
