package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"vigilant/api"
	"vigilant/config"
	"vigilant/detect"
	"vigilant/ingest"
	"vigilant/lease"
	"vigilant/notify"
	"vigilant/scheduler"
	"vigilant/util/goroutine"

	"go.uber.org/zap"
)

// reconcileInterval is how often the scheduler picks up server changes made
// by other processes (the CLI writes straight to the store)
const reconcileInterval = time.Minute

// App represents the collector with all its components
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Storage    *StorageComponents
	Resolver   *config.CredentialResolver
	Client     *ingest.Client
	Detector   *detect.Detector
	Exceptions *detect.ExceptionFilter
	Locker     lease.Locker
	Notifier   *notify.Dispatcher
	Scheduler  *scheduler.Scheduler
	APIServer  *api.API

	closeLocker func() error
	cancel      context.CancelFunc
	serviceWg   sync.WaitGroup
	hup         chan os.Signal
}

// NewApp loads the configuration and builds every component. Nothing runs
// until Start.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, logger, _, err := InitConfig(configPath)
	if err != nil {
		return nil, err
	}
	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig builds the components from an already loaded configuration
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	sugar := logger.Sugar()
	app := &App{Config: cfg, Logger: logger, Sugar: sugar}
	sugar.Info("vigilant starting...")

	st, err := InitStorage(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = st

	app.Resolver = config.NewCredentialResolver(cfg.Secrets, sugar)
	app.Client = ingest.NewClient(ingest.Config{
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		ReadTimeout:    cfg.SSH.ReadTimeout,
		TailLines:      cfg.SSH.TailLines,
		MaxLines:       cfg.SSH.MaxLines,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		AutoResolveTTL: cfg.SSH.AutoResolveTTL,
	}, app.Resolver, sugar)
	if cfg.SSH.KnownHostsPath == "" {
		sugar.Warn("ssh.known_hosts_path is empty: host keys are not verified")
	}

	app.Detector = detect.NewDetector(sugar)
	app.Exceptions, err = detect.NewExceptionFilter(st.Exceptions, cfg.Exceptions.IgnoreSourceIPs, sugar)
	if err != nil {
		app.closeOnError()
		return nil, fmt.Errorf("invalid exceptions.ignore_source_ips: %w", err)
	}
	if err := app.Exceptions.Refresh(ctx); err != nil {
		sugar.Warnw("Initial exception load failed, starting with an empty set", "error", err)
	}

	app.Locker, app.closeLocker, err = InitLocker(ctx, cfg, sugar)
	if err != nil {
		app.closeOnError()
		return nil, err
	}

	app.Notifier, err = InitNotifier(ctx, cfg, app.Resolver, sugar)
	if err != nil {
		app.closeOnError()
		return nil, fmt.Errorf("failed to initialize notifications: %w", err)
	}

	deps := scheduler.Deps{
		Servers:    st.Servers,
		Client:     app.Client,
		Store:      st.Alerts,
		Detector:   app.Detector,
		Exceptions: app.Exceptions,
		Hits:       st.Exceptions,
		Locker:     app.Locker,
	}
	if app.Notifier != nil {
		deps.Notifier = app.Notifier
	}
	app.Scheduler, err = scheduler.New(scheduler.Config{
		PollInterval:  cfg.Scheduler.PollInterval,
		BackoffBase:   cfg.Scheduler.BackoffBase,
		BackoffMax:    cfg.Scheduler.BackoffMax,
		CycleTimeout:  cfg.Scheduler.CycleTimeout,
		ShutdownGrace: cfg.Scheduler.ShutdownGrace,
		LeaseTTL:      cfg.Scheduler.LeaseTTL,
	}, deps, sugar)
	if err != nil {
		app.closeOnError()
		return nil, err
	}

	if cfg.API.Enabled {
		app.APIServer = api.NewAPI(api.Config{
			ListenAddr:        cfg.API.ListenAddr,
			ReadTimeout:       cfg.API.ReadTimeout,
			WriteTimeout:      cfg.API.WriteTimeout,
			RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
			Burst:             cfg.API.RateLimit.Burst,
		}, st.Alerts, st.Exceptions, app.Scheduler, sugar, api.WithExceptionRefresher(app.Exceptions))
	}

	return app, nil
}

// Start starts the background services: metrics, retention, notifications,
// the scheduler and the API server
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	if a.Config.Storage.MetricsInterval > 0 {
		a.Storage.SQLite.StartMetricsCollection(runCtx, a.Config.Storage.MetricsInterval)
	}

	if err := a.Storage.Retention.Start(); err != nil {
		return fmt.Errorf("failed to start retention: %w", err)
	}

	if a.Notifier != nil {
		a.Notifier.Start(runCtx)
	}

	if err := a.Scheduler.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.hup = make(chan os.Signal, 1)
	signal.Notify(a.hup, syscall.SIGHUP)
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer goroutine.Recover("reconcile-loop", a.Sugar)
		a.reconcileLoop(runCtx)
	}()

	if a.APIServer != nil {
		a.serviceWg.Add(1)
		go func() {
			defer a.serviceWg.Done()
			defer goroutine.Recover("api-server", a.Sugar)
			if err := a.APIServer.Start(); err != nil {
				a.Sugar.Errorw("API server error", "error", err)
			}
		}()
	}

	a.Sugar.Info("vigilant started")
	return nil
}

// reconcileLoop re-reads the server repository every reconcileInterval and on SIGHUP
func (a *App) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.hup:
			a.Sugar.Info("SIGHUP received, reloading servers")
		case <-ticker.C:
		}
		if err := a.Scheduler.Reconcile(ctx); err != nil {
			a.Sugar.Errorw("Failed to reconcile servers", "error", err)
		}
	}
}

// WaitForShutdown blocks until SIGINT or SIGTERM
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	<-c
}

// Shutdown stops every component in dependency order
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")
	timeout := a.Config.API.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	a.Sugar.Info("Phase 1: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	a.Sugar.Info("Phase 2: Stopping collection scheduler...")
	if a.Scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Scheduler.Config().ShutdownGrace+timeout)
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Sugar.Errorw("Collection scheduler shutdown timed out", "error", err)
		}
		cancel()
	}

	a.Sugar.Info("Phase 3: Flushing notifications...")
	if a.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.Notifier.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to flush notifications", "error", err)
		}
		cancel()
	}

	a.Sugar.Info("Phase 4: Stopping background services...")
	if a.hup != nil {
		signal.Stop(a.hup)
	}
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}
	if a.Storage != nil && a.Storage.Retention != nil {
		a.Storage.Retention.Stop()
	}

	a.Sugar.Info("Phase 5: Closing connections...")
	a.closeOnError()

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

// closeOnError releases what NewApp opened
func (a *App) closeOnError() {
	if a.closeLocker != nil {
		if err := a.closeLocker(); err != nil {
			a.Sugar.Errorw("Failed to close lease backend", "error", err)
		}
		a.closeLocker = nil
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Sugar.Errorw("Failed to close alert store", "error", err)
		}
		a.Storage = nil
	}
}
