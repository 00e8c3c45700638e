package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"keyvis/internal/config"
	"keyvis/internal/health"
	"keyvis/internal/interceptor"
	"keyvis/internal/ipc"
	"keyvis/internal/keystate"
	"keyvis/internal/layout"
	"keyvis/internal/logging"
	"keyvis/internal/mainloop"
	"keyvis/internal/metrics"
	"keyvis/internal/permission"
	"keyvis/internal/remap"
	"keyvis/internal/tap"
	"keyvis/internal/webfeed"
)

const shutdownTimeout = 5 * time.Second

// daemon wires the interceptor to its platform sources and the optional
// feeds.
type daemon struct {
	loader  *config.Loader
	cfg     *config.Config
	log     *logging.Logger
	crash   *logging.CrashHandler
	audit   *logging.AuditLogger
	metrics *metrics.KeyvisMetrics
	health  *health.Checker

	layouts *layout.Resolver
	focus   permission.FocusSource
	engine  *interceptor.Interceptor

	ipc     *ipc.Server
	handler *ipc.EngineHandler
	web     *webfeed.Server
}

func newDaemon(loader *config.Loader, cfg *config.Config) (*daemon, error) {
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(log)

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  logging.DefaultCrashDir(),
		Version:   Version,
		Component: "keyvisd",
		Logger:    log,
	})
	logging.SetDefaultCrashHandler(crash)

	var audit *logging.AuditLogger
	if cfg.Logging.AuditFile != "" {
		audit, err = logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath:   cfg.Logging.AuditFile,
			MaxSize:    int64(cfg.Logging.MaxSizeMB),
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
			Component:  "keyvisd",
		})
		if err != nil {
			log.Warn("audit log disabled", "error", err)
		}
	}

	m := metrics.NewKeyvisMetrics(metrics.NewRegistry("keyvis", ""))

	source, err := layout.NewSystemSource()
	if err != nil {
		return nil, fmt.Errorf("layout source: %w", err)
	}
	layouts := layout.NewResolver(source)
	focus := permission.NewSystemFocus()

	engine := interceptor.New(interceptor.Options{
		Installer:          tap.NewSystemInstaller(),
		Gate:               permission.NewGate(permission.NewSystemTrust(), cfg.Permission.Prompt),
		Focus:              focus,
		Layouts:            layouts,
		Remap:              remap.New(cfg.Remap.Enabled),
		State:              keystate.NewStore(),
		Logger:             log,
		Metrics:            m,
		Crash:              crash,
		PermissionInterval: cfg.Permission.PollInterval.Std(),
		LayoutInterval:     cfg.Layout.PollInterval.Std(),
		SelfCheckDelay:     cfg.Tap.SelfCheckDelay.Std(),
		EventBuffer:        cfg.Tap.EventBuffer,
	})

	checker := health.NewChecker()
	checker.RegisterProbe(engine)

	d := &daemon{
		loader:  loader,
		cfg:     cfg,
		log:     log,
		crash:   crash,
		audit:   audit,
		metrics: m,
		health:  checker,
		layouts: layouts,
		focus:   focus,
		engine:  engine,
	}

	if cfg.IPC.Enabled {
		if err := d.setupIPC(); err != nil {
			d.closeSources()
			d.audit.Close()
			return nil, err
		}
	}
	if cfg.Web.Enabled {
		d.setupWeb()
	}
	return d, nil
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSize:    int64(cfg.MaxSizeMB),
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Component:  "keyvisd",
	})
}

func (d *daemon) setupIPC() error {
	perm, err := strconv.ParseUint(d.cfg.IPC.Permissions, 8, 32)
	if err != nil {
		return fmt.Errorf("ipc permissions %q: %w", d.cfg.IPC.Permissions, err)
	}

	d.handler = ipc.NewEngineHandler(ipc.EngineHandlerConfig{
		Engine:  d.engine,
		Metrics: d.metrics,
		Logger:  d.log,
		Version: Version,
	})

	srvCfg := ipc.DefaultServerConfig(d.cfg.IPC.SocketPath)
	srvCfg.Version = Version
	srvCfg.Permissions = os.FileMode(perm)
	srvCfg.MaxConnections = d.cfg.IPC.MaxConnections
	srvCfg.ReadTimeout = d.cfg.IPC.ReadTimeout.Std()
	srvCfg.Logger = d.log
	srvCfg.Crash = d.crash
	srvCfg.Metrics = d.metrics

	d.ipc = ipc.NewServer(srvCfg, d.handler, d.engine)
	d.handler.SetCounters(d.ipc.ClientCount, d.engine.Store().Subscribers)
	return nil
}

func (d *daemon) setupWeb() {
	cfg := webfeed.Config{
		ListenAddr:     d.cfg.Web.ListenAddr,
		AllowedOrigins: d.cfg.Web.AllowedOrigins,
		Logger:         d.log,
		Crash:          d.crash,
		Metrics:        d.metrics,
	}
	if d.cfg.Web.Metrics {
		cfg.ServeMetrics = true
		cfg.Health = d.health
	}
	d.web = webfeed.NewServer(cfg, d.engine)
}

// run blocks on the main run loop until ctx is done, then shuts down.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.log.Info("keyvisd starting",
		"version", Version,
		"config", d.loader.Path(),
		"event_tap", config.HasEventTapSupport(),
	)

	d.audit.LogStartup(ctx, Version, map[string]any{"config": d.loader.Path()})
	go d.auditState(ctx, d.engine.Subscribe(16))

	// The owner loop exiting on its own stops the daemon too.
	engineDone := make(chan error, 1)
	go func() {
		defer d.crash.RecoverGoroutine("engine")
		err := d.engine.Run(ctx)
		if err != nil {
			d.log.Error("interceptor exited", "error", err)
		}
		engineDone <- err
		cancel()
	}()

	if d.ipc != nil {
		if err := d.ipc.Start(); err != nil {
			cancel()
			<-engineDone
			d.closeSources()
			return fmt.Errorf("start ipc: %w", err)
		}
	}
	if d.web != nil {
		if err := d.web.Start(); err != nil {
			cancel()
			<-engineDone
			d.stopFeeds()
			d.closeSources()
			return fmt.Errorf("start web feed: %w", err)
		}
	}

	d.watchConfig(ctx)
	d.health.SetReady(true)

	mainloop.Run(ctx)

	d.health.SetReady(false)
	d.log.Info("keyvisd shutting down")
	d.broadcastShutdown()
	d.stopFeeds()

	var runErr error
	select {
	case runErr = <-engineDone:
	case <-time.After(shutdownTimeout):
		d.log.Warn("interceptor did not stop in time")
	}

	d.loader.Close()
	d.closeSources()
	d.audit.LogShutdown(context.Background(), shutdownReason(runErr))
	d.audit.Close()
	d.log.Info("keyvisd stopped")
	return runErr
}

func shutdownReason(err error) string {
	if err != nil {
		return err.Error()
	}
	return "signal"
}

// auditState records permission and remap transitions as the owner loop
// publishes them.
func (d *daemon) auditState(ctx context.Context, sub *keystate.Subscription) {
	defer d.crash.RecoverGoroutine("audit")
	defer d.engine.Unsubscribe(sub)

	var permission, remapOn bool
	if s := d.engine.Snapshot(); s != nil {
		permission, remapOn = s.HasPermission, s.RemapEnabled
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			s := u.Snapshot
			if u.Changes.Has(keystate.ChangePermission) && s.HasPermission != permission {
				permission = s.HasPermission
				d.audit.LogPermission(ctx, permission)
			}
			if u.Changes.Has(keystate.ChangeRemap) && s.RemapEnabled != remapOn {
				remapOn = s.RemapEnabled
				d.audit.LogRemap(ctx, remapOn)
			}
		}
	}
}

// watchConfig applies hot-reloadable settings. Other changes are logged
// as needing a restart.
func (d *daemon) watchConfig(ctx context.Context) {
	if _, err := os.Stat(d.loader.Path()); err != nil {
		d.log.Debug("config file absent, hot reload disabled", "path", d.loader.Path())
		return
	}

	d.loader.OnChange(func(old, cfg *config.Config) {
		d.applyConfig(ctx, old, cfg)
	})
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("config watch failed", "error", err)
		return
	}

	go func() {
		defer d.crash.RecoverGoroutine("config-errors")
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-d.loader.Errors():
				d.log.Warn("config reload rejected, keeping previous settings", "error", err)
			}
		}
	}()
}

func (d *daemon) applyConfig(ctx context.Context, old, cfg *config.Config) {
	log := d.log.WithComponent("config")

	if cfg.Logging.Level != old.Logging.Level {
		if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			d.log.SetLevel(level)
			log.Info("log level changed", "level", cfg.Logging.Level)
			d.audit.LogConfigChange(ctx, "logging.level", old.Logging.Level, cfg.Logging.Level)
		}
	}

	if cfg.Remap.Enabled != old.Remap.Enabled {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.engine.SetRemapEnabled(cctx, cfg.Remap.Enabled)
		cancel()
		if err != nil {
			log.Warn("apply remap setting", "error", err)
			d.audit.LogError(ctx, "apply_remap_setting", err, nil)
		} else {
			log.Info("remap setting applied", "enabled", cfg.Remap.Enabled)
			d.audit.LogConfigChange(ctx, "remap.enabled",
				strconv.FormatBool(old.Remap.Enabled), strconv.FormatBool(cfg.Remap.Enabled))
		}
	}

	if restartRequired(old, cfg) {
		log.Warn("config change requires a restart to take effect")
	}

	event, err := ipc.NewEvent(ipc.EventConfigChanged, map[string]any{"path": d.loader.Path()})
	if err == nil && d.ipc != nil {
		d.ipc.Broadcast(event)
	}
	if d.web != nil {
		d.web.Broadcast(webfeed.EventConfigChanged, map[string]any{"path": d.loader.Path()})
	}
}

// restartRequired reports changes to settings read only at startup.
func restartRequired(old, cfg *config.Config) bool {
	a, b := old.Clone(), cfg.Clone()
	a.Logging.Level, b.Logging.Level = "", ""
	a.Remap, b.Remap = config.RemapConfig{}, config.RemapConfig{}
	return a.String() != b.String()
}

func (d *daemon) broadcastShutdown() {
	data := map[string]any{"reason": "daemon stopping"}
	if d.ipc != nil {
		if event, err := ipc.NewEvent(ipc.EventDaemonShutdown, data); err == nil {
			d.ipc.Broadcast(event)
		}
	}
	if d.web != nil {
		d.web.Broadcast(webfeed.EventShutdown, data)
	}
}

func (d *daemon) stopFeeds() {
	if d.ipc != nil {
		if err := d.ipc.Stop(); err != nil {
			d.log.Warn("stop ipc", "error", err)
		}
	}
	if d.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.web.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			d.log.Warn("stop web feed", "error", err)
		}
	}
}

func (d *daemon) closeSources() {
	if err := d.focus.Close(); err != nil {
		d.log.Debug("close focus source", "error", err)
	}
	if err := d.layouts.Close(); err != nil {
		d.log.Debug("close layout source", "error", err)
	}
}
