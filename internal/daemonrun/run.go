package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"callsync/internal/api"
	"callsync/internal/config"
	"callsync/internal/daemon"
	"callsync/internal/egress"
	"callsync/internal/logging"
	"callsync/internal/preflight"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the callsync daemon and blocks until the context is cancelled
// or the process receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.ValidateUploadTargets(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger(cfg, opts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, "callsync.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	comps, err := Build(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("build sync pipeline", logging.Error(err))
		return err
	}
	defer comps.Close()

	logStartupSnapshot(logger, cfg)
	logPreflight(signalCtx, logger, cfg)

	var daemonOpts []daemon.Option
	if cfg.Egress.WatchManifests && cfg.Egress.ManifestDir != "" {
		daemonOpts = append(daemonOpts, daemon.WithWatcher(egress.NewWatcher(cfg.Egress.ManifestDir, comps.Index, logger)))
	}
	if cfg.API.Bind != "" {
		router := api.NewRouter(api.Deps{
			Records:       comps.Backend,
			Syncer:        comps.Manager,
			Writer:        comps.Writer,
			Egress:        comps.Index,
			Token:         cfg.API.Token,
			WebhookSecret: cfg.Egress.WebhookSecret,
			Logger:        logger,
		})
		daemonOpts = append(daemonOpts, daemon.WithAPI(cfg.API.Bind, router))
	}

	d, err := daemon.New(cfg, comps.Backend, comps.Manager, logger, daemonOpts...)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check the lock file and queue backend access"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("callsync daemon shutting down")
	d.Stop()
	return nil
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, error) {
	if opts.LogLevel == "" && !opts.Development {
		return logging.NewFromConfig(cfg)
	}
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	outputs := []string{"stdout"}
	if cfg.Paths.LogDir != "" {
		outputs = append(outputs, filepath.Join(cfg.Paths.LogDir, "callsync.log"))
	}
	return logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
		Development: opts.Development,
	})
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logStartupSnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("queue_backend", cfg.Queue.Backend),
		logging.Int("max_attempts", cfg.Queue.MaxAttempts),
		logging.Duration("sync_interval", cfg.SyncInterval()),
		logging.String("object_store_backend", cfg.ObjectStore.Backend),
		logging.Bool("object_store_configured", cfg.ObjectStore.UploadURL != "" || cfg.ObjectStore.Bucket != ""),
		logging.Bool("manifest_watcher", cfg.Egress.WatchManifests),
		logging.Bool("api_enabled", cfg.API.Bind != ""),
		logging.Bool("ntfy_enabled", cfg.Notifications.NtfyTopic != ""),
		logging.Bool("sentry_enabled", cfg.Sentry.DSN != ""),
	)
}

func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	for _, result := range preflight.Failed(preflight.RunAll(ctx, cfg)) {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "fix the path or endpoint, then restart or wait for the next retry"),
			logging.String(logging.FieldImpact, "affected records fail and retry until the check passes"),
		)
	}
}
