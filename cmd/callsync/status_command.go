package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"callsync/internal/config"
	"callsync/internal/preflight"
	"callsync/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue and integration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			lines := renderSectionHeader("callsync", colorize)
			lines = append(lines, daemonStatusLine(cfg, colorize))
			if ctx.configPath != "" {
				lines = append(lines, renderStatusLine("Config", statusInfo, ctx.configPath, colorize))
			}
			lines = append(lines, integrationLines(cfg, colorize)...)
			lines = append(lines, "")
			lines = append(lines, renderSectionHeader("Preflight", colorize)...)
			for _, result := range preflight.RunAll(cmd.Context(), cfg) {
				kind := statusOK
				if !result.Passed {
					kind = statusWarn
				}
				lines = append(lines, renderStatusLine(result.Name, kind, result.Detail, colorize))
			}

			err = ctx.withBackend(func(backend queue.Backend) error {
				stats, err := backend.Stats(cmd.Context())
				if err != nil {
					return err
				}
				lines = append(lines, "")
				lines = append(lines, renderSectionHeader("Queue ("+cfg.Queue.Backend+")", colorize)...)
				for _, status := range queue.AllStatuses() {
					lines = append(lines, renderStatusLine(statusTitle(status), queueCountKind(status, stats[status]), strconv.Itoa(stats[status]), colorize))
				}
				return nil
			})
			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
			return err
		},
	}
}

// daemonRunning probes the instance lock; a held lock means a live daemon.
func daemonRunning(cfg *config.Config) (bool, int) {
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return false, 0
	}
	if ok {
		_ = lock.Unlock()
		return false, 0
	}
	pid := 0
	if data, err := os.ReadFile(filepath.Join(cfg.Paths.StateDir, "callsync.pid")); err == nil {
		pid, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}
	return true, pid
}

func daemonStatusLine(cfg *config.Config, colorize bool) string {
	running, pid := daemonRunning(cfg)
	switch {
	case running && pid > 0:
		return renderStatusLine("Daemon", statusOK, fmt.Sprintf("Running (pid %d)", pid), colorize)
	case running:
		return renderStatusLine("Daemon", statusOK, "Running", colorize)
	default:
		return renderStatusLine("Daemon", statusWarn, "Not running", colorize)
	}
}

func integrationLines(cfg *config.Config, colorize bool) []string {
	var lines []string

	switch {
	case cfg.ObjectStore.Backend == "gcs":
		lines = append(lines, renderStatusLine("Object Store", statusOK, "gs://"+cfg.ObjectStore.Bucket, colorize))
	case cfg.ObjectStore.UploadURL != "":
		lines = append(lines, renderStatusLine("Object Store", statusOK, cfg.ObjectStore.UploadURL, colorize))
	default:
		lines = append(lines, renderStatusLine("Object Store", statusWarn, "Not configured (recordings skipped)", colorize))
	}

	if cfg.CallData.UploadURL != "" {
		lines = append(lines, renderStatusLine("Call Data API", statusOK, cfg.CallData.UploadURL, colorize))
	} else {
		lines = append(lines, renderStatusLine("Call Data API", statusError, "Not configured", colorize))
	}

	lines = append(lines, renderStatusLine("Egress Index", statusInfo, cfg.Egress.IndexPath, colorize))
	if cfg.Egress.WatchManifests {
		lines = append(lines, renderStatusLine("Manifest Watcher", statusOK, cfg.Egress.ManifestDir, colorize))
	}
	if cfg.API.Bind != "" {
		detail := cfg.API.Bind
		if cfg.API.Token == "" {
			detail += " (no token)"
		}
		lines = append(lines, renderStatusLine("HTTP API", statusOK, detail, colorize))
	}
	lines = append(lines, renderStatusLine("Notifications", enabledKind(cfg.Notifications.NtfyTopic != ""), enabledLabel(cfg.Notifications.NtfyTopic != ""), colorize))
	lines = append(lines, renderStatusLine("Sentry", enabledKind(cfg.Sentry.DSN != ""), enabledLabel(cfg.Sentry.DSN != ""), colorize))
	return lines
}

func queueCountKind(status queue.Status, n int) statusKind {
	if n == 0 {
		return statusInfo
	}
	return statusKindFor(status)
}

func enabledKind(enabled bool) statusKind {
	if enabled {
		return statusOK
	}
	return statusInfo
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "Enabled"
	}
	return "Disabled"
}
