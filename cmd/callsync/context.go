package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"callsync/internal/config"
	"callsync/internal/daemonrun"
	"callsync/internal/egress"
	"callsync/internal/logging"
	"callsync/internal/queue"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.Logging.Level = strings.TrimSpace(*c.logLevelFlag)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

// commandLogger logs to stderr so command output on stdout stays parseable.
func (c *commandContext) commandLogger(w io.Writer) *slog.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return logging.NewNop()
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: "console",
		Writer: w,
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

func (c *commandContext) withBackend(fn func(queue.Backend) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	backend, err := daemonrun.OpenBackend(cfg)
	if err != nil {
		return fmt.Errorf("open queue backend: %w", err)
	}
	defer backend.Close()
	return fn(backend)
}

func (c *commandContext) withIndex(fn func(*egress.SQLIndex) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	index, err := egress.OpenIndex(cfg.Egress.IndexPath)
	if err != nil {
		return err
	}
	defer index.Close()
	return fn(index)
}

func (c *commandContext) withComponents(cmd *cobra.Command, fn func(context.Context, *daemonrun.Components) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	comps, err := daemonrun.Build(ctx, cfg, c.commandLogger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer comps.Close()
	return fn(ctx, comps)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
