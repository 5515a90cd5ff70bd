package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/meigma/lens"
	"github.com/meigma/lens/archive"
	"github.com/meigma/lens/edit"
	"github.com/meigma/lens/metrics"
	"github.com/meigma/lens/stash"
	"github.com/meigma/lens/stash/disk"
	"github.com/meigma/lens/stash/sqlite"
)

// app is the state shared by all subcommands of one invocation.
type app struct {
	configPath string
	cfg        Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	stash      stash.Stash
	closers    []io.Closer
}

// bindFlags registers the global flags on cmd.
func (a *app) bindFlags(cmd *cobra.Command) {
	d := DefaultConfig()
	f := cmd.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/lens/config.yaml)")
	f.String("stash", d.Stash, "stash backend: disk or sqlite")
	f.String("stash-path", "", "stash directory (disk) or database file (sqlite)")
	f.Bool("strict", false, "fail on missing focus targets, edit targets and anchors")
	f.String("log-level", d.LogLevel, "log level: debug, info, warn or error")
	f.String("metrics-file", "", "write Prometheus metrics to this file after the run")
	f.Int("workers", 0, "entries stashed or restored in parallel (0 = GOMAXPROCS, <0 = serial)")
}

// setup loads configuration, applies changed flags and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	path, explicit := a.configPath, a.configPath != ""
	if !explicit {
		path = defaultConfigPath()
	}
	cfg, err := LoadConfig(path, explicit)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("stash") {
		cfg.Stash, _ = f.GetString("stash")
	}
	if f.Changed("stash-path") {
		cfg.StashPath, _ = f.GetString("stash-path")
	}
	if f.Changed("strict") {
		cfg.Strict, _ = f.GetBool("strict")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("metrics-file") {
		cfg.MetricsFile, _ = f.GetString("metrics-file")
	}
	if f.Changed("workers") {
		cfg.Workers, _ = f.GetInt("workers")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, _ := parseLevel(cfg.LogLevel)
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	if cfg.MetricsFile != "" {
		a.registry = prometheus.NewRegistry()
		a.metrics = metrics.New(a.registry)
	}
	return nil
}

// openStash opens the configured stash backend.
func (a *app) openStash() (stash.Stash, error) {
	if a.stash != nil {
		return a.stash, nil
	}
	path := a.cfg.ResolvedStashPath()
	switch a.cfg.Stash {
	case backendSQLite:
		s, err := sqlite.Open(path, sqlite.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("open sqlite stash: %w", err)
		}
		a.closers = append(a.closers, s)
		a.stash = s
	default:
		opts := []disk.Option{disk.WithLogger(a.logger)}
		if a.cfg.StashMaxBytes > 0 {
			opts = append(opts, disk.WithMaxBytes(a.cfg.StashMaxBytes))
		}
		s, err := disk.New(path, opts...)
		if err != nil {
			return nil, fmt.Errorf("open disk stash: %w", err)
		}
		a.stash = s
	}
	a.logger.Debug("stash opened", "backend", a.cfg.Stash, "path", path)
	return a.stash, nil
}

// engine builds the lens engine from the configuration.
func (a *app) engine() (*lens.Lens, error) {
	s, err := a.openStash()
	if err != nil {
		return nil, err
	}
	codecOpts := []archive.Option{
		archive.WithLogger(a.logger),
		archive.WithMaxEntrySize(a.cfg.MaxEntrySize),
		archive.WithMaxArchiveSize(a.cfg.MaxArchiveSize),
		archive.WithSkipUnreadable(a.cfg.SkipUnreadable),
	}
	if a.cfg.MaxEntries != 0 {
		codecOpts = append(codecOpts, archive.WithMaxEntries(a.cfg.MaxEntries))
	}
	return lens.New(s,
		lens.WithCodec(archive.New(codecOpts...)),
		lens.WithEditor(edit.New(
			edit.WithLogger(a.logger),
			edit.WithStrict(a.cfg.Strict),
			edit.WithBeforeMissAtHead(a.cfg.BeforeMissAtHead),
		)),
		lens.WithStagingDir(a.cfg.StagingDir),
		lens.WithStashWorkers(a.cfg.Workers),
		lens.WithStrictFocus(a.cfg.Strict),
		lens.WithDeferredRelease(true),
		lens.WithLogger(a.logger),
		lens.WithMetrics(a.metrics),
	)
}

// close writes metrics and releases backends.
func (a *app) close() error {
	var errs []error
	if a.registry != nil {
		if err := metrics.WriteTextfile(a.cfg.MetricsFile, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
