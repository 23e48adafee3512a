// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/featurebasedb/gridcursor"
	"github.com/featurebasedb/gridcursor/errors"
	"github.com/featurebasedb/gridcursor/inmem"
	"github.com/featurebasedb/gridcursor/logger"
	"github.com/featurebasedb/gridcursor/tracing"
	"github.com/spf13/cobra"
)

// ScanConfig is the configuration of the scan command. It is also what the
// config command prints.
type ScanConfig struct {
	Cursor gridcursor.Config `toml:"cursor"`
	Grid   inmem.Config      `toml:"grid"`

	// Entries is the number of generated entries loaded into the grid
	// before the scan starts.
	Entries int `toml:"entries"`
	// KeyPrefix restricts the scan to keys with this prefix.
	KeyPrefix string `toml:"key-prefix"`
	// RoutingValue, when set, sends the scan to the single partition owning
	// this value.
	RoutingValue string `toml:"routing-value"`
	// FailPartitions lists partitions whose first fetch fails as
	// unavailable.
	FailPartitions []string `toml:"fail-partitions"`

	LogPath string `toml:"log-path"`
	Verbose bool   `toml:"verbose"`

	Tracing TracingConfig `toml:"tracing"`
}

// NewScanConfig returns an instance of ScanConfig with default options.
func NewScanConfig() ScanConfig {
	return ScanConfig{
		Cursor:  gridcursor.NewConfig(),
		Grid:    inmem.NewConfig(),
		Entries: 1000,
		Tracing: NewTracingConfig(),
	}
}

// ScanCommand loads an in-memory grid and reads it back through a cursor,
// writing one line per entry to stdout.
type ScanCommand struct {
	*gridcursor.CmdIO

	Config ScanConfig

	// Stats holds the cursor's final view after Run.
	Stats gridcursor.CursorStats
	// Pages and EntryN count what Run read.
	Pages  int
	EntryN int

	logFile *logger.FileWriter
}

// NewScanCommand returns a new instance of ScanCommand.
func NewScanCommand(stdin io.Reader, stdout, stderr io.Writer) *ScanCommand {
	return &ScanCommand{
		CmdIO:  gridcursor.NewCmdIO(stdin, stdout, stderr),
		Config: NewScanConfig(),
	}
}

// Run executes the scan.
func (cmd *ScanCommand) Run(ctx context.Context) (err error) {
	if err := cmd.Config.Cursor.Validate(); err != nil {
		return err
	}
	failing, err := cmd.failPartitions()
	if err != nil {
		return err
	}

	if err := cmd.setupLogger(); err != nil {
		return err
	}
	if cmd.logFile != nil {
		defer cmd.logFile.Close()
	}
	log := cmd.Logger()

	closer, err := cmd.Config.Tracing.Setup(log)
	if err != nil {
		return errors.Wrap(err, "setting up tracing")
	}
	defer closer.Close()

	span, ctx := tracing.StartSpanFromContext(ctx, "ScanCommand.Run")
	defer span.Finish()

	grid, err := inmem.NewGrid(
		inmem.OptGridConfig(cmd.Config.Grid),
		inmem.OptGridLogger(log.WithPrefix("grid: ")),
	)
	if err != nil {
		return errors.Wrap(err, "creating grid")
	}
	defer grid.Close()

	for i := 0; i < cmd.Config.Entries; i++ {
		grid.Put(gridcursor.Entry{
			Key:   fmt.Sprintf("entry/%08d", i),
			Value: []byte(strconv.Itoa(i)),
		})
	}
	for _, p := range failing {
		if err := grid.InjectFault(p, gridcursor.NewErrPartitionUnavailable(p)); err != nil {
			return err
		}
	}
	log.Debugf("loaded %d entries into %d partitions", grid.Len(), grid.PartitionN())

	opts := []gridcursor.SessionOption{gridcursor.OptSessionConfig(cmd.Config.Cursor)}
	if cmd.Config.KeyPrefix != "" {
		opts = append(opts, gridcursor.OptSessionFilter(gridcursor.KeyPrefix(cmd.Config.KeyPrefix)))
	}
	if cmd.Config.RoutingValue != "" {
		opts = append(opts, gridcursor.OptSessionRoutingValue(cmd.Config.RoutingValue))
	}
	s, err := gridcursor.NewSession(opts...)
	if err != nil {
		return err
	}

	c, err := gridcursor.Open(ctx, s, grid, grid, gridcursor.OptCursorLogger(log))
	if err != nil {
		return errors.Wrap(err, "opening cursor")
	}
	defer c.Close()

	start := time.Now()
	timeout := cmd.Config.Cursor.NextTimeout.Duration()
	for {
		page, err := c.Next(ctx, timeout)
		if err == io.EOF {
			break
		} else if err != nil {
			cmd.Stats = c.Stats()
			return err
		}
		cmd.Pages++
		for _, e := range page {
			cmd.EntryN++
			fmt.Fprintf(cmd.Stdout, "%s\t%s\n", e.Key, e.Value)
		}
	}
	cmd.Stats = c.Stats()

	log.Infof("scanned %d entries in %d pages from %d partitions in %s", cmd.EntryN, cmd.Pages, cmd.Stats.Expected, time.Since(start))
	return nil
}

func (cmd *ScanCommand) setupLogger() error {
	var w io.Writer = cmd.Stderr
	if cmd.Config.LogPath != "" {
		fw, err := logger.NewFileWriter(cmd.Config.LogPath)
		if err != nil {
			return errors.Wrap(err, "opening log file")
		}
		cmd.logFile, w = fw, fw
	}
	cmd.SetLogger(logger.NewLogger(w, cmd.Config.Verbose))
	return nil
}

func (cmd *ScanCommand) failPartitions() ([]gridcursor.PartitionID, error) {
	var ids []gridcursor.PartitionID
	for _, s := range cmd.Config.FailPartitions {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing fail-partitions value %q", s)
		}
		ids = append(ids, gridcursor.PartitionID(n))
	}
	return ids, nil
}

// BuildScanFlags attaches the scan configuration to the command's flags.
func BuildScanFlags(cmd *cobra.Command, scan *ScanCommand) {
	cfg := &scan.Config
	flags := cmd.Flags()
	flags.IntVar(&cfg.Entries, "entries", cfg.Entries, "Number of generated entries to load before scanning.")
	flags.StringVar(&cfg.KeyPrefix, "key-prefix", cfg.KeyPrefix, "Only return keys with this prefix.")
	flags.StringVar(&cfg.RoutingValue, "routing-value", cfg.RoutingValue, "Scan only the partition owning this value.")
	flags.StringSliceVar(&cfg.FailPartitions, "fail-partitions", cfg.FailPartitions, "Comma separated partitions whose first fetch fails.")
	flags.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "Log path")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging")

	// Cursor
	flags.IntVar(&cfg.Cursor.BatchSize, "cursor.batch-size", cfg.Cursor.BatchSize, "Entries requested from a partition per fetch.")
	flags.DurationVar((*time.Duration)(&cfg.Cursor.MaxInactive), "cursor.max-inactive", time.Duration(cfg.Cursor.MaxInactive), "Lease on server-side iterator contexts. Zero disables renewal.")
	flags.DurationVar((*time.Duration)(&cfg.Cursor.NextTimeout), "cursor.next-timeout", time.Duration(cfg.Cursor.NextTimeout), "How long to wait for a page before aborting.")
	flags.Uint32Var(&cfg.Cursor.ReadFlags, "cursor.read-flags", cfg.Cursor.ReadFlags, "Read flags bitmask (1: keys only, 2: descending).")

	// Grid
	flags.IntVar(&cfg.Grid.Partitions, "grid.partitions", cfg.Grid.Partitions, "Number of grid partitions. Zero runs an embedded, unpartitioned grid.")
	flags.IntVar(&cfg.Grid.Workers, "grid.workers", cfg.Grid.Workers, "Number of grid worker goroutines.")
	flags.DurationVar((*time.Duration)(&cfg.Grid.ReapInterval), "grid.reap-interval", time.Duration(cfg.Grid.ReapInterval), "Interval at which expired iterator contexts are purged.")

	// Tracing
	flags.StringVar(&cfg.Tracing.AgentHostPort, "tracing.agent-host-port", cfg.Tracing.AgentHostPort, "Jaeger agent host:port. Empty disables tracing.")
	flags.StringVar(&cfg.Tracing.SamplerType, "tracing.sampler-type", cfg.Tracing.SamplerType, "Jaeger sampler type (remote, const, probabilistic, ratelimiting) or 'off' to disable tracing completely.")
	flags.Float64Var(&cfg.Tracing.SamplerParam, "tracing.sampler-param", cfg.Tracing.SamplerParam, "Jaeger sampler parameter.")
}
