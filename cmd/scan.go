// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/featurebasedb/gridcursor/ctl"
	"github.com/spf13/cobra"
)

func newScanCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	scan := ctl.NewScanCommand(stdin, stdout, stderr)
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Load an in-memory grid and page through it with a cursor.",
		Long: `scan loads generated entries into an in-memory partitioned grid and
reads them back through a scatter-gather cursor, writing one
key<TAB>value line per entry to stdout.

Partitions listed in --fail-partitions fail their first fetch; the scan
then reports them once every other partition has drained.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return scan.Run(ctx)
		},
	}

	ctl.BuildScanFlags(scanCmd, scan)
	return scanCmd
}
