// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/featurebasedb/gridcursor/ctl"
	"github.com/spf13/cobra"
)

func newConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	conf := ctl.NewConfigCommand(stdin, stdout, stderr)
	confCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration.",
		Long: `config prints the default configuration to stdout
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return conf.Run(context.Background())
		},
	}

	return confCmd
}
