// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newPlotCmd exists only so the CLI surface named by spec §6 is
// complete. Rendering outcome files is left to an external plotting
// tool; this subcommand consumes no domain logic.
func newPlotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plot",
		Short: "Print a pointer to an external plotting tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "privcount plot: not implemented; load the outcome JSON into an external plotting tool")
			return nil
		},
	}
}
