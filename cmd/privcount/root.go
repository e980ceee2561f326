// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Command privcount is the CLI surface of spec §6: one subcommand per
// role (ts, sk, dc), plus inject (a standalone event-source test
// double) and plot (a documented no-op, §6's plotting step is explicitly
// out of scope).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/privcount/privcount/common"
)

var (
	flagVerbose bool
	flagQuiet   bool
	flagLogID   string
)

func main() {
	root := &cobra.Command{
		Use:   "privcount",
		Short: "PrivCount distributed differential-privacy counter aggregation",
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug-level logging")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "error-level logging only")
	root.PersistentFlags().StringVar(&flagLogID, "log-id", "", "disambiguation suffix for log lines (default: derived from random bytes)")
	cobra.OnInitialize(initLogging)

	root.AddCommand(newTSCmd())
	root.AddCommand(newSKCmd())
	root.AddCommand(newDCCmd())
	root.AddCommand(newInjectCmd())
	root.AddCommand(newPlotCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func initLogging() {
	level := "info"
	switch {
	case flagVerbose:
		level = "debug"
	case flagQuiet:
		level = "error"
	}
	if err := common.SetLogLevel(level); err != nil {
		fmt.Fprintf(os.Stderr, "privcount: setting log level: %v\n", err)
	}
	if flagLogID == "" {
		flagLogID = common.LogID(common.RandomBytes(16))
	}
}

// exitCodeFor maps a top-level error to one of spec §6's process exit
// codes: 0 success, 1 configuration/usage error, 2 process-abort-class
// protocol failure, 3 any other runtime failure.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if cerr, ok := err.(*common.Error); ok {
		switch cerr.Kind.Disposition() {
		case common.ProcessAbort:
			return 2
		default:
			return 3
		}
	}
	return 1
}
