// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package main

import (
	"github.com/spf13/cobra"

	"github.com/privcount/privcount/eventsource"
)

func newInjectCmd() *cobra.Command {
	var eventsPath, addr, password string
	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Serve a fixed, pre-recorded event sequence as a test event source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInject(eventsPath, addr, password)
		},
	}
	cmd.Flags().StringVar(&eventsPath, "events", "", "path to a newline-delimited JSON event file (required)")
	cmd.Flags().StringVar(&addr, "listen-addr", "127.0.0.1:9051", "address to serve the event source protocol on")
	cmd.Flags().StringVar(&password, "password", "", "password a DC must present to AUTHENTICATE")
	cmd.MarkFlagRequired("events")
	return cmd
}

func runInject(eventsPath, addr, password string) error {
	events, err := eventsource.LoadInjectFile(eventsPath)
	if err != nil {
		return err
	}
	srv := &eventsource.InjectServer{Password: password, Events: events}
	log.Infof("inject: serving %d events on %s", len(events), addr)
	return srv.ListenAndServe(addr)
}
