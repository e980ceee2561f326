// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/privcount/privcount/config"
	"github.com/privcount/privcount/dc"
	"github.com/privcount/privcount/eventsource"
	"github.com/privcount/privcount/session"
)

func newDCCmd() *cobra.Command {
	var peerConfigPath string
	var fingerprint string
	var providableTypes []string
	var bufferSize int
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "dc",
		Short: "Run the Data Collector role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDC(peerConfigPath, fingerprint, providableTypes, bufferSize, sweepEvery)
		},
	}
	cmd.Flags().StringVar(&peerConfigPath, "peer-config", "", "path to the process-local peer configuration (required)")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "this DC's own fingerprint, recorded in outgoing Seed messages (required)")
	cmd.Flags().StringSliceVar(&providableTypes, "event-types", nil, "event kinds this DC's event source can deliver (pre-COLLECTING validation gate)")
	cmd.Flags().IntVar(&bufferSize, "queue-size", 4096, "bound on the event intake channel (spec back-pressure gate)")
	cmd.Flags().DurationVar(&sweepEvery, "entity-sweep-every", time.Minute, "interval between entity-expiry sweeps")
	cmd.MarkFlagRequired("peer-config")
	cmd.MarkFlagRequired("fingerprint")
	return cmd
}

func runDC(peerConfigPath, fingerprint string, providableTypes []string, bufferSize int, sweepEvery time.Duration) error {
	peerCfg, err := config.LoadPeerConfig(peerConfigPath)
	if err != nil {
		return err
	}
	priv, err := session.LoadOrCreatePrivateKey(peerCfg.PrivateKeyPath)
	if err != nil {
		return err
	}
	secret, err := session.LoadOrCreateHandshakeSecret(peerCfg.HandshakeSecretPath)
	if err != nil {
		return err
	}
	allowed := buildAllowList(peerCfg)

	tlsCfg, err := (session.TLSMaterial{
		CertPath: peerCfg.TLSCertPath,
		KeyPath:  peerCfg.TLSKeyPath,
		CAPath:   peerCfg.TLSCAPath,
	}).ClientConfig("")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	esCfg := eventsource.Config{
		Addr:           peerCfg.EventSource.Addr,
		Password:       peerCfg.EventSource.Password,
		CookiePath:     peerCfg.EventSource.CookiePath,
		ReconnectEvery: peerCfg.EventSource.ReconnectEvery,
		EventTypes:     providableTypes,
	}
	sub := eventsource.NewSubscription(ctx, esCfg, bufferSize)

	collector := dc.New(fingerprint, providableTypes, nil)
	client := dc.NewClient(collector, priv, secret, allowed, sweepEvery)

	for {
		if err := client.Run(peerCfg.TSAddr, tlsCfg, sub); err != nil {
			log.Warnf("dc: %v", err)
			return err
		}
	}
}
