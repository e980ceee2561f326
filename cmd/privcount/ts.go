// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/privcount/privcount/config"
	"github.com/privcount/privcount/noise"
	"github.com/privcount/privcount/session"
	"github.com/privcount/privcount/ts"
)

func newTSCmd() *cobra.Command {
	var peerConfigPath, roundConfigPath, outcomeDir string
	cmd := &cobra.Command{
		Use:   "ts",
		Short: "Run the Tally Server role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTS(peerConfigPath, roundConfigPath, outcomeDir)
		},
	}
	cmd.Flags().StringVar(&peerConfigPath, "peer-config", "", "path to the process-local peer configuration (required)")
	cmd.Flags().StringVar(&roundConfigPath, "round-config", "", "path to the RoundConfig YAML file (required)")
	cmd.Flags().StringVar(&outcomeDir, "outcome-dir", ".", "directory outcome files are written to")
	cmd.MarkFlagRequired("peer-config")
	cmd.MarkFlagRequired("round-config")
	return cmd
}

func runTS(peerConfigPath, roundConfigPath, outcomeDir string) error {
	peerCfg, err := config.LoadPeerConfig(peerConfigPath)
	if err != nil {
		return err
	}
	roundFile, err := config.LoadRoundConfigFile(roundConfigPath)
	if err != nil {
		return err
	}
	cfg, err := config.BuildRoundConfig(roundFile)
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

	if err := noise.SelfCheck(1.0, 10000); err != nil {
		return err
	}

	tlsCfg, err := (session.TLSMaterial{
		CertPath: peerCfg.TLSCertPath,
		KeyPath:  peerCfg.TLSKeyPath,
		CAPath:   peerCfg.TLSCAPath,
	}).ServerConfig()
	if err != nil {
		return err
	}

	coord := ts.New(priv, secret, allowed, ts.Timeouts{
		ConfigAck:   30 * time.Second,
		ShareSubmit: 30 * time.Second,
	}, outcomeDir)

	ln, err := net.Listen("tcp", peerCfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("ts: listening on %s: %w", peerCfg.ListenAddr, err)
	}
	go func() {
		if serveErr := coord.Serve(ln, tlsCfg); serveErr != nil {
			log.Warnf("ts: serve: %v", serveErr)
		}
	}()

	for {
		if err := coord.RunRound(cfg); err != nil {
			log.Warnf("ts: round %s did not publish: %v", cfg.RoundID, err)
		}
		if !cfg.Continue {
			return nil
		}
	}
}
