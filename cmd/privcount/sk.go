// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package main

import (
	"github.com/spf13/cobra"

	"github.com/privcount/privcount/config"
	"github.com/privcount/privcount/session"
	"github.com/privcount/privcount/sk"
)

func newSKCmd() *cobra.Command {
	var peerConfigPath string
	var localTolerance float64
	cmd := &cobra.Command{
		Use:   "sk",
		Short: "Run the Share Keeper role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSK(peerConfigPath, localTolerance)
		},
	}
	cmd.Flags().StringVar(&peerConfigPath, "peer-config", "", "path to the process-local peer configuration (required)")
	cmd.Flags().Float64Var(&localTolerance, "sigma-decrease-tolerance", 0, "this SK's own sigma_decrease_tolerance policy (I3)")
	cmd.MarkFlagRequired("peer-config")
	return cmd
}

func runSK(peerConfigPath string, localTolerance float64) error {
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

	keeper := sk.New(priv, localTolerance)
	client := sk.NewClient(keeper, priv, secret, allowed)
	for {
		if err := client.Run(peerCfg.TSAddr, tlsCfg); err != nil {
			log.Warnf("sk: %v", err)
			return err
		}
	}
}
