// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package session

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSMaterial names the cert/key/CA paths from spec §6's "TLS key/cert
// paths" configuration keys.
type TLSMaterial struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// ServerConfig builds a mutually-authenticated TLS 1.2+ server config
// (spec §2: "mutually-authenticated... TLS"), requiring and verifying a
// client certificate signed by the configured CA.
func (m TLSMaterial) ServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.CertPath, m.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("session: loading TLS cert/key: %w", err)
	}
	pool, err := loadCAPool(m.CAPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig builds the matching mutually-authenticated client config.
func (m TLSMaterial) ClientConfig(serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.CertPath, m.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("session: loading TLS cert/key: %w", err)
	}
	pool, err := loadCAPool(m.CAPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: reading CA bundle %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(bz) {
		return nil, fmt.Errorf("session: no certificates parsed from %s", path)
	}
	return pool, nil
}
