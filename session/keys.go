// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package session

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// MinRSABits is the minimum key size spec §4.5 requires ("≥ 2048,
// recommended 4096").
const MinRSABits = 2048

// GenerateKey creates a fresh RSA key pair at the recommended size.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 4096)
}

// LoadOrCreatePrivateKey reads a PEM-encoded PKCS#1 RSA private key from
// path, generating and persisting a fresh one if the file does not exist
// — mirroring the secret_handshake key behavior of spec §6 ("created if
// absent with fresh CSPRNG bytes") extended to long-lived identity keys,
// which every role loads once at startup and holds only in memory (spec
// §5 "Shared resources").
func LoadOrCreatePrivateKey(path string) (*rsa.PrivateKey, error) {
	bz, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key, genErr := GenerateKey()
		if genErr != nil {
			return nil, fmt.Errorf("session: generating RSA key: %w", genErr)
		}
		if writeErr := writePrivateKeyPEM(path, key); writeErr != nil {
			return nil, writeErr
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: reading private key %s: %w", path, err)
	}
	block, _ := pem.Decode(bz)
	if block == nil {
		return nil, fmt.Errorf("session: %s is not PEM-encoded", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("session: parsing private key %s: %w", path, err)
	}
	return key, nil
}

func writePrivateKeyPEM(path string, key *rsa.PrivateKey) error {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("session: creating %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, block)
}

// PublicKeyPEM renders pub as a PEM-encoded SubjectPublicKeyInfo block,
// the wire representation carried in RoundConfig.SKs and Hello messages.
func PublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("session: marshaling public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicKeyPEM parses the PEM form back into an *rsa.PublicKey.
func ParsePublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("session: not PEM-encoded")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("session: parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("session: public key is not RSA")
	}
	if rsaPub.Size()*8 < MinRSABits {
		return nil, fmt.Errorf("session: RSA key too small (%d bits < %d)", rsaPub.Size()*8, MinRSABits)
	}
	return rsaPub, nil
}

// LoadOrCreateHandshakeSecret reads the shared HMAC handshake secret from
// path, generating 32 fresh CSPRNG bytes and persisting them if absent —
// spec §6: "secret_handshake (path; created if absent with fresh CSPRNG
// bytes)".
func LoadOrCreateHandshakeSecret(path string) ([]byte, error) {
	bz, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		secret := make([]byte, 32)
		if _, rerr := rand.Read(secret); rerr != nil {
			return nil, fmt.Errorf("session: generating handshake secret: %w", rerr)
		}
		if werr := os.WriteFile(path, secret, 0o600); werr != nil {
			return nil, fmt.Errorf("session: writing handshake secret: %w", werr)
		}
		return secret, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: reading handshake secret %s: %w", path, err)
	}
	return bz, nil
}
