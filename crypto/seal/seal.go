// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package seal implements the two encryption contracts spec §3/§4.3
// assume as available primitives: direct RSA-OAEP sealing of a share
// seed, and hybrid AES-GCM-under-RSA-OAEP-wrapped-key sealing of a
// submitted share set.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// EncryptSeed RSA-OAEP/MGF1/SHA256-encrypts a 256-bit share seed directly
// under the recipient's public key, per spec §3: "exchanged pairwise...
// encrypted under the peer's RSA public key using OAEP/MGF1/SHA256."
func EncryptSeed(pub *rsa.PublicKey, seed [32]byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, seed[:], nil)
	if err != nil {
		return nil, fmt.Errorf("seal: OAEP encrypt: %w", err)
	}
	return ct, nil
}

// DecryptSeed reverses EncryptSeed.
func DecryptSeed(priv *rsa.PrivateKey, ciphertext []byte) ([32]byte, error) {
	var seed [32]byte
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return seed, fmt.Errorf("seal: OAEP decrypt: %w", err)
	}
	if len(pt) != 32 {
		return seed, fmt.Errorf("seal: decrypted seed has length %d, want 32", len(pt))
	}
	copy(seed[:], pt)
	return seed, nil
}

// Sealed is the hybrid-encrypted form of a share submission: an
// RSA-OAEP-wrapped AES-256 key, the GCM nonce, and the ciphertext.
type Sealed struct {
	WrappedKey []byte
	Nonce      []byte
	Ciphertext []byte
}

// SealPayload encrypts plaintext (a share.Set's JSON wire form) under a
// fresh AES-256-GCM key, then wraps that key with the TS's RSA public
// key, per spec §4.3 "Submission": "seal the current share map with
// authenticated symmetric encryption under a fresh key, wrap that key
// with the TS's RSA public key."
func SealPayload(tsPub *rsa.PublicKey, plaintext []byte) (*Sealed, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("seal: generating AES key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: generating nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, tsPub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("seal: wrapping AES key: %w", err)
	}
	// the raw key is no longer needed once wrapped; zero it before it
	// leaves scope, matching spec §5's per-round-key zeroization rule.
	for i := range key {
		key[i] = 0
	}
	return &Sealed{WrappedKey: wrapped, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// UnsealPayload reverses SealPayload using the TS's RSA private key.
func UnsealPayload(tsPriv *rsa.PrivateKey, s *Sealed) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, tsPriv, s.WrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("seal: unwrapping AES key: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: GCM: %w", err)
	}
	pt, err := gcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("seal: GCM open: %w", err)
	}
	return pt, nil
}
