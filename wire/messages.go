// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package wire

import (
	"encoding/json"
	"time"
)

// HelloPayload opens a session: the sender's role, RSA public key (PEM),
// and the 32-byte nonce used by the handshake of spec §4.5.
type HelloPayload struct {
	Role      string `json:"role"` // "ts", "sk", or "dc"
	PublicKey string `json:"public_key_pem"`
	Nonce     string `json:"nonce_hex"`
}

// HelloAckPayload answers a Hello with the receiver's own nonce and HMAC
// proof of the shared handshake secret (spec §4.5).
type HelloAckPayload struct {
	Nonce string `json:"nonce_hex"`
	Proof string `json:"proof_hex"`
}

// StatusPayload reports a peer's current round status. No role sends a
// Status message; the TS counts quorum from ConfigAck replies.
type StatusPayload struct {
	Fingerprint string `json:"fingerprint"`
	RoundHash   string `json:"round_hash,omitempty"`
	State       string `json:"state"`
}

// RoundConfigPayload carries the canonical RoundConfig JSON (already
// hashed) plus the hash itself for convenience.
type RoundConfigPayload struct {
	Hash   string          `json:"hash"`
	Config json.RawMessage `json:"config"`
}

// ConfigAckPayload is a peer's acknowledgement (or rejection) of a
// distributed RoundConfig, per spec §4.1's distribute_round contract.
type ConfigAckPayload struct {
	Hash    string `json:"hash"`
	Accept  bool   `json:"accept"`
	Reason  string `json:"reason,omitempty"`
	ErrKind string `json:"err_kind,omitempty"`
}

// SeedPayload is TS-relayed between a DC and an SK: the DC's fingerprint,
// the RSA-OAEP-encrypted 256-bit seed for that SK, and the SK it targets.
// Spec §3: "exchanged pairwise between each DC/SK pair encrypted under the
// peer's RSA public key".
type SeedPayload struct {
	FromFingerprint string `json:"from_fingerprint"`
	ToFingerprint   string `json:"to_fingerprint"`
	EncryptedSeed   string `json:"encrypted_seed_hex"`
}

// StartPayload signals COLLECTING begins.
type StartPayload struct {
	StartTime time.Time `json:"start_time"`
}

// StopPayload signals COLLECTING ends and submissions are due.
type StopPayload struct {
	StopTime time.Time `json:"stop_time"`
}

// ShareSubmitPayload carries one peer's sealed share set, per spec §4.3
// "Submission": AES-GCM-sealed under a fresh symmetric key, itself
// wrapped with the TS's RSA public key.
type ShareSubmitPayload struct {
	Fingerprint     string `json:"fingerprint"`
	WrappedKey      string `json:"wrapped_key_hex"`
	Nonce           string `json:"nonce_hex"`
	Ciphertext      string `json:"ciphertext_hex"`
}

// RoundEndPayload closes out a round for every peer, whether published or
// aborted.
type RoundEndPayload struct {
	Hash      string `json:"hash"`
	Published bool   `json:"published"`
}

// AbortPayload reports a round abort, per spec §7's single-warning-line
// policy rendered into protocol form.
type AbortPayload struct {
	Hash        string `json:"hash"`
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Reason      string `json:"reason"`
}
