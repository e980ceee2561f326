// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealVerifyRoundTrip(t *testing.T) {
	secret := []byte("handshake-secret")
	env, err := Seal(TypeConfigAck, "round-1", ConfigAckPayload{Hash: "abc", Accept: true}, secret)
	require.NoError(t, err)
	require.NoError(t, env.Verify(secret))

	var payload ConfigAckPayload
	require.NoError(t, env.Unmarshal(&payload))
	require.Equal(t, "abc", payload.Hash)
	require.True(t, payload.Accept)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	secret := []byte("handshake-secret")
	env, err := Seal(TypeConfigAck, "round-1", ConfigAckPayload{Hash: "abc", Accept: true}, secret)
	require.NoError(t, err)

	env.Payload = []byte(`{"hash":"abc","accept":false}`)
	require.Error(t, env.Verify(secret))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	env, err := Seal(TypeStart, "round-1", struct{}{}, []byte("secret-a"))
	require.NoError(t, err)
	require.Error(t, env.Verify([]byte("secret-b")))
}

func TestVerifyRejectsVersionSkew(t *testing.T) {
	secret := []byte("s")
	env, err := Seal(TypeStart, "round-1", struct{}{}, secret)
	require.NoError(t, err)
	env.V = ProtocolVersion + 1
	require.Error(t, env.Verify(secret))
}

func TestReaderWriterRoundTrip(t *testing.T) {
	secret := []byte("s")
	env, err := Seal(TypeRoundEnd, "round-1", struct{}{}, secret)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteEnvelope(env))

	got, err := NewReader(&buf, MaxLineBytes).ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, env.Type, got.Type)
	require.Equal(t, env.MAC, got.MAC)
	require.NoError(t, got.Verify(secret))
}

func TestReaderRejectsOversizedLine(t *testing.T) {
	secret := []byte("s")
	env, err := Seal(TypeRoundEnd, "round-1", struct{}{}, secret)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteEnvelope(env))

	_, err = NewReader(&buf, 4).ReadEnvelope()
	require.Error(t, err)
}
