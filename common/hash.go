// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package common

import (
	"crypto/sha256"
	"encoding/binary"
)

const (
	hashInputDelimiter = byte('$')
)

// DomainHash computes SHA-256 over a domain-separation label followed by
// zero or more fields, each length-prefixed and delimited so that no
// concatenation of inputs can collide with a different split of the same
// bytes. Every content-hash and keystream-label computation in the
// protocol (RoundConfig hash, PRF labels, fingerprint-set digests) is
// built from this one primitive; see spec §9 "Keystream determinism" for
// why the byte encoding must be pinned down exactly.
func DomainHash(label string, fields ...[]byte) []byte {
	state := sha256.New()
	inLen := len(fields)
	// prevent hash collisions with this prefix containing the block count
	var inLenBz [8]byte
	binary.BigEndian.PutUint64(inLenBz[:], uint64(inLen))

	bzSize := len(label)
	for _, f := range fields {
		bzSize += len(f)
	}
	data := make([]byte, 0, len(inLenBz)+len(label)+bzSize+inLen*9)
	data = append(data, inLenBz[:]...)
	data = append(data, []byte(label)...)
	data = append(data, hashInputDelimiter)
	for _, f := range fields {
		var dataLen [8]byte
		binary.BigEndian.PutUint64(dataLen[:], uint64(len(f)))
		// each field is preceded by its big-endian length so that domain
		// separation holds even when two fields happen to share a common
		// prefix or suffix.
		data = append(data, dataLen[:]...)
		data = append(data, f...)
		data = append(data, hashInputDelimiter) // safety delimiter
	}
	state.Write(data)
	return state.Sum(nil)
}

// EncodeUint64 big-endian encodes v; used to encode bin indices in PRF
// labels per spec §9 ("64-bit bin indices").
func EncodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
