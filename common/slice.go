// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package common

// NonEmptyBytes returns true when the byte slice is non-nil and non-empty.
// Used across wire/session to reject zero-length MAC and payload fields
// before they reach a decoder.
func NonEmptyBytes(bz []byte) bool {
	return bz != nil && len(bz) > 0
}

// NonEmptyMultiBytes returns true when every slice in bzs is non-nil and
// non-empty, and, if expectLen is given, that len(bzs) matches it exactly.
func NonEmptyMultiBytes(bzs [][]byte, expectLen ...int) bool {
	if len(bzs) == 0 {
		return false
	}
	if len(expectLen) > 0 && expectLen[0] != len(bzs) {
		return false
	}
	for _, bz := range bzs {
		if !NonEmptyBytes(bz) {
			return false
		}
	}
	return true
}
