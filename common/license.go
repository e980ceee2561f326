// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

// Package common holds logging, hashing and randomness helpers shared by
// every PrivCount role (ts, sk, dc) and by the counter/noise/share engines.
package common
