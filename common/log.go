// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package common

import (
	logging "github.com/ipfs/go-log/v2"
)

// Logger returns a named, process-wide logger. Every subsystem package
// keeps its own package-level handle (e.g. `var log = common.Logger("ts")`)
// rather than passing a logger through every call, matching the single
// global sugared-logger idiom the reference corpus uses.
func Logger(name string) *logging.ZapEventLogger {
	return logging.Logger("privcount/" + name)
}

// SetLogLevel adjusts the level of every privcount/* subsystem logger at
// once. -v raises it to debug, -q lowers it to error; the default is info.
func SetLogLevel(level string) error {
	return logging.SetLogLevel("*", level)
}
