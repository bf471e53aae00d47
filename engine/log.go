// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import "github.com/bitmark-inc/logger"

// log is a best-effort debug logging channel; it stays nil unless some
// caller runs logger.Initialise + assigns it, so every use must be
// nil-guarded rather than relying on the logger package's own panic-on-
// uninitialised behavior.
var log *logger.L
