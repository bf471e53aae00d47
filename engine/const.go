// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

const (
	// Order - number of elements per B-tree node.
	Order = 64
	// HalfOrder - elements each half of a split receives; a leaf half can
	// end up with fewer once its tombstones are compacted away.
	HalfOrder = Order / 2

	// DeletedSentinel marks a tombstoned index element, an absent value
	// for Transaction.Length, and "overwrite from scratch" for WriteSubsection.
	DeletedSentinel = 0xFFFFFFFF

	// DefaultMaxFileSize - a data or index file is rolled to the next
	// numbered file once appending would exceed this size.
	DefaultMaxFileSize = 2 * 1024 * 1024 * 1024 // 2 GiB

	// indexValueFixedSize is the on-disk size of an IndexValue's non-key
	// fields: fileID(2) + pos(4) + length(4).
	indexValueFixedSize = 2 + 4 + 4

	// childPointerSize is the on-disk size of a child pointer:
	// indexFile(2) + offset(4).
	childPointerSize = 2 + 4

	// indexFileHeaderSize is the 6 byte [last_file:2 | last_size:4] header
	// present at the start of index file 0.
	indexFileHeaderSize = 6

	// deletedSectionKeySize is the fixed 12 byte key layout of a deletion
	// index entry: active(1) || length_be(4) || file_id_le(2) || offset_le(4) || reserved(1).
	deletedSectionKeySize = 12
)

// file name prefixes, see doc.go for the on-disk layout.
const (
	indexFilePrefix = "idx_"
	deletionFile    = "del"
	dataFilePrefix  = "dat_"
	logFile         = "log"
)
