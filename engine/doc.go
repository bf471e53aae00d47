// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package engine implements an embedded, transactional key-value storage
// engine: a set of order-64 B-tree indexes over fixed-length keys, each
// pointing into shared append-only data files, with a deletion index for
// free-space reuse, a write-ahead log for crash recovery and an in-memory
// transaction buffer that batches writes, deletes and key renames and
// applies them atomically on commit.
//
// A Database owns a folder on disk:
//
//	<folder>/
//	  idx_<index_id>_<file_no>   index files (B-tree nodes)
//	  del                        deletion index
//	  dat_<file_no>              data files
//	  log                        write-ahead log
//
// Only one Database may have a given folder open at a time; only one
// Transaction commits at a time. There is no concurrent multi-writer
// access and no networked protocol - this is an embedded, single-process
// engine.
package engine
