// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"encoding/binary"
	"sort"

	"github.com/Vital78/cbitcoin/fault"
)

// DeletedSection describes one free (or once-free) extent of a data file,
// per spec.md 4.2's 12 byte key layout:
//
//	active(1) || length_be(4) || file_id_le(2) || offset_le(4) || reserved(1)
//
// length is stored big-endian and the rest little-endian, matching the
// mixed endianness the rest of the on-disk formats use.
type DeletedSection struct {
	Active   bool
	Length   uint32
	FileID   uint16
	Offset   uint32
	IndexPos uint32 // byte offset of this record within the del file
}

func (s DeletedSection) encode() []byte {
	buf := make([]byte, deletedSectionKeySize)
	if s.Active {
		buf[0] = 1
	}
	binary.BigEndian.PutUint32(buf[1:5], s.Length)
	binary.LittleEndian.PutUint16(buf[5:7], s.FileID)
	binary.LittleEndian.PutUint32(buf[7:11], s.Offset)
	return buf
}

func decodeDeletedSection(data []byte, pos uint32) (DeletedSection, error) {
	if len(data) != deletedSectionKeySize {
		return DeletedSection{}, fault.ErrNodeCorrupted
	}
	return DeletedSection{
		Active:   data[0] != 0,
		Length:   binary.BigEndian.Uint32(data[1:5]),
		FileID:   binary.LittleEndian.Uint16(data[5:7]),
		Offset:   binary.LittleEndian.Uint32(data[7:11]),
		IndexPos: pos,
	}, nil
}

// deletionIndex is the in-memory sorted pool of reclaimable data-file
// extents (spec.md 4.2). Unlike the C original's byte-inversion trick for
// forcing a lexicographic ordering to double as "largest active extent
// first", entries here are kept in a plain Go slice ordered by an
// explicit less function - simpler to read, same O(log n) search, at the
// cost of an extra field comparison per probe (see DESIGN.md).
type deletionIndex struct {
	fm      *fileManager
	entries []*DeletedSection // sorted: active first, then by Length descending
	tail    uint32            // next append offset within the del file

	pendingFlips   []*DeletedSection // entries retired this transaction; need before-images
	pendingAppends []*DeletedSection // new entries this transaction; pure growth
}

func newDeletionIndex(fm *fileManager) *deletionIndex {
	return &deletionIndex{fm: fm}
}

func deletionLess(a, b *DeletedSection) bool {
	if a.Active != b.Active {
		return a.Active
	}
	if a.Length != b.Length {
		return a.Length > b.Length
	}
	if a.FileID != b.FileID {
		return a.FileID < b.FileID
	}
	return a.Offset < b.Offset
}

// load reads every record from the del file sequentially and keeps the
// active ones in the sorted pool. Called once when a database is opened.
func (di *deletionIndex) load() error {
	key := fileKey{kind: kindDeletion}
	size, err := di.fm.size(key)
	if nil != err {
		return err
	}
	di.tail = uint32(size)
	for pos := uint32(0); pos+deletedSectionKeySize <= uint32(size); pos += deletedSectionKeySize {
		data, err := di.fm.read(key, int64(pos), deletedSectionKeySize)
		if nil != err {
			return err
		}
		section, err := decodeDeletedSection(data, pos)
		if nil != err {
			return err
		}
		if section.Active {
			s := section
			di.entries = append(di.entries, &s)
		}
	}
	sort.Slice(di.entries, func(i, j int) bool { return deletionLess(di.entries[i], di.entries[j]) })
	return nil
}

func (di *deletionIndex) insertSorted(s *DeletedSection) {
	i := sort.Search(len(di.entries), func(i int) bool { return !deletionLess(di.entries[i], s) })
	di.entries = append(di.entries, nil)
	copy(di.entries[i+1:], di.entries[i:])
	di.entries[i] = s
}

func (di *deletionIndex) removeEntry(s *DeletedSection) {
	for i, e := range di.entries {
		if e == s {
			di.entries = append(di.entries[:i], di.entries[i+1:]...)
			return
		}
	}
}

// Reserve carves length bytes from the tail of the largest active extent
// large enough to hold them, per spec.md 4.2's allocation rule. If no
// extent fits, ok is false and the caller must append to a data file
// instead. Disk writes are deferred to FlushPending.
func (di *deletionIndex) Reserve(length uint32) (fileID uint16, offset uint32, ok bool) {
	if len(di.entries) == 0 {
		return 0, 0, false
	}
	best := di.entries[0]
	if !best.Active || best.Length < length {
		return 0, 0, false
	}
	di.removeEntry(best)
	di.pendingFlips = append(di.pendingFlips, best)

	allocatedOffset := best.Offset + best.Length - length
	remainder := best.Length - length
	if remainder > 0 {
		leftover := &DeletedSection{Active: true, Length: remainder, FileID: best.FileID, Offset: best.Offset, IndexPos: di.tail}
		di.tail += deletedSectionKeySize
		di.pendingAppends = append(di.pendingAppends, leftover)
		di.insertSorted(leftover)
	}
	return best.FileID, allocatedOffset, true
}

// Free registers a newly vacated extent as reclaimable. No coalescing
// with adjacent extents is attempted, matching spec.md 4.2.
func (di *deletionIndex) Free(fileID uint16, offset, length uint32) {
	s := &DeletedSection{Active: true, Length: length, FileID: fileID, Offset: offset, IndexPos: di.tail}
	di.tail += deletedSectionKeySize
	di.pendingAppends = append(di.pendingAppends, s)
	di.insertSorted(s)
}

// PendingFlipPositions returns the on-disk byte offsets that FlushPending
// will overwrite - the commit engine needs these to log before-images
// ahead of the actual write.
func (di *deletionIndex) PendingFlipPositions() []uint32 {
	positions := make([]uint32, len(di.pendingFlips))
	for i, s := range di.pendingFlips {
		positions[i] = s.IndexPos
	}
	return positions
}

// FlushPending performs the deferred disk writes: flipping retired
// entries' active byte off, then appending the transaction's new
// entries. Callers must have already logged before-images for the flips.
func (di *deletionIndex) FlushPending() error {
	key := fileKey{kind: kindDeletion}
	for _, s := range di.pendingFlips {
		if err := di.fm.overwrite(key, int64(s.IndexPos), []byte{0}); nil != err {
			return err
		}
	}
	for _, s := range di.pendingAppends {
		if _, err := di.fm.append(key, s.encode()); nil != err {
			return err
		}
	}
	di.pendingFlips = di.pendingFlips[:0]
	di.pendingAppends = di.pendingAppends[:0]
	return nil
}

func (di *deletionIndex) sync() error {
	return di.fm.sync(fileKey{kind: kindDeletion})
}
