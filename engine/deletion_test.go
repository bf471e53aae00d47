// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeletedSectionEncodeDecodeRoundTrip(t *testing.T) {
	s := DeletedSection{Active: true, Length: 1234, FileID: 7, Offset: 99}
	decoded, err := decodeDeletedSection(s.encode(), 48)
	assert.NoError(t, err)
	assert.Equal(t, s.Active, decoded.Active)
	assert.Equal(t, s.Length, decoded.Length)
	assert.Equal(t, s.FileID, decoded.FileID)
	assert.Equal(t, s.Offset, decoded.Offset)
	assert.Equal(t, uint32(48), decoded.IndexPos)
}

func TestDeletionIndexReserveCarvesFromHighEnd(t *testing.T) {
	di := newDeletionIndex(newFileManager(t.TempDir(), 0))
	di.entries = append(di.entries, &DeletedSection{Active: true, Length: 100, FileID: 3, Offset: 50})

	fileID, offset, ok := di.Reserve(40)
	assert.True(t, ok)
	assert.Equal(t, uint16(3), fileID)
	assert.Equal(t, uint32(50+100-40), offset)

	// remainder of 60 bytes should now be the largest active entry
	assert.Len(t, di.entries, 1)
	assert.Equal(t, uint32(60), di.entries[0].Length)
	assert.Equal(t, uint32(50), di.entries[0].Offset)
}

func TestDeletionIndexReserveFailsWhenNothingFits(t *testing.T) {
	di := newDeletionIndex(newFileManager(t.TempDir(), 0))
	di.entries = append(di.entries, &DeletedSection{Active: true, Length: 10, FileID: 1, Offset: 0})

	_, _, ok := di.Reserve(100)
	assert.False(t, ok)
}

func TestDeletionIndexFreeIsSortedActiveFirstThenLargest(t *testing.T) {
	di := newDeletionIndex(newFileManager(t.TempDir(), 0))
	di.Free(1, 0, 10)
	di.Free(1, 100, 500)
	di.Free(1, 700, 50)

	assert.Equal(t, uint32(500), di.entries[0].Length)
	assert.Equal(t, uint32(50), di.entries[1].Length)
	assert.Equal(t, uint32(10), di.entries[2].Length)
}

func TestDeletionIndexFlushPendingWritesFlipsAndAppends(t *testing.T) {
	dir := t.TempDir()
	fm := newFileManager(dir, 0)
	di := newDeletionIndex(fm)

	di.Free(1, 0, 10)
	assert.NoError(t, di.FlushPending())

	fileID, offset, ok := di.Reserve(4)
	assert.True(t, ok)
	assert.Equal(t, uint16(1), fileID)
	assert.Equal(t, uint32(6), offset)
	assert.NoError(t, di.FlushPending())

	// reloading from disk should reflect the retirement + remainder append
	reloaded := newDeletionIndex(fm)
	assert.NoError(t, reloaded.load())
	assert.Len(t, reloaded.entries, 1)
	assert.Equal(t, uint32(6), reloaded.entries[0].Length)
}
