// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Vital78/cbitcoin/fault"
)

func noReserve(uint32) (uint16, uint32, bool) { return 0, 0, false }

func TestPlanPlacementReusesInPlaceOnEqualLength(t *testing.T) {
	existing := &IndexValue{FileID: 2, Pos: 40, Length: 8}
	p, err := planPlacement(existing, 8, noReserve, 2, 100, 1<<20)
	assert.NoError(t, err)
	assert.True(t, p.inPlace)
	assert.Equal(t, uint16(2), p.fileID)
	assert.Equal(t, uint32(40), p.offset)
}

func TestPlanPlacementShrinksInPlaceAndFreesOnlyTheTail(t *testing.T) {
	existing := &IndexValue{FileID: 2, Pos: 40, Length: 8}
	p, err := planPlacement(existing, 5, noReserve, 2, 100, 1<<20)
	assert.NoError(t, err)
	assert.True(t, p.inPlace)
	assert.Equal(t, uint16(2), p.fileID)
	assert.Equal(t, uint32(40), p.offset)
	assert.Equal(t, uint32(3), p.tailFreed)
}

func TestPlanPlacementPrefersDeletionPoolOnLengthChange(t *testing.T) {
	existing := &IndexValue{FileID: 2, Pos: 40, Length: 8}
	reserve := func(length uint32) (uint16, uint32, bool) {
		assert.Equal(t, uint32(20), length)
		return 5, 900, true
	}
	p, err := planPlacement(existing, 20, reserve, 2, 100, 1<<20)
	assert.NoError(t, err)
	assert.False(t, p.inPlace)
	assert.True(t, p.fromPool)
	assert.Equal(t, uint16(5), p.fileID)
	assert.Equal(t, uint32(900), p.offset)
}

func TestPlanPlacementAppendsToTailWhenPoolEmpty(t *testing.T) {
	p, err := planPlacement(nil, 20, noReserve, 3, 500, 1<<20)
	assert.NoError(t, err)
	assert.True(t, p.tailGrows)
	assert.False(t, p.newFile)
	assert.Equal(t, uint16(3), p.fileID)
	assert.Equal(t, uint32(500), p.offset)
}

func TestPlanPlacementRollsToNewFileOnOverflow(t *testing.T) {
	p, err := planPlacement(nil, 20, noReserve, 3, 990, 1000)
	assert.NoError(t, err)
	assert.True(t, p.newFile)
	assert.Equal(t, uint16(4), p.fileID)
	assert.Equal(t, uint32(0), p.offset)
}

func TestPlanPlacementReportsFullWhenFileIDsExhausted(t *testing.T) {
	_, err := planPlacement(nil, 20, noReserve, 65535, 990, 1000)
	assert.ErrorIs(t, err, fault.ErrNoFileSlot)
}

func TestReserveNewLocationReportsFullWhenFileIDsExhausted(t *testing.T) {
	d := newIndexDescriptor(1, 8, 16, DefaultComparator, newFileManager(t.TempDir(), 1000))
	d.newLastFile = 65535
	d.newLastSize = 990

	_, err := d.reserveNewLocation()
	assert.ErrorIs(t, err, fault.ErrNoFileSlot)
}
