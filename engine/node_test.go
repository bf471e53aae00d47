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

func makeKey(keySize int, n byte) []byte {
	k := make([]byte, keySize)
	k[keySize-1] = n
	return k
}

func TestNodeEncodeDecodeRoundTrip(t *testing.T) {
	n := newNode(4, true)
	n.numElements = 3
	n.elements[0] = IndexValue{Key: makeKey(4, 1), FileID: 1, Pos: 10, Length: 20}
	n.elements[1] = IndexValue{Key: makeKey(4, 2), FileID: 1, Pos: 30, Length: 5}
	n.elements[2] = IndexValue{Key: makeKey(4, 3), FileID: 2, Pos: 0, Length: DeletedSentinel}

	data := n.encode()
	assert.Equal(t, nodeByteSize(4), len(data))

	decoded, err := decodeNode(data, 4)
	assert.NoError(t, err)
	assert.Equal(t, 3, decoded.numElements)
	assert.True(t, decoded.leaf)
	assert.Equal(t, n.elements[0], decoded.elements[0])
	assert.True(t, decoded.elements[2].Deleted())
}

func TestDecodeNodeRejectsWrongSize(t *testing.T) {
	_, err := decodeNode([]byte{0, 1, 2}, 4)
	assert.Error(t, err)
	assert.True(t, fault.IsCorruptedError(err))
}

func TestNodeSearch(t *testing.T) {
	n := newNode(4, true)
	n.numElements = 3
	n.elements[0] = IndexValue{Key: makeKey(4, 1)}
	n.elements[1] = IndexValue{Key: makeKey(4, 3)}
	n.elements[2] = IndexValue{Key: makeKey(4, 5)}

	slot, found := n.search(makeKey(4, 3), DefaultComparator)
	assert.True(t, found)
	assert.Equal(t, 1, slot)

	slot, found = n.search(makeKey(4, 4), DefaultComparator)
	assert.False(t, found)
	assert.Equal(t, 2, slot)
}

func TestInsertElementAtShiftsChildren(t *testing.T) {
	n := newNode(4, false)
	n.numElements = 2
	n.elements[0] = IndexValue{Key: makeKey(4, 1)}
	n.elements[1] = IndexValue{Key: makeKey(4, 3)}
	left := newNode(4, true)
	mid := newNode(4, true)
	right := newNode(4, true)
	n.children[0] = cachedChild(left)
	n.children[1] = cachedChild(mid)
	n.children[2] = cachedChild(right)

	newRight := newNode(4, true)
	n.insertElementAt(1, IndexValue{Key: makeKey(4, 2)}, cachedChild(newRight))

	assert.Equal(t, 3, n.numElements)
	assert.Equal(t, left, n.children[0].cachedAt)
	assert.Equal(t, mid, n.children[1].cachedAt)
	assert.Equal(t, newRight, n.children[2].cachedAt)
	assert.Equal(t, right, n.children[3].cachedAt)
	assert.Equal(t, 2, newRight.parentSlot)
	assert.Equal(t, 3, right.parentSlot)
}

func TestSplitOverflowPromotesMedian(t *testing.T) {
	var overflow [Order + 1]IndexValue
	for i := 0; i < Order+1; i++ {
		overflow[i] = IndexValue{Key: makeKey(4, byte(i))}
	}
	left, right, median := splitOverflow(4, true, overflow, [Order + 2]child{})

	assert.Equal(t, HalfOrder, left.numElements)
	assert.Equal(t, HalfOrder, right.numElements)
	assert.Equal(t, overflow[HalfOrder], median)
	assert.Equal(t, overflow[0], left.elements[0])
	assert.Equal(t, overflow[HalfOrder+1], right.elements[0])
}

func TestTombstoneCompactDropsDeletedLeafElements(t *testing.T) {
	n := newNode(4, true)
	n.numElements = 3
	n.elements[0] = IndexValue{Key: makeKey(4, 1), Length: 5}
	n.elements[1] = IndexValue{Key: makeKey(4, 2), Length: DeletedSentinel}
	n.elements[2] = IndexValue{Key: makeKey(4, 3), Length: 5}

	n.tombstoneCompact()

	assert.Equal(t, 2, n.numElements)
	assert.Equal(t, makeKey(4, 1), n.elements[0].Key)
	assert.Equal(t, makeKey(4, 3), n.elements[1].Key)
}
