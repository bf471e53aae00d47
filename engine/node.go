// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"encoding/binary"

	"github.com/Vital78/cbitcoin/fault"
)

// Comparator orders two fixed-length keys of the same index the way
// bytes.Compare does: negative if a < b, zero if equal, positive if a > b.
// The default is lexicographic; application-specific orderings are
// supplied per index at load time (the accounter uses the default, since
// its numeric key fields are big-endian) - the engine itself is unaware of key semantics (spec.md 9, "Dynamic
// dispatch").
type Comparator func(a, b []byte) int

// node is the in-memory representation of one B-tree node: up to Order
// elements sorted by key and, for internal nodes, up to Order+1 children.
// Each child slot holds either a file location or a pointer to a node in
// the descriptor's cache; a cached node points back at its parent and
// its slot there.
type node struct {
	keySize     int
	numElements int
	elements    [Order]IndexValue
	leaf        bool
	children    [Order + 1]child

	parent     *node
	parentSlot int

	location DiskLocation // where this node is persisted; Zero() if new
	dirty    bool
	queued   bool // already enqueued in the descriptor's pending list
}

func newNode(keySize int, leaf bool) *node {
	return &node{keySize: keySize, leaf: leaf, dirty: true}
}

// nodeByteSize returns the fixed on-disk size of a node for the given key
// size, per spec.md 4.3's layout.
func nodeByteSize(keySize int) int {
	elementSize := keySize + indexValueFixedSize
	return 1 + Order*elementSize + (Order+1)*childPointerSize
}

// encode serializes the node to its fixed-size on-disk layout:
//
//	[num_elements:1][elements...][child pointers...]
func (n *node) encode() []byte {
	buf := make([]byte, nodeByteSize(n.keySize))
	buf[0] = byte(n.numElements)
	off := 1
	elementSize := n.keySize + indexValueFixedSize
	for i := 0; i < Order; i++ {
		pos := off + i*elementSize
		if i < n.numElements {
			e := n.elements[i]
			copy(buf[pos:], e.Key)
			binary.LittleEndian.PutUint16(buf[pos+n.keySize:], e.FileID)
			binary.LittleEndian.PutUint32(buf[pos+n.keySize+2:], e.Pos)
			binary.LittleEndian.PutUint32(buf[pos+n.keySize+6:], e.Length)
		}
	}
	off += Order * elementSize
	for i := 0; i <= Order; i++ {
		pos := off + i*childPointerSize
		if !n.leaf && i < n.numElements+1 && !n.children[i].isNil() {
			loc := n.children[i].disk
			if n.children[i].cached {
				loc = n.children[i].cachedAt.location
			}
			binary.LittleEndian.PutUint16(buf[pos:], loc.IndexFile)
			binary.LittleEndian.PutUint32(buf[pos+2:], loc.Offset)
		}
	}
	return buf
}

// decodeNode parses a node from its on-disk representation. leaf is
// derived from whether any child pointer is non-zero (spec.md 4.3: "Every
// node either has B children ... or zero").
func decodeNode(data []byte, keySize int) (*node, error) {
	if len(data) != nodeByteSize(keySize) {
		return nil, fault.ErrNodeCorrupted
	}
	n := &node{keySize: keySize}
	n.numElements = int(data[0])
	if n.numElements > Order {
		return nil, fault.ErrNodeCorrupted
	}
	off := 1
	elementSize := keySize + indexValueFixedSize
	for i := 0; i < n.numElements; i++ {
		pos := off + i*elementSize
		key := make([]byte, keySize)
		copy(key, data[pos:pos+keySize])
		n.elements[i] = IndexValue{
			Key:    key,
			FileID: binary.LittleEndian.Uint16(data[pos+keySize:]),
			Pos:    binary.LittleEndian.Uint32(data[pos+keySize+2:]),
			Length: binary.LittleEndian.Uint32(data[pos+keySize+6:]),
		}
	}
	off += Order * elementSize
	anyChild := false
	for i := 0; i <= n.numElements; i++ {
		pos := off + i*childPointerSize
		file := binary.LittleEndian.Uint16(data[pos:])
		offset := binary.LittleEndian.Uint32(data[pos+2:])
		if file != 0 || offset != 0 {
			anyChild = true
			n.children[i] = diskChild(DiskLocation{IndexFile: file, Offset: offset})
		}
	}
	n.leaf = !anyChild
	return n, nil
}

// search performs a binary search for key among the node's populated
// elements under cmp, returning the slot of an exact match, or the
// insertion slot when absent.
func (n *node) search(key []byte, cmp Comparator) (slot int, found bool) {
	low, high := 0, n.numElements-1
	for low <= high {
		mid := (low + high) / 2
		c := cmp(key, n.elements[mid].Key)
		switch {
		case c == 0:
			return mid, true
		case c > 0:
			low = mid + 1
		default:
			high = mid - 1
		}
	}
	return low, false
}

// insertElementAt shifts elements (and, for internal nodes, the child to
// their right) to make room and places e/rightChild at slot.
func (n *node) insertElementAt(slot int, e IndexValue, rightChild child) {
	for i := n.numElements; i > slot; i-- {
		n.elements[i] = n.elements[i-1]
	}
	n.elements[slot] = e
	if !n.leaf {
		for i := n.numElements + 1; i > slot+1; i-- {
			n.children[i] = n.children[i-1]
			if n.children[i].cached {
				n.children[i].cachedAt.parentSlot = i
			}
		}
		n.children[slot+1] = rightChild
		if rightChild.cached {
			rightChild.cachedAt.parent = n
			rightChild.cachedAt.parentSlot = slot + 1
		}
	}
	n.numElements++
	n.dirty = true
}

// hasCapacity reports whether one more element fits without splitting.
func (n *node) hasCapacity() bool {
	return n.numElements < Order
}

// copyElements copies amount elements from src[srcStart:] into
// dst[dstStart:] and returns the destination index just past the copied
// range. It is the one routine splitOverflow and tombstoneCompact both
// move IndexValue elements through: splitOverflow copies a contiguous
// run into each new half, tombstoneCompact copies one surviving element
// at a time into the gap earlier tombstones left behind.
func copyElements(dst []IndexValue, dstStart int, src []IndexValue, srcStart, amount int) int {
	copy(dst[dstStart:dstStart+amount], src[srcStart:srcStart+amount])
	return dstStart + amount
}

// splitOverflow breaks a Order+1-element overflow into two Order/2-element nodes
// plus one promoted median, per spec.md 4.3 "Insert". overflow holds the
// node's Order elements plus the newly inserted one, already in sorted
// order; overflowChildren holds Order+2 children when internal.
func splitOverflow(keySize int, leaf bool, overflowElements [Order + 1]IndexValue, overflowChildren [Order + 2]child) (left, right *node, median IndexValue) {
	left = newNode(keySize, leaf)
	right = newNode(keySize, leaf)

	copyElements(left.elements[:], 0, overflowElements[:], 0, HalfOrder)
	left.numElements = HalfOrder

	median = overflowElements[HalfOrder]

	copyElements(right.elements[:], 0, overflowElements[:], HalfOrder+1, HalfOrder)
	right.numElements = HalfOrder

	if !leaf {
		for i := 0; i <= HalfOrder; i++ {
			left.children[i] = overflowChildren[i]
			reparent(left, i)
		}
		for i := 0; i <= HalfOrder; i++ {
			right.children[i] = overflowChildren[HalfOrder+1+i]
			reparent(right, i)
		}
	}
	left.dirty = true
	right.dirty = true
	return left, right, median
}

func reparent(parent *node, slot int) {
	c := parent.children[slot]
	if c.cached {
		c.cachedAt.parent = parent
		c.cachedAt.parentSlot = slot
	}
}

// tombstoneCompact drops tombstoned elements from a leaf's element list,
// closing the gaps; an internal node is left unchanged. This is the "rewrite on
// split" compaction policy resolving spec.md 9's open compaction question
// (see SPEC_FULL.md 4.3): compaction only happens as part of a split, when
// the node is already being rewritten.
func (n *node) tombstoneCompact() {
	if n.leaf {
		write := 0
		for read := 0; read < n.numElements; read++ {
			if n.elements[read].Deleted() {
				continue
			}
			write = copyElements(n.elements[:], write, n.elements[:], read, 1)
		}
		n.numElements = write
		return
	}
	// internal nodes keep tombstones in place: dropping one would require
	// re-linking children across the removed slot, which is deferred to
	// a future structural rebalance rather than done implicitly here.
}
