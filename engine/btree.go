// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"encoding/binary"
	"math"

	"github.com/Vital78/cbitcoin/fault"
)

// DefaultComparator orders fixed-length keys lexicographically, byte by
// byte, matching spec.md 4.3's "default comparator".
func DefaultComparator(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// indexDescriptor is the persistent, order-64 B-tree structure for one
// logical index (spec.md 3, "Index descriptor"). The root is always
// resident; lower levels are pulled from disk on demand and retained up
// to cacheLimit bytes.
type indexDescriptor struct {
	id         byte
	keySize    int
	cacheLimit int
	comparator Comparator

	lastFile uint16
	lastSize uint32

	// staged post-commit tail, promoted to lastFile/lastSize only after
	// the write-ahead log is truncated (spec.md 4.3 "Growth bookkeeping").
	newLastFile uint16
	newLastSize uint32

	root *node
	fm   *fileManager

	cache    map[DiskLocation]*node
	lru      []*node
	pending  []*node // nodes touched since the last FlushPending, in order
}

func newIndexDescriptor(id byte, keySize int, cacheLimit int, comparator Comparator, fm *fileManager) *indexDescriptor {
	if nil == comparator {
		comparator = DefaultComparator
	}
	return &indexDescriptor{
		id:         id,
		keySize:    keySize,
		cacheLimit: cacheLimit,
		comparator: comparator,
		fm:         fm,
		cache:      make(map[DiskLocation]*node),
	}
}

func (d *indexDescriptor) headerKey() fileKey {
	return fileKey{kind: kindIndex, indexID: d.id, fileID: 0}
}

func (d *indexDescriptor) nodeKey(loc DiskLocation) fileKey {
	return fileKey{kind: kindIndex, indexID: d.id, fileID: loc.IndexFile}
}

// bootstrap initialises a brand new, empty index: writes the zero header
// and reserves the root's fixed slot at (file 0, offset 6).
func (d *indexDescriptor) bootstrap() error {
	header := make([]byte, indexFileHeaderSize)
	if err := d.fm.overwrite(d.headerKey(), 0, header); nil != err {
		return err
	}
	d.lastFile, d.lastSize = 0, indexFileHeaderSize
	d.newLastFile, d.newLastSize = 0, indexFileHeaderSize+uint32(nodeByteSize(d.keySize))
	return nil
}

// loadHeader reads an existing index's 6 byte header and its root node.
func (d *indexDescriptor) loadHeader() error {
	header, err := d.fm.read(d.headerKey(), 0, indexFileHeaderSize)
	if nil != err {
		return err
	}
	d.lastFile = binary.LittleEndian.Uint16(header[0:2])
	d.lastSize = binary.LittleEndian.Uint32(header[2:6])
	d.newLastFile, d.newLastSize = d.lastFile, d.lastSize

	if d.lastFile == 0 && d.lastSize <= indexFileHeaderSize {
		// header was written but no root has been committed yet
		return nil
	}

	rootLoc := DiskLocation{IndexFile: 0, Offset: indexFileHeaderSize}
	data, err := d.fm.read(d.nodeKey(rootLoc), int64(rootLoc.Offset), nodeByteSize(d.keySize))
	if nil != err {
		return err
	}
	root, err := decodeNode(data, d.keySize)
	if nil != err {
		return err
	}
	root.location = rootLoc
	d.root = root
	d.cacheAdd(root)
	return nil
}

// find descends from the root using per-node binary search, terminating
// at whichever level holds the key (spec.md 4.3 "Find").
func (d *indexDescriptor) find(key []byte) findResult {
	if len(key) != d.keySize {
		return findResult{status: statusError, err: fault.ErrKeyLengthMismatch}
	}
	n := d.root
	if nil == n {
		return findResult{status: statusNotFound, index: 0}
	}
	for {
		slot, found := n.search(key, d.comparator)
		if found {
			return findResult{status: statusFound, value: n.elements[slot], node: n, index: slot, location: n.location}
		}
		if n.leaf {
			return findResult{status: statusNotFound, node: n, index: slot, location: n.location}
		}
		c, err := d.loadChild(n, slot)
		if nil != err {
			return findResult{status: statusError, err: err}
		}
		n = c
	}
}

// loadChild returns the node at parent.children[slot], pulling it from
// disk and registering it in the cache if it is not already resident.
func (d *indexDescriptor) loadChild(parent *node, slot int) (*node, error) {
	c := parent.children[slot]
	if c.cached {
		return c.cachedAt, nil
	}
	loc := c.disk
	if cached, ok := d.cache[loc]; ok {
		d.touch(cached)
		cached.parent = parent
		cached.parentSlot = slot
		parent.children[slot] = cachedChild(cached)
		return cached, nil
	}
	data, err := d.fm.read(d.nodeKey(loc), int64(loc.Offset), nodeByteSize(d.keySize))
	if nil != err {
		return nil, err
	}
	n, err := decodeNode(data, d.keySize)
	if nil != err {
		return nil, err
	}
	n.location = loc
	n.parent = parent
	n.parentSlot = slot
	parent.children[slot] = cachedChild(n)
	d.cacheAdd(n)
	return n, nil
}

func (d *indexDescriptor) cacheAdd(n *node) {
	d.cache[n.location] = n
	d.lru = append(d.lru, n)
	d.evictIfNeeded()
}

func (d *indexDescriptor) touch(n *node) {
	for i, cur := range d.lru {
		if cur == n {
			d.lru = append(d.lru[:i], d.lru[i+1:]...)
			break
		}
	}
	d.lru = append(d.lru, n)
}

// evictIfNeeded drops cached nodes from the least-recently-used end while
// the cache is over cacheLimit bytes. It stops at the first node that
// cannot be dropped (dirty, queued for a write, or the root), so the
// cache can stay above cacheLimit. Dirty nodes are never evicted mid-commit.
func (d *indexDescriptor) evictIfNeeded() {
	if d.cacheLimit <= 0 {
		return
	}
	perNode := nodeByteSize(d.keySize)
	for len(d.lru)*perNode > d.cacheLimit && len(d.lru) > 0 {
		victim := d.lru[0]
		if victim.dirty || victim.queued || victim == d.root {
			break
		}
		d.lru = d.lru[1:]
		delete(d.cache, victim.location)
		if nil != victim.parent {
			victim.parent.children[victim.parentSlot] = diskChild(victim.location)
		}
	}
}

func (d *indexDescriptor) enqueue(n *node) {
	if n.queued {
		return
	}
	n.queued = true
	d.pending = append(d.pending, n)
}

// reserveNewLocation stages the next free node slot in the index's
// currently-growing file, rolling to a new file when the reservation
// would exceed the database's maximum file size. IndexFile is a uint16,
// so a file count of 65536 has nowhere left to roll to; that case is
// reported as fault.ErrNoFileSlot rather than silently wrapping back to
// file 0 and corrupting every node address already written there.
func (d *indexDescriptor) reserveNewLocation() (DiskLocation, error) {
	sz := uint32(nodeByteSize(d.keySize))
	if d.fm.wouldOverflow(int64(d.newLastSize), int(sz)) {
		if math.MaxUint16 == d.newLastFile {
			return DiskLocation{}, fault.ErrNoFileSlot
		}
		d.newLastFile++
		d.newLastSize = 0
	}
	loc := DiskLocation{IndexFile: d.newLastFile, Offset: d.newLastSize}
	d.newLastSize += sz
	return loc, nil
}

// Insert places value into the tree, splitting nodes and growing the
// tree's height as required by spec.md 4.3 "Insert". A key that already
// exists (live or tombstoned) has its slot reused in place.
func (d *indexDescriptor) Insert(value IndexValue) error {
	if len(value.Key) != d.keySize {
		return fault.ErrKeyLengthMismatch
	}
	if nil == d.root {
		root := newNode(d.keySize, true)
		root.elements[0] = value
		root.numElements = 1
		root.location = DiskLocation{IndexFile: 0, Offset: indexFileHeaderSize}
		root.dirty = true
		d.root = root
		d.cacheAdd(root)
		d.enqueue(root)
		return nil
	}

	promoted, right, err := d.insertRec(d.root, value)
	if nil != err {
		return err
	}
	if nil == promoted {
		return nil
	}

	oldRoot := d.root
	oldRootLoc, err := d.reserveNewLocation()
	if nil != err {
		return err
	}
	oldRoot.location = oldRootLoc
	oldRoot.dirty = true
	d.enqueue(oldRoot)

	rightLoc, err := d.reserveNewLocation()
	if nil != err {
		return err
	}
	right.location = rightLoc
	right.dirty = true
	d.enqueue(right)
	d.cacheAdd(right)

	newRoot := newNode(d.keySize, false)
	newRoot.elements[0] = *promoted
	newRoot.numElements = 1
	newRoot.children[0] = cachedChild(oldRoot)
	newRoot.children[1] = cachedChild(right)
	oldRoot.parent, oldRoot.parentSlot = newRoot, 0
	right.parent, right.parentSlot = newRoot, 1
	newRoot.location = DiskLocation{IndexFile: 0, Offset: indexFileHeaderSize}
	newRoot.dirty = true

	d.root = newRoot
	d.cacheAdd(newRoot)
	d.enqueue(newRoot)
	return nil
}

func (d *indexDescriptor) insertRec(n *node, value IndexValue) (*IndexValue, *node, error) {
	slot, found := n.search(value.Key, d.comparator)
	if found {
		n.elements[slot] = value
		n.dirty = true
		d.enqueue(n)
		return nil, nil, nil
	}
	if n.leaf {
		return d.insertOrSplit(n, slot, value, child{})
	}
	c, err := d.loadChild(n, slot)
	if nil != err {
		return nil, nil, err
	}
	promoted, right, err := d.insertRec(c, value)
	if nil != err {
		return nil, nil, err
	}
	if nil == promoted {
		return nil, nil, nil
	}
	loc, err := d.reserveNewLocation()
	if nil != err {
		return nil, nil, err
	}
	right.location = loc
	right.dirty = true
	d.enqueue(right)
	d.cacheAdd(right)
	return d.insertOrSplit(n, slot, *promoted, cachedChild(right))
}

// insertOrSplit inserts value (and, for internal nodes, rightChild) at
// slot, splitting n with median promotion if it is already full.
func (d *indexDescriptor) insertOrSplit(n *node, slot int, value IndexValue, rightChild child) (*IndexValue, *node, error) {
	if n.hasCapacity() {
		n.insertElementAt(slot, value, rightChild)
		d.enqueue(n)
		return nil, nil, nil
	}

	var overflowElements [Order + 1]IndexValue
	copy(overflowElements[:slot], n.elements[:slot])
	overflowElements[slot] = value
	copy(overflowElements[slot+1:Order+1], n.elements[slot:Order])

	var overflowChildren [Order + 2]child
	if !n.leaf {
		copy(overflowChildren[:slot+1], n.children[:slot+1])
		overflowChildren[slot+1] = rightChild
		copy(overflowChildren[slot+2:Order+2], n.children[slot+1:Order+1])
	}

	left, right, median := splitOverflow(n.keySize, n.leaf, overflowElements, overflowChildren)
	left.tombstoneCompact()
	right.tombstoneCompact()

	savedParent, savedSlot, savedLocation := n.parent, n.parentSlot, n.location
	*n = *left
	n.parent, n.parentSlot, n.location = savedParent, savedSlot, savedLocation
	if !n.leaf {
		for i := 0; i <= n.numElements; i++ {
			if n.children[i].cached {
				n.children[i].cachedAt.parent = n
				n.children[i].cachedAt.parentSlot = i
			}
		}
	}
	n.dirty = true
	d.enqueue(n)

	return &median, right, nil
}

// Delete tombstones the element for key (spec.md 4.3 "Delete"): no
// structural rebalancing, so a following Insert of the same key reuses
// the slot.
func (d *indexDescriptor) Delete(key []byte) error {
	res := d.find(key)
	if res.status == statusError {
		return res.err
	}
	if res.status != statusFound || res.value.Deleted() {
		return fault.ErrKeyNotFound
	}
	res.node.elements[res.index].Length = DeletedSentinel
	res.node.dirty = true
	d.enqueue(res.node)
	return nil
}

// FlushPending writes every node touched since the last flush to disk in
// the order they were queued. Each node is encoded at flush time, so a
// parent records the locations its cached children hold by then,
// whichever of them is written first. Callers are expected to have already logged
// before-images for any of these locations that overwrite previously
// committed bytes.
func (d *indexDescriptor) FlushPending() error {
	for _, n := range d.pending {
		key := d.nodeKey(n.location)
		if err := d.fm.overwrite(key, int64(n.location.Offset), n.encode()); nil != err {
			return err
		}
		n.dirty = false
		n.queued = false
	}
	d.pending = d.pending[:0]
	return nil
}

// writeHeader persists the index's committed tail. Called at commit step
// 6 ("Promote last-file/size").
func (d *indexDescriptor) writeHeader() error {
	header := make([]byte, indexFileHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], d.lastFile)
	binary.LittleEndian.PutUint32(header[2:6], d.lastSize)
	return d.fm.overwrite(d.headerKey(), 0, header)
}

func (d *indexDescriptor) sync() error {
	return d.fm.sync(d.headerKey())
}
