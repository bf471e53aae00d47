// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"math"

	"github.com/Vital78/cbitcoin/fault"
)

// placement is the outcome of planPlacement: where a value's bytes will
// live once written.
type placement struct {
	fileID    uint16
	offset    uint32
	inPlace   bool   // overwriting the value's existing location
	tailFreed uint32 // bytes trimmed off the end of an in-place shrink, to register as reclaimable
	fromPool  bool   // carved from the deletion index, not the growing tail
	newFile   bool   // tail growth that rolled over to fileID
	tailGrows bool   // true for either newFile or a plain append to the current tail
}

// planPlacement decides where a value of newLength bytes will be stored,
// in isolation from any disk I/O (spec.md 4.6 step 1, "plan space"):
// reuse the existing slot in place whenever the new value fits within the
// old one (newLength <= existing.Length), freeing only the trailing bytes
// that no longer belong to it; otherwise carve from the deletion pool via
// reserve, otherwise append to the currently growing data file (rolling to
// a new one if it would overflow maxFileSize). fileID is a uint16, so
// rolling over from file 65535 has nowhere left to go; that case returns
// fault.ErrNoFileSlot instead of silently wrapping back to file 0.
func planPlacement(existing *IndexValue, newLength uint32, reserve func(uint32) (uint16, uint32, bool), currentFile uint16, currentSize uint32, maxFileSize int64) (placement, error) {
	if nil != existing && !existing.Deleted() && newLength <= existing.Length {
		return placement{fileID: existing.FileID, offset: existing.Pos, inPlace: true, tailFreed: existing.Length - newLength}, nil
	}
	if fileID, offset, ok := reserve(newLength); ok {
		return placement{fileID: fileID, offset: offset, fromPool: true}, nil
	}
	if int64(currentSize)+int64(newLength) > maxFileSize {
		if math.MaxUint16 == currentFile {
			return placement{}, fault.ErrNoFileSlot
		}
		return placement{fileID: currentFile + 1, offset: 0, newFile: true, tailGrows: true}, nil
	}
	return placement{fileID: currentFile, offset: currentSize, tailGrows: true}, nil
}

// plannedDataWrite is one resolved data-file write derived from a
// transaction's staged mutations.
type plannedDataWrite struct {
	indexID byte
	key     []byte
	value   []byte
	place   placement
	freed   *IndexValue // previous slot to register as reclaimable, if any
}

// plannedDelete is a tombstone to apply plus the extent it frees.
type plannedDelete struct {
	indexID byte
	key     []byte
	freed   IndexValue
}

// plannedRename repoints an index entry at a new key without touching
// the underlying data (spec.md 4.5 "change_key"): the value never moves.
type plannedRename struct {
	indexID byte
	oldKey  []byte
	newKey  []byte
	value   IndexValue
}

// commit runs the eight step protocol from spec.md 4.6 against tx's
// staged writes. Any failure discovered in step 1, before the write-ahead
// log is written, is returned to the caller with the database otherwise
// untouched; any failure from step 2 onwards, including while logging the
// before-images, is unrecoverable and is escalated via
// fault.PanicOnCommitFailure, since a partially applied commit can only be
// resolved by replaying the log at the next Open.
func (db *Database) commit(tx *Transaction) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	writes, deletes, renames, err := db.resolveTransaction(tx)
	if nil != err {
		return err
	}

	touchedIndexes := make(map[byte]*indexDescriptor)
	touchedData := make(map[uint16]bool)

	// step 1: plan space, and apply the resulting mutations to the
	// in-memory trees only - nothing here reaches disk yet.
	for i := range writes {
		w := &writes[i]
		d, ok := db.indexes[w.indexID]
		if !ok {
			return fault.ErrUnknownIndex
		}
		place, err := planPlacement(w.freed, uint32(len(w.value)), db.deletion.Reserve, db.newDataLastFile, db.newDataLastSize, db.fm.maxFileSize)
		if nil != err {
			return err
		}
		w.place = place
		if w.place.tailGrows {
			db.advanceDataTail(w.place, uint32(len(w.value)))
		}
		if nil != w.freed {
			if w.place.inPlace {
				if w.place.tailFreed > 0 {
					db.deletion.Free(w.freed.FileID, w.freed.Pos+uint32(len(w.value)), w.place.tailFreed)
				}
			} else {
				db.deletion.Free(w.freed.FileID, w.freed.Pos, w.freed.Length)
			}
		}
		if err := d.Insert(IndexValue{Key: w.key, FileID: w.place.fileID, Pos: w.place.offset, Length: uint32(len(w.value))}); nil != err {
			return err
		}
		db.invalidateCache(w.indexID, w.key)
		touchedIndexes[w.indexID] = d
		touchedData[w.place.fileID] = true
	}
	for _, del := range deletes {
		d, ok := db.indexes[del.indexID]
		if !ok {
			return fault.ErrUnknownIndex
		}
		db.deletion.Free(del.freed.FileID, del.freed.Pos, del.freed.Length)
		if err := d.Delete(del.key); nil != err {
			return err
		}
		db.invalidateCache(del.indexID, del.key)
		touchedIndexes[del.indexID] = d
	}
	for _, ren := range renames {
		d, ok := db.indexes[ren.indexID]
		if !ok {
			return fault.ErrUnknownIndex
		}
		if err := d.Insert(IndexValue{Key: ren.newKey, FileID: ren.value.FileID, Pos: ren.value.Pos, Length: ren.value.Length}); nil != err {
			return err
		}
		if err := d.Delete(ren.oldKey); nil != err {
			return err
		}
		db.invalidateCache(ren.indexID, ren.oldKey)
		db.invalidateCache(ren.indexID, ren.newKey)
		touchedIndexes[ren.indexID] = d
	}

	if len(writes) == 0 && len(deletes) == 0 && len(renames) == 0 {
		return nil
	}

	// step 2: log before-images (or terminal markers for pure growth)
	// for everything that is about to be overwritten, then sync.
	if err := db.logBeforeCommit(writes, touchedIndexes); nil != err {
		fault.PanicOnCommitFailure("log before-images", err)
	}

	// step 3: write data.
	for _, w := range writes {
		key := fileKey{kind: kindData, fileID: w.place.fileID}
		// overwrite's WriteAt extends the file when writing past its
		// current end, so it also covers plain tail growth and growth
		// into a brand new file id.
		if err := db.fm.overwrite(key, int64(w.place.offset), w.value); nil != err {
			fault.PanicOnCommitFailure("write data", err)
		}
	}

	// step 4: update indexes.
	for _, d := range touchedIndexes {
		if err := d.FlushPending(); nil != err {
			fault.PanicOnCommitFailure("flush index nodes", err)
		}
	}

	// step 5: deletion-index commit.
	if err := db.deletion.FlushPending(); nil != err {
		fault.PanicOnCommitFailure("flush deletion index", err)
	}

	// step 6: promote last-file/size.
	db.dataLastFile, db.dataLastSize = db.newDataLastFile, db.newDataLastSize
	for _, d := range touchedIndexes {
		d.lastFile, d.lastSize = d.newLastFile, d.newLastSize
		if err := d.writeHeader(); nil != err {
			fault.PanicOnCommitFailure("write index header", err)
		}
	}

	// step 7: sync data + indexes.
	for fileID := range touchedData {
		if err := db.fm.sync(fileKey{kind: kindData, fileID: fileID}); nil != err {
			fault.PanicOnCommitFailure("sync data", err)
		}
	}
	for _, d := range touchedIndexes {
		if err := d.sync(); nil != err {
			fault.PanicOnCommitFailure("sync index", err)
		}
	}
	if err := db.deletion.sync(); nil != err {
		fault.PanicOnCommitFailure("sync deletion index", err)
	}

	// step 8: truncate log & sync.
	if err := db.wal.Truncate(); nil != err {
		fault.PanicOnCommitFailure("truncate log", err)
	}

	if nil != log {
		log.Debugf("cbitcoin: committed %d writes, %d deletes, %d renames", len(writes), len(deletes), len(renames))
	}
	return nil
}

// advanceDataTail moves the staged data-file tail forward to reflect a
// planned append, so subsequent writes in the same transaction land
// after it rather than colliding.
func (db *Database) advanceDataTail(p placement, length uint32) {
	if p.newFile {
		db.newDataLastFile = p.fileID
	}
	db.newDataLastSize = p.offset + length
}

// resolveTransaction reads a transaction's staged maps, merges subsection
// patches onto their base values and looks up whatever committed state
// each mutation needs, producing the concrete plans commit() executes.
func (db *Database) resolveTransaction(tx *Transaction) ([]plannedDataWrite, []plannedDelete, []plannedRename, error) {
	var writes []plannedDataWrite
	var deletes []plannedDelete
	var renames []plannedRename

	// a key needs a planned write if it has a full Write staged, or if it
	// has subsection patches staged with no full Write - either can be
	// all a value needs, per spec.md 4.5 (a fresh patch needs neither).
	writeKeys := make(map[txKey]bool, len(tx.writes)+len(tx.subsectionWrites))
	for k := range tx.writes {
		writeKeys[k] = true
	}
	for k := range tx.subsectionWrites {
		writeKeys[k] = true
	}

	for k := range writeKeys {
		key := []byte(k.key)
		patches := tx.subsectionWrites[k]

		var final []byte
		if staged, ok := tx.writes[k]; ok {
			final = append([]byte(nil), staged...)
		} else if !hasFreshPatch(patches) {
			_, committed, err := db.readCommittedLocked(k.indexID, key)
			if nil != err {
				return nil, nil, nil, err
			}
			final = committed
		}
		for _, patch := range patches {
			final = applyPatch(final, patch)
		}

		var freed *IndexValue
		if existing, _, err := db.readCommittedLocked(k.indexID, key); nil == err {
			e := existing
			freed = &e
		}
		writes = append(writes, plannedDataWrite{indexID: k.indexID, key: key, value: final, freed: freed})
	}

	for k := range tx.deletes {
		key := []byte(k.key)
		existing, _, err := db.readCommittedLocked(k.indexID, key)
		if nil != err {
			continue // deleting an already-absent key is a no-op
		}
		deletes = append(deletes, plannedDelete{indexID: k.indexID, key: key, freed: existing})
	}

	for k, newKey := range tx.keyChanges {
		oldKey := []byte(k.key)
		existing, _, err := db.readCommittedLocked(k.indexID, oldKey)
		if nil != err {
			return nil, nil, nil, err
		}
		renames = append(renames, plannedRename{indexID: k.indexID, oldKey: oldKey, newKey: newKey, value: existing})
	}

	return writes, deletes, renames, nil
}

// logBeforeCommit logs a before-image for every location about to be
// overwritten in place, and a terminal marker for every file about to
// grow, then durably syncs the log. This must complete before any of
// step 3-5's destructive writes.
func (db *Database) logBeforeCommit(writes []plannedDataWrite, touchedIndexes map[byte]*indexDescriptor) error {
	for _, w := range writes {
		if w.place.tailGrows {
			continue
		}
		// inPlace (same key, no longer than before) or fromPool (a reclaimed
		// extent) both overwrite bytes already committed to disk.
		key := fileKey{kind: kindData, fileID: w.place.fileID}
		prev, err := db.fm.read(key, int64(w.place.offset), len(w.value))
		if nil != err {
			return err
		}
		db.wal.logBeforeImage(key, w.place.offset, prev)
	}
	for fileID := range db.growingDataFiles(writes) {
		oldSize := db.dataLastSize
		if fileID != db.dataLastFile {
			oldSize = 0
		}
		db.wal.logTerminal(fileKey{kind: kindData, fileID: fileID}, oldSize)
	}
	for id, d := range touchedIndexes {
		header, err := db.fm.read(d.headerKey(), 0, indexFileHeaderSize)
		if nil != err {
			return err
		}
		db.wal.logBeforeImage(d.headerKey(), 0, header)
		for _, n := range d.pending {
			key := d.nodeKey(n.location)
			if n.location.IndexFile < d.lastFile || (n.location.IndexFile == d.lastFile && n.location.Offset < d.lastSize) {
				prev, err := db.fm.read(key, int64(n.location.Offset), nodeByteSize(d.keySize))
				if nil != err {
					return err
				}
				db.wal.logBeforeImage(key, n.location.Offset, prev)
			}
		}
		db.wal.logTerminal(fileKey{kind: kindIndex, indexID: id, fileID: d.lastFile}, d.lastSize)
		for f := int(d.lastFile) + 1; f <= int(d.newLastFile); f++ {
			db.wal.logTerminal(fileKey{kind: kindIndex, indexID: id, fileID: uint16(f)}, 0)
		}
	}
	if n := len(db.deletion.pendingAppends); n > 0 {
		db.wal.logTerminal(fileKey{kind: kindDeletion}, db.deletion.tail-uint32(n)*deletedSectionKeySize)
	}
	for _, pos := range db.deletion.PendingFlipPositions() {
		key := fileKey{kind: kindDeletion}
		prev, err := db.fm.read(key, int64(pos), 1)
		if nil != err {
			return err
		}
		db.wal.logBeforeImage(key, pos, prev)
	}
	return db.wal.Sync()
}

func (db *Database) growingDataFiles(writes []plannedDataWrite) map[uint16]bool {
	files := make(map[uint16]bool)
	for _, w := range writes {
		if w.place.tailGrows {
			files[w.place.fileID] = true
		}
	}
	return files
}
