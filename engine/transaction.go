// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"bytes"

	"github.com/Vital78/cbitcoin/fault"
)

// txKey names one (index, key) pair the way storage/access.go keys its
// in-memory collections: string(key) makes a []byte usable as a map key
// without a manual hash.
type txKey struct {
	indexID byte
	key     string
}

// subsectionPatch overlays data at offset onto a base value, staged by
// WriteSubsection until the base value is known at read or commit time.
// fresh marks a patch staged with offset == DeletedSentinel: spec.md's
// sentinel table defines that as "overwrite from scratch", so the patch
// replaces the base outright instead of overlaying onto it.
type subsectionPatch struct {
	offset uint32
	data   []byte
	fresh  bool
}

// Transaction buffers writes, subsection patches, deletes and key
// renames against one or more indexes without touching disk, per
// spec.md 4.5. Nothing is durable until Commit succeeds; Abort discards
// everything staged.
type Transaction struct {
	db *Database

	writes           map[txKey][]byte
	subsectionWrites map[txKey][]subsectionPatch
	deletes          map[txKey]bool
	keyChanges       map[txKey][]byte

	done bool
}

func newTransaction(db *Database) *Transaction {
	return &Transaction{
		db:               db,
		writes:           make(map[txKey][]byte),
		subsectionWrites: make(map[txKey][]subsectionPatch),
		deletes:          make(map[txKey]bool),
		keyChanges:       make(map[txKey][]byte),
	}
}

func (t *Transaction) checkOpen() error {
	if t.done {
		return fault.ErrTransactionInUse
	}
	return nil
}

// Write stages a full replacement value for key, superseding any
// previously staged delete or subsection patches against it.
func (t *Transaction) Write(indexID byte, key, value []byte) error {
	if err := t.checkOpen(); nil != err {
		return err
	}
	k := txKey{indexID, string(key)}
	buf := make([]byte, len(value))
	copy(buf, value)
	t.writes[k] = buf
	delete(t.subsectionWrites, k)
	delete(t.deletes, k)
	return nil
}

// WriteConcatenated is CBDatabaseWriteConcatenatedValue's Go shape: join
// parts and stage the result as a full write.
func (t *Transaction) WriteConcatenated(indexID byte, key []byte, parts ...[]byte) error {
	return t.Write(indexID, key, bytes.Join(parts, nil))
}

// WriteSubsection overlays data at offset onto key's existing value. The
// base value must already exist, staged in this transaction or already
// committed - there is nothing to overlay onto otherwise - except when
// offset is DeletedSentinel, which spec.md's sentinel table defines as
// "overwrite from scratch": data becomes the value's entire contents and
// no base is required.
func (t *Transaction) WriteSubsection(indexID byte, key []byte, offset uint32, data []byte) error {
	if err := t.checkOpen(); nil != err {
		return err
	}
	k := txKey{indexID, string(key)}
	fresh := offset == DeletedSentinel
	if !fresh {
		if t.deletes[k] {
			return fault.ErrNoBaseValue
		}
		if _, staged := t.writes[k]; !staged {
			if _, _, err := t.db.readCommitted(indexID, key); nil != err {
				return fault.ErrNoBaseValue
			}
		}
	} else {
		delete(t.deletes, k)
	}
	patch := make([]byte, len(data))
	copy(patch, data)
	staged := offset
	if fresh {
		staged = 0
	}
	t.subsectionWrites[k] = append(t.subsectionWrites[k], subsectionPatch{offset: staged, data: patch, fresh: fresh})
	return nil
}

// Delete stages the removal of key, discarding any staged writes or
// patches against it.
func (t *Transaction) Delete(indexID byte, key []byte) error {
	if err := t.checkOpen(); nil != err {
		return err
	}
	k := txKey{indexID, string(key)}
	delete(t.writes, k)
	delete(t.subsectionWrites, k)
	t.deletes[k] = true
	return nil
}

// ChangeKey stages a rename from oldKey to newKey. Both keys must be the
// same length: the B-tree's element slots are fixed size (spec.md 4.5).
func (t *Transaction) ChangeKey(indexID byte, oldKey, newKey []byte) error {
	if err := t.checkOpen(); nil != err {
		return err
	}
	if len(oldKey) != len(newKey) {
		return fault.ErrRenameLengthChange
	}
	k := txKey{indexID, string(oldKey)}
	buf := make([]byte, len(newKey))
	copy(buf, newKey)
	t.keyChanges[k] = buf
	return nil
}

// Read resolves key's value as it would read if this transaction were
// committed right now: staged writes, subsection patches and deletes take
// precedence over whatever is currently on disk. Staged ChangeKey renames
// are not applied here: until Commit, the old key still reads its
// committed value and the new key reads as not found.
func (t *Transaction) Read(indexID byte, key []byte) ([]byte, error) {
	k := txKey{indexID, string(key)}
	if t.deletes[k] {
		return nil, fault.ErrKeyNotFound
	}
	patches := t.subsectionWrites[k]
	var base []byte
	if staged, ok := t.writes[k]; ok {
		base = append([]byte(nil), staged...)
	} else if !hasFreshPatch(patches) {
		_, committed, err := t.db.readCommitted(indexID, key)
		if nil != err {
			return nil, err
		}
		base = committed
	}
	for _, patch := range patches {
		base = applyPatch(base, patch)
	}
	return base, nil
}

// Length returns len(value), or DeletedSentinel if key does not exist,
// matching CBDatabaseGetLength's use of the tombstone sentinel as an
// absent-value marker.
func (t *Transaction) Length(indexID byte, key []byte) (uint32, error) {
	value, err := t.Read(indexID, key)
	if fault.IsNotFoundError(err) {
		return DeletedSentinel, nil
	}
	if nil != err {
		return 0, err
	}
	return uint32(len(value)), nil
}

// hasFreshPatch reports whether any staged patch starts the value over
// from scratch, which makes looking up a base value unnecessary (and, for
// a key with no committed value yet, avoids failing on one that does not
// exist).
func hasFreshPatch(patches []subsectionPatch) bool {
	for _, p := range patches {
		if p.fresh {
			return true
		}
	}
	return false
}

func applyPatch(base []byte, patch subsectionPatch) []byte {
	if patch.fresh {
		return append([]byte(nil), patch.data...)
	}
	needed := int(patch.offset) + len(patch.data)
	if needed > len(base) {
		grown := make([]byte, needed)
		copy(grown, base)
		base = grown
	}
	copy(base[patch.offset:], patch.data)
	return base
}

// Commit applies every staged mutation atomically via the commit engine
// (spec.md 4.6). The transaction may not be used again afterwards.
func (t *Transaction) Commit() error {
	if err := t.checkOpen(); nil != err {
		return err
	}
	t.done = true
	return t.db.commit(t)
}

// Abort discards every staged mutation without touching disk.
func (t *Transaction) Abort() error {
	if err := t.checkOpen(); nil != err {
		return err
	}
	t.done = true
	return nil
}
