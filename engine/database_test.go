// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testIndexID byte = 1
const testKeySize = 4

func openTestDB(t *testing.T) *Database {
	db, err := Open(t.TempDir(), 0)
	assert.NoError(t, err)
	_, err = db.Index(testIndexID, testKeySize, 1<<20, DefaultComparator)
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteCommitRead(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	assert.NoError(t, tx.Write(testIndexID, makeKey(testKeySize, 1), []byte("hello")))
	assert.NoError(t, tx.Commit())

	tx2 := db.Begin()
	value, err := tx2.Read(testIndexID, makeKey(testKeySize, 1))
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(value))
}

func TestDeleteThenReadIsNotFound(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	assert.NoError(t, tx.Write(testIndexID, makeKey(testKeySize, 1), []byte("v")))
	assert.NoError(t, tx.Commit())

	tx2 := db.Begin()
	assert.NoError(t, tx2.Delete(testIndexID, makeKey(testKeySize, 1)))
	assert.NoError(t, tx2.Commit())

	tx3 := db.Begin()
	_, err := tx3.Read(testIndexID, makeKey(testKeySize, 1))
	assert.Error(t, err)
}

func TestWriteSubsectionRequiresBaseValue(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	err := tx.WriteSubsection(testIndexID, makeKey(testKeySize, 9), 0, []byte("x"))
	assert.Error(t, err)
}

func TestWriteSubsectionOverlaysCommittedValue(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	assert.NoError(t, tx.Write(testIndexID, makeKey(testKeySize, 1), []byte("aaaaaaaaaa")))
	assert.NoError(t, tx.Commit())

	tx2 := db.Begin()
	assert.NoError(t, tx2.WriteSubsection(testIndexID, makeKey(testKeySize, 1), 2, []byte("BB")))
	value, err := tx2.Read(testIndexID, makeKey(testKeySize, 1))
	assert.NoError(t, err)
	assert.Equal(t, "aaBBaaaaaa", string(value))
}

func TestWriteSubsectionOverwritesAtTheRequestedOffset(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	assert.NoError(t, tx.Write(testIndexID, makeKey(testKeySize, 1), []byte("aaaaaaaaaa")))
	assert.NoError(t, tx.Commit())

	tx2 := db.Begin()
	assert.NoError(t, tx2.WriteSubsection(testIndexID, makeKey(testKeySize, 1), 7, []byte("ZZZ")))
	value, err := tx2.Read(testIndexID, makeKey(testKeySize, 1))
	assert.NoError(t, err)
	assert.Equal(t, "aaaaaaaZZZ", string(value))
}

func TestShrinkingValueStaysInPlaceAndFreesOnlyTheTail(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	assert.NoError(t, tx.Write(testIndexID, makeKey(testKeySize, 1), []byte("aaaaaaaaaa")))
	assert.NoError(t, tx.Commit())

	before, _, err := db.readCommitted(testIndexID, makeKey(testKeySize, 1))
	assert.NoError(t, err)

	tx2 := db.Begin()
	assert.NoError(t, tx2.Write(testIndexID, makeKey(testKeySize, 1), []byte("aaa")))
	assert.NoError(t, tx2.Commit())

	after, value, err := db.readCommitted(testIndexID, makeKey(testKeySize, 1))
	assert.NoError(t, err)
	assert.Equal(t, "aaa", string(value))
	assert.Equal(t, before.FileID, after.FileID)
	assert.Equal(t, before.Pos, after.Pos)

	assert.Len(t, db.deletion.entries, 1)
	freed := db.deletion.entries[0]
	assert.True(t, freed.Active)
	assert.Equal(t, before.FileID, freed.FileID)
	assert.Equal(t, before.Pos+3, freed.Offset)
	assert.Equal(t, uint32(7), freed.Length)
}

func TestChangeKeyRelocatesValue(t *testing.T) {
	db := openTestDB(t)

	tx := db.Begin()
	assert.NoError(t, tx.Write(testIndexID, makeKey(testKeySize, 1), []byte("v")))
	assert.NoError(t, tx.Commit())

	tx2 := db.Begin()
	assert.NoError(t, tx2.ChangeKey(testIndexID, makeKey(testKeySize, 1), makeKey(testKeySize, 2)))
	assert.NoError(t, tx2.Commit())

	tx3 := db.Begin()
	_, err := tx3.Read(testIndexID, makeKey(testKeySize, 1))
	assert.Error(t, err)
	value, err := tx3.Read(testIndexID, makeKey(testKeySize, 2))
	assert.NoError(t, err)
	assert.Equal(t, "v", string(value))
}

func TestManyInsertsForceSplitsAndRemainSearchable(t *testing.T) {
	db := openTestDB(t)

	const n = 300
	for i := 0; i < n; i++ {
		tx := db.Begin()
		key := make([]byte, testKeySize)
		key[0] = byte(i >> 16)
		key[1] = byte(i >> 8)
		key[2] = byte(i)
		assert.NoError(t, tx.Write(testIndexID, key, []byte(fmt.Sprintf("v%d", i))))
		assert.NoError(t, tx.Commit())
	}

	tx := db.Begin()
	for i := 0; i < n; i++ {
		key := make([]byte, testKeySize)
		key[0] = byte(i >> 16)
		key[1] = byte(i >> 8)
		key[2] = byte(i)
		value, err := tx.Read(testIndexID, key)
		assert.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(value))
	}
}

func TestCursorWalksIndexInOrder(t *testing.T) {
	db := openTestDB(t)
	tx := db.Begin()
	for i := 10; i > 0; i-- {
		assert.NoError(t, tx.Write(testIndexID, makeKey(testKeySize, byte(i)), []byte{byte(i)}))
	}
	assert.NoError(t, tx.Commit())

	d, err := db.Index(testIndexID, testKeySize, 1<<20, DefaultComparator)
	assert.NoError(t, err)

	cursor := d.NewCursor()
	var seen []byte
	for {
		v, ok := cursor.Next()
		if !ok {
			break
		}
		seen = append(seen, v.Key[testKeySize-1])
	}
	assert.NoError(t, cursor.Err())
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
	assert.Len(t, seen, 10)
}

func TestReopenRecoversFromInterruptedCommit(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, 0)
	assert.NoError(t, err)
	_, err = db.Index(testIndexID, testKeySize, 1<<20, DefaultComparator)
	assert.NoError(t, err)

	tx := db.Begin()
	assert.NoError(t, tx.Write(testIndexID, makeKey(testKeySize, 1), []byte("hello")))
	assert.NoError(t, tx.Commit())
	assert.NoError(t, db.Close())

	// simulate a crash mid-commit: write an uncommitted WAL entry and
	// corrupt the data file, without going through the real commit path.
	fm := newFileManager(dir, 0)
	dataKey := fileKey{kind: kindData, fileID: 0}
	original, err := fm.read(dataKey, 0, 5)
	assert.NoError(t, err)
	wal := newWriteAheadLog(fm)
	wal.logBeforeImage(dataKey, 0, original)
	assert.NoError(t, wal.Sync())
	assert.NoError(t, fm.overwrite(dataKey, 0, []byte("XXXXX")))
	assert.NoError(t, fm.close())

	db2, err := Open(dir, 0)
	assert.NoError(t, err)
	_, err = db2.Index(testIndexID, testKeySize, 1<<20, DefaultComparator)
	assert.NoError(t, err)
	t.Cleanup(func() { db2.Close() })

	tx2 := db2.Begin()
	value, err := tx2.Read(testIndexID, makeKey(testKeySize, 1))
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(value))
}
