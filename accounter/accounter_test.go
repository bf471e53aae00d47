// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package accounter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Vital78/cbitcoin/engine"
)

func openTestAccounter(t *testing.T) (*engine.Database, *Accounter) {
	db, err := engine.Open(t.TempDir(), 0)
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	acc, err := Open(db, 1<<20)
	assert.NoError(t, err)
	return db, acc
}

func TestNextIDCountersAreMonotonicAndDurable(t *testing.T) {
	db, _ := openTestAccounter(t)

	tx := db.Begin()
	first, err := NextAccountID(tx)
	assert.NoError(t, err)
	second, err := NextAccountID(tx)
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit())
	assert.Equal(t, first+1, second)

	tx2 := db.Begin()
	third, err := NextAccountID(tx2)
	assert.NoError(t, err)
	assert.NoError(t, tx2.Commit())
	assert.Equal(t, second+1, third)
}

func TestAdjustAccountBalanceByTxAccumulates(t *testing.T) {
	db, _ := openTestAccounter(t)
	const branch byte = 0
	const account uint64 = 42

	tx := db.Begin()
	assert.NoError(t, AdjustAccountBalanceByTx(tx, branch, account, 500))
	assert.NoError(t, tx.Commit())

	tx2 := db.Begin()
	assert.NoError(t, AdjustAccountBalanceByTx(tx2, branch, account, -200))
	assert.NoError(t, tx2.Commit())

	tx3 := db.Begin()
	raw, err := tx3.Read(BranchAccountDetails, BranchAccountKey(branch, account))
	assert.NoError(t, err)
	assert.Len(t, raw, 8)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0x01, 0x2C}, raw) // 500 - 200 = 300
}

func TestChangeOutputSpentStatusRoundTrips(t *testing.T) {
	db, _ := openTestAccounter(t)
	const branch byte = 1
	const outputID uint64 = 7

	tx := db.Begin()
	assert.NoError(t, ChangeOutputSpentStatus(tx, branch, outputID, true))
	assert.NoError(t, tx.Commit())

	key := make([]byte, 9)
	key[0] = branch
	for i, b := range []byte{0, 0, 0, 0, 0, 0, 0, 7} {
		key[1+i] = b
	}
	tx2 := db.Begin()
	raw, err := tx2.Read(BranchOutputDetails, key)
	assert.NoError(t, err)
	assert.Equal(t, byte(1), raw[0])
}

func TestRemoveTransactionFromBranchDeletesOnZeroCount(t *testing.T) {
	db, _ := openTestAccounter(t)
	const txID uint64 = 9
	hash := make([]byte, 32)
	hash[0] = 0xAB

	txKey := make([]byte, 8)
	txKey[7] = byte(txID)

	details := make([]byte, 8+4+32)
	details[11] = 1 // branchCount = 1
	copy(details[12:], hash)

	tx := db.Begin()
	assert.NoError(t, tx.Write(TxDetails, txKey, details))
	assert.NoError(t, tx.Write(TxHashToID, hash, txKey))
	assert.NoError(t, tx.Commit())

	tx2 := db.Begin()
	assert.NoError(t, RemoveTransactionFromBranch(tx2, txID, hash, 0))
	assert.NoError(t, tx2.Commit())

	tx3 := db.Begin()
	_, err := tx3.Read(TxDetails, txKey)
	assert.Error(t, err)
	_, err = tx3.Read(TxHashToID, hash)
	assert.Error(t, err)
}
