// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package accounter consumes github.com/Vital78/cbitcoin/engine to track
// account balances, transaction membership and unspent outputs across
// competing chain branches. It touches no engine internals - only the
// public Database/Transaction surface - so it doubles as the engine's
// own integration test (SPEC_FULL.md 5).
package accounter

import (
	"encoding/binary"

	"github.com/Vital78/cbitcoin/engine"
	"github.com/Vital78/cbitcoin/fault"
)

// Index ids, one byte each, all opened against a single engine.Database.
const (
	TxHashToID             byte = iota // tx hash(32) -> tx ID(8)
	TxDetails                          // tx ID(8) -> timestamp(8) ++ branchCount(4) ++ hash(32)
	BranchTxDetails                    // branch(1) ++ tx ID(8) -> height(8), UnconfirmedHeight if pending
	OutputDetails                      // output ID(8) -> value(8)
	BranchOutputDetails                // branch(1) ++ output ID(8) -> spent flag(1)
	OutputHashAndIndexToID             // tx hash(32) ++ index(4) -> output ID(8)
	AccountTxDetails                   // account ID(8) ++ tx ID(8) -> delta(8) ++ address(20)
	BranchAccountDetails               // branch(1) ++ account ID(8) -> balance(8)
	BranchAccountTimeTx                // branch(1) ++ account(8) ++ timestamp(8) ++ tx ID(8) -> (empty)
	TxAccounts                         // tx ID(8) ++ account ID(8) -> (empty)
	OutputAccounts                     // output ID(8) ++ account ID(8) -> (empty)
	AccountUnspentOutputs              // branch(1) ++ account(8) ++ output ID(8) -> (empty)
	countersIndex                      // header record: lastAccountID, nextTxID, nextOutputRefID
)

// UnconfirmedHeight marks a BranchTxDetails entry with no confirmed block
// yet, mirroring CBAccounterStorage's use of a sentinel height.
const UnconfirmedHeight uint64 = 0xFFFFFFFFFFFFFFFF

var counterKey = []byte{0}

const counterRecordSize = 8 + 8 + 8 // lastAccountID, nextTxID, nextOutputRefID

// KeySizes maps every index id to its fixed key size, for
// engine.Database.Index registration.
var KeySizes = map[byte]int{
	TxHashToID:             32,
	TxDetails:              8,
	BranchTxDetails:        1 + 8,
	OutputDetails:          8,
	BranchOutputDetails:    1 + 8,
	OutputHashAndIndexToID: 32 + 4,
	AccountTxDetails:       8 + 8,
	BranchAccountDetails:   1 + 8,
	BranchAccountTimeTx:    1 + 8 + 8 + 8,
	TxAccounts:             8 + 8,
	OutputAccounts:         8 + 8,
	AccountUnspentOutputs:  1 + 8 + 8,
	countersIndex:          1,
}

// Accounter opens every index the schema needs against db and exposes
// the balance/membership/unspent-output operations on top of it.
type Accounter struct {
	db *engine.Database
}

// Open attaches every accounter index to db, bootstrapping any that do
// not already exist. cacheLimit is the per-index node cache budget in
// bytes, shared across all thirteen indexes (the twelve schema indexes
// plus the counters record) for simplicity.
func Open(db *engine.Database, cacheLimit int) (*Accounter, error) {
	for id, keySize := range KeySizes {
		if _, err := db.Index(id, keySize, cacheLimit, engine.DefaultComparator); nil != err {
			return nil, err
		}
	}
	return &Accounter{db: db}, nil
}

// AccountTxKey builds an AccountTxDetails key (account ID then tx ID).
func AccountTxKey(accountID, txID uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], accountID)
	binary.BigEndian.PutUint64(buf[8:16], txID)
	return buf
}

// BranchAccountKey builds a BranchAccountDetails / AccountUnspentOutputs
// prefix key.
func BranchAccountKey(branch byte, accountID uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = branch
	binary.BigEndian.PutUint64(buf[1:9], accountID)
	return buf
}

// AdjustAccountBalanceByTx adds delta to accountID's running balance on
// branch, reading the current value (0 if the account is new to this
// branch) and writing the sum back in the same transaction. Grounded on
// CBAccounterAdjustAccountBalanceByTx.
func AdjustAccountBalanceByTx(tx *engine.Transaction, branch byte, accountID uint64, delta int64) error {
	key := BranchAccountKey(branch, accountID)
	var balance int64
	if raw, err := tx.Read(BranchAccountDetails, key); nil == err {
		balance = int64(binary.BigEndian.Uint64(raw))
	} else if !fault.IsNotFoundError(err) {
		return err
	}
	balance += delta
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(balance))
	return tx.Write(BranchAccountDetails, key, buf)
}

// ChangeOutputSpentStatus flips the spent flag recorded against outputID
// on branch. Grounded on CBAccounterChangeOutputReferenceSpentStatus.
func ChangeOutputSpentStatus(tx *engine.Transaction, branch byte, outputID uint64, spent bool) error {
	key := make([]byte, 9)
	key[0] = branch
	binary.BigEndian.PutUint64(key[1:], outputID)
	flag := byte(0)
	if spent {
		flag = 1
	}
	return tx.Write(BranchOutputDetails, key, []byte{flag})
}

// RemoveTransactionFromBranch decrements txID's branch-instance count and
// deletes its BranchTxDetails entry for branch. Once the count reaches
// zero the transaction is unknown to every branch, so its TxDetails and
// TxHashToID entries are removed too. Grounded on
// CBAccounterRemoveTransactionFromBranch.
func RemoveTransactionFromBranch(tx *engine.Transaction, txID uint64, txHash []byte, branch byte) error {
	branchKey := make([]byte, 9)
	branchKey[0] = branch
	binary.BigEndian.PutUint64(branchKey[1:], txID)
	if err := tx.Delete(BranchTxDetails, branchKey); nil != err && !fault.IsNotFoundError(err) {
		return err
	}

	txKey := make([]byte, 8)
	binary.BigEndian.PutUint64(txKey, txID)
	details, err := tx.Read(TxDetails, txKey)
	if fault.IsNotFoundError(err) {
		return nil
	}
	if nil != err {
		return err
	}
	count := binary.BigEndian.Uint32(details[8:12])
	if count == 0 {
		return fault.InvariantError("tx details branch count underflow")
	}
	count--
	if count == 0 {
		if err := tx.Delete(TxDetails, txKey); nil != err {
			return err
		}
		return tx.Delete(TxHashToID, txHash)
	}
	binary.BigEndian.PutUint32(details[8:12], count)
	return tx.Write(TxDetails, txKey, details)
}

// counters is the accounter's own header record, persisted through
// engine.Transaction.Write like any other value so counter advances
// commit atomically with the writes that consume them - unlike
// original_source's implicit side-file counters.
type counters struct {
	LastAccountID  uint64
	NextTxID       uint64
	NextOutputRefID uint64
}

func readCounters(tx *engine.Transaction) (counters, error) {
	raw, err := tx.Read(countersIndex, counterKey)
	if fault.IsNotFoundError(err) {
		return counters{}, nil
	}
	if nil != err {
		return counters{}, err
	}
	return counters{
		LastAccountID:   binary.BigEndian.Uint64(raw[0:8]),
		NextTxID:        binary.BigEndian.Uint64(raw[8:16]),
		NextOutputRefID: binary.BigEndian.Uint64(raw[16:24]),
	}, nil
}

func writeCounters(tx *engine.Transaction, c counters) error {
	buf := make([]byte, counterRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], c.LastAccountID)
	binary.BigEndian.PutUint64(buf[8:16], c.NextTxID)
	binary.BigEndian.PutUint64(buf[16:24], c.NextOutputRefID)
	return tx.Write(countersIndex, counterKey, buf)
}

// NextAccountID allocates and stages the next account id.
func NextAccountID(tx *engine.Transaction) (uint64, error) {
	c, err := readCounters(tx)
	if nil != err {
		return 0, err
	}
	c.LastAccountID++
	if err := writeCounters(tx, c); nil != err {
		return 0, err
	}
	return c.LastAccountID, nil
}

// NextTxID allocates and stages the next transaction id.
func NextTxID(tx *engine.Transaction) (uint64, error) {
	c, err := readCounters(tx)
	if nil != err {
		return 0, err
	}
	id := c.NextTxID
	c.NextTxID++
	if err := writeCounters(tx, c); nil != err {
		return 0, err
	}
	return id, nil
}

// NextOutputID allocates and stages the next output-reference id.
func NextOutputID(tx *engine.Transaction) (uint64, error) {
	c, err := readCounters(tx)
	if nil != err {
		return 0, err
	}
	id := c.NextOutputRefID
	c.NextOutputRefID++
	if err := writeCounters(tx, c); nil != err {
		return 0, err
	}
	return id, nil
}
