// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/Vital78/cbitcoin/fault"
)

// valueCacheTTL and valueCacheSweep match the defaults storage/cache.go
// uses for its in-process cache: short enough that a stale entry left by
// an external reader of the same files cannot linger, long enough that a
// hot key avoids a data-file read on every lookup.
const (
	valueCacheTTL   = 5 * time.Minute
	valueCacheSweep = 10 * time.Minute
)

// cachedValue is what Database.values stores per key: both the index
// entry and the data bytes it points to, so a cache hit can skip the
// index walk in addition to the data-file read.
type cachedValue struct {
	entry IndexValue
	data  []byte
}

// Database is a single-writer, transactional key/value store rooted at
// one folder, per spec.md 1 and 6. Every index it hosts shares the same
// write-ahead log and deletion pool; only Commit ever touches disk.
type Database struct {
	mu sync.Mutex

	dir string
	fm  *fileManager
	wal *writeAheadLog

	deletion *deletionIndex
	indexes  map[byte]*indexDescriptor
	values   *cache.Cache

	lockFile *os.File

	dataLastFile uint16
	dataLastSize uint32

	newDataLastFile uint16
	newDataLastSize uint32
}

// Open creates the folder if necessary, takes the advisory folder lock,
// replays any write-ahead log left by an interrupted commit, and loads
// the deletion pool and data-file tail. Indexes are attached afterwards
// via Index, since only the caller (the accounter package, in
// production) knows their key sizes and orderings.
func Open(dir string, maxFileSize int64) (*Database, error) {
	if err := os.MkdirAll(dir, 0755); nil != err {
		return nil, fault.IO("create database folder", err)
	}
	lockFile, err := lockFolder(dir)
	if nil != err {
		return nil, err
	}

	fm := newFileManager(dir, maxFileSize)
	if err := Replay(fm); nil != err {
		unlockFolder(lockFile)
		return nil, err
	}

	deletion := newDeletionIndex(fm)
	if err := deletion.load(); nil != err {
		unlockFolder(lockFile)
		return nil, err
	}

	lastFile, lastSize, err := scanDataTail(dir)
	if nil != err {
		unlockFolder(lockFile)
		return nil, err
	}

	db := &Database{
		dir:             dir,
		fm:              fm,
		wal:             newWriteAheadLog(fm),
		deletion:        deletion,
		indexes:         make(map[byte]*indexDescriptor),
		values:          cache.New(valueCacheTTL, valueCacheSweep),
		lockFile:        lockFile,
		dataLastFile:    lastFile,
		dataLastSize:    lastSize,
		newDataLastFile: lastFile,
		newDataLastSize: lastSize,
	}
	if nil != log {
		log.Debugf("cbitcoin: opened database at %s", dir)
	}
	return db, nil
}

// scanDataTail reconstructs the currently-growing data file and its size
// by listing the folder, since spec.md's on-disk layout has no dedicated
// database-level header file to persist it in (see DESIGN.md's Open
// Question resolution).
func scanDataTail(dir string) (uint16, uint32, error) {
	entries, err := os.ReadDir(dir)
	if nil != err {
		return 0, 0, fault.IO("scan database folder", err)
	}
	var highest int64 = -1
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, dataFilePrefix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(name, dataFilePrefix), 10, 32)
		if nil != err {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	if highest < 0 {
		return 0, 0, nil
	}
	path := filepath.Join(dir, dataFilePrefix+strconv.FormatInt(highest, 10))
	info, err := os.Stat(path)
	if nil != err {
		return 0, 0, fault.IO("stat data file", err)
	}
	return uint16(highest), uint32(info.Size()), nil
}

// Index attaches (bootstrapping if necessary) the named index, so a
// caller such as the accounter package can Begin transactions against
// it. keySize and comparator must be identical every time an index is
// re-opened; they are not themselves persisted.
func (db *Database) Index(id byte, keySize, cacheLimit int, comparator Comparator) (*indexDescriptor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if d, ok := db.indexes[id]; ok {
		return d, nil
	}
	d := newIndexDescriptor(id, keySize, cacheLimit, comparator, db.fm)
	if db.indexFileExists(id) {
		if err := d.loadHeader(); nil != err {
			return nil, err
		}
	} else {
		if err := d.bootstrap(); nil != err {
			return nil, err
		}
	}
	db.indexes[id] = d
	return d, nil
}

func (db *Database) indexFileExists(id byte) bool {
	_, err := os.Stat(db.fm.path(fileKey{kind: kindIndex, indexID: id, fileID: 0}))
	return nil == err
}

// Begin starts a new transaction buffer against this database.
func (db *Database) Begin() *Transaction {
	return newTransaction(db)
}

// readCommitted resolves key's currently committed value, bypassing any
// in-flight transaction's staged writes.
func (db *Database) readCommitted(indexID byte, key []byte) (IndexValue, []byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.readCommittedLocked(indexID, key)
}

// readCommittedLocked is readCommitted's body, callable by commit() and its
// helpers which already hold db.mu - sync.Mutex is not reentrant, so commit
// must never call the locking readCommitted on itself.
func (db *Database) readCommittedLocked(indexID byte, key []byte) (IndexValue, []byte, error) {
	ck := cacheKey(indexID, key)
	if cached, ok := db.values.Get(ck); ok {
		cv := cached.(cachedValue)
		return cv.entry, append([]byte(nil), cv.data...), nil
	}

	d, ok := db.indexes[indexID]
	if !ok {
		return IndexValue{}, nil, fault.ErrUnknownIndex
	}
	res := d.find(key)
	if res.status == statusError {
		return IndexValue{}, nil, res.err
	}
	if res.status != statusFound || res.value.Deleted() {
		return IndexValue{}, nil, fault.ErrKeyNotFound
	}
	data, err := db.fm.read(fileKey{kind: kindData, fileID: res.value.FileID}, int64(res.value.Pos), int(res.value.Length))
	if nil != err {
		return IndexValue{}, nil, err
	}
	// cache a defensive copy: callers such as Transaction.Read mutate the
	// slice they get back in place (applyPatch overlays onto it), which
	// must never reach back into the cached entry.
	db.values.Set(ck, cachedValue{entry: res.value, data: append([]byte(nil), data...)}, cache.DefaultExpiration)
	return res.value, data, nil
}

// cacheKey packs an index id and key into the string go-cache requires,
// mirroring txKey's own string(key) packing so the two never collide
// across indexes that happen to share a key's bytes.
func cacheKey(indexID byte, key []byte) string {
	buf := make([]byte, 1+len(key))
	buf[0] = indexID
	copy(buf[1:], key)
	return string(buf)
}

// invalidateCache drops indexID/key's cached value, if any. Every commit
// mutation - write, delete or rename - must call this for both the key it
// touches and (for a rename) the key it vacates, since the cache would
// otherwise keep serving a value this database no longer has.
func (db *Database) invalidateCache(indexID byte, key []byte) {
	db.values.Delete(cacheKey(indexID, key))
}

// IndexIDs returns the ids of every attached index, sorted, mostly useful
// to tests and to the accounter package's own diagnostics.
func (db *Database) IndexIDs() []byte {
	db.mu.Lock()
	defer db.mu.Unlock()
	ids := make([]byte, 0, len(db.indexes))
	for id := range db.indexes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases the file manager's cached handle and the advisory
// folder lock. It does not flush anything: every committed transaction
// is already durable.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.fm.close(); nil != err {
		return err
	}
	return unlockFolder(db.lockFile)
}
