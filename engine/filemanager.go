// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Vital78/cbitcoin/fault"
)

// fileKind identifies the class of a numbered file beneath the database
// folder, following spec.md 4.1's File Manager types.
type fileKind int

const (
	kindIndex fileKind = iota
	kindDeletion
	kindData
	kindLog
	kindNone
)

// fileKey names one physical file: (kind, indexID, fileID). indexID and
// fileID are ignored for kindDeletion and kindLog.
type fileKey struct {
	kind    fileKind
	indexID byte
	fileID  uint16
}

// fileManager opens, extends, appends to and overwrites the numbered files
// beneath a database folder. It caches exactly one open handle
// (last_used_file_id/type/index_id in spec.md 4.1) - a request for a
// different file closes and reopens, matching "requests for a different
// file close and reopen".
type fileManager struct {
	mu          sync.Mutex
	dir         string
	maxFileSize int64

	haveLast bool
	lastKey  fileKey
	lastFile *os.File
}

func newFileManager(dir string, maxFileSize int64) *fileManager {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &fileManager{dir: dir, maxFileSize: maxFileSize}
}

func (fm *fileManager) path(key fileKey) string {
	switch key.kind {
	case kindIndex:
		return filepath.Join(fm.dir, fmt.Sprintf("%s%d_%d", indexFilePrefix, key.indexID, key.fileID))
	case kindDeletion:
		return filepath.Join(fm.dir, deletionFile)
	case kindData:
		return filepath.Join(fm.dir, fmt.Sprintf("%s%d", dataFilePrefix, key.fileID))
	case kindLog:
		return filepath.Join(fm.dir, logFile)
	default:
		panic("fileManager: unknown file kind")
	}
}

// handle returns the open *os.File for key, reusing the cached handle
// when it already names the same file.
func (fm *fileManager) handle(key fileKey) (*os.File, error) {
	if fm.haveLast && fm.lastKey == key {
		return fm.lastFile, nil
	}
	if fm.haveLast {
		fm.lastFile.Close()
		fm.haveLast = false
	}
	f, err := os.OpenFile(fm.path(key), os.O_RDWR|os.O_CREATE, 0644)
	if nil != err {
		return nil, fault.IO("open "+fm.path(key), err)
	}
	fm.lastKey = key
	fm.lastFile = f
	fm.haveLast = true
	return f, nil
}

// size returns the current size of the file, 0 if it does not yet exist.
func (fm *fileManager) size(key fileKey) (int64, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	f, err := fm.handle(key)
	if nil != err {
		return 0, err
	}
	info, err := f.Stat()
	if nil != err {
		return 0, fault.IO("stat "+fm.path(key), err)
	}
	return info.Size(), nil
}

// append writes data to the end of the file and returns the offset it was
// written at. overwrite and truncate can also grow a file.
func (fm *fileManager) append(key fileKey, data []byte) (int64, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	f, err := fm.handle(key)
	if nil != err {
		return 0, err
	}
	info, err := f.Stat()
	if nil != err {
		return 0, fault.IO("stat "+fm.path(key), err)
	}
	offset := info.Size()
	if _, err := f.WriteAt(data, offset); nil != err {
		return 0, fault.IO("append "+fm.path(key), err)
	}
	return offset, nil
}

// overwrite replaces len(data) bytes at offset. When offset+len(data) lies
// past the current end of the file, the file is extended to hold them.
func (fm *fileManager) overwrite(key fileKey, offset int64, data []byte) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	f, err := fm.handle(key)
	if nil != err {
		return err
	}
	if _, err := f.WriteAt(data, offset); nil != err {
		return fault.IO("overwrite "+fm.path(key), err)
	}
	return nil
}

// read returns length bytes starting at offset.
func (fm *fileManager) read(key fileKey, offset int64, length int) ([]byte, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	f, err := fm.handle(key)
	if nil != err {
		return nil, err
	}
	buffer := make([]byte, length)
	if _, err := f.ReadAt(buffer, offset); nil != err {
		return nil, fault.IO("read "+fm.path(key), err)
	}
	return buffer, nil
}

// truncate shrinks (or extends) the file to exactly size bytes. Used
// during recovery to roll back growth from an interrupted commit.
func (fm *fileManager) truncate(key fileKey, size int64) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	f, err := fm.handle(key)
	if nil != err {
		return err
	}
	if err := f.Truncate(size); nil != err {
		return fault.IO("truncate "+fm.path(key), err)
	}
	return nil
}

// sync flushes the file to durable storage. Writes do not imply
// durability on their own; only sync establishes it.
func (fm *fileManager) sync(key fileKey) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	f, err := fm.handle(key)
	if nil != err {
		return err
	}
	if err := f.Sync(); nil != err {
		return fault.IO("sync "+fm.path(key), err)
	}
	return nil
}

// wouldOverflow reports whether appending dataSize bytes to a file
// currently sized currentSize would exceed the per-database maximum file
// size, requiring the write to roll to the next numbered file.
func (fm *fileManager) wouldOverflow(currentSize int64, dataSize int) bool {
	return currentSize+int64(dataSize) > fm.maxFileSize
}

func (fm *fileManager) close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.haveLast {
		err := fm.lastFile.Close()
		fm.haveLast = false
		if nil != err {
			return fault.IO("close file manager handle", err)
		}
	}
	return nil
}
