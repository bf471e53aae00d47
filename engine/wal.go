// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"encoding/binary"

	"github.com/Vital78/cbitcoin/fault"
)

// recordKind distinguishes the two record shapes the write-ahead log
// carries, per spec.md 4.4.
type recordKind byte

const (
	recordBeforeImage recordKind = 0
	recordTerminal    recordKind = 1
)

// walRecord is one logged mutation: either the previous bytes at a
// location about to be overwritten (recordBeforeImage), or the previous
// tail size of a file about to grow (recordTerminal), so recovery can
// truncate away an interrupted append.
type walRecord struct {
	kind    recordKind
	target  fileKey
	offset  uint32 // recordBeforeImage only
	prev    []byte // recordBeforeImage: old bytes; recordTerminal: none
	oldSize uint32 // recordTerminal only
}

func (r walRecord) encode() []byte {
	switch r.kind {
	case recordBeforeImage:
		body := make([]byte, 1+1+1+2+4+4+len(r.prev))
		body[0] = byte(r.kind)
		body[1] = byte(r.target.kind)
		body[2] = r.target.indexID
		binary.LittleEndian.PutUint16(body[3:5], r.target.fileID)
		binary.LittleEndian.PutUint32(body[5:9], r.offset)
		binary.LittleEndian.PutUint32(body[9:13], uint32(len(r.prev)))
		copy(body[13:], r.prev)
		return prefixLength(body)
	case recordTerminal:
		body := make([]byte, 1+1+1+2+4)
		body[0] = byte(r.kind)
		body[1] = byte(r.target.kind)
		body[2] = r.target.indexID
		binary.LittleEndian.PutUint16(body[3:5], r.target.fileID)
		binary.LittleEndian.PutUint32(body[5:9], r.oldSize)
		return prefixLength(body)
	default:
		panic("wal: unknown record kind")
	}
}

func prefixLength(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// decodeRecord parses one record starting at data[0:], returning the
// record and the number of bytes it (including its length prefix)
// occupied.
func decodeRecord(data []byte) (walRecord, int, error) {
	if len(data) < 4 {
		return walRecord{}, 0, fault.ErrLogCorrupted
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	total := 4 + int(length)
	if len(data) < total || length < 3 {
		return walRecord{}, 0, fault.ErrLogCorrupted
	}
	body := data[4:total]
	kind := recordKind(body[0])
	target := fileKey{kind: fileKind(body[1]), indexID: body[2], fileID: binary.LittleEndian.Uint16(body[3:5])}
	switch kind {
	case recordBeforeImage:
		if len(body) < 13 {
			return walRecord{}, 0, fault.ErrLogCorrupted
		}
		offset := binary.LittleEndian.Uint32(body[5:9])
		prevLen := binary.LittleEndian.Uint32(body[9:13])
		if uint32(len(body)-13) != prevLen {
			return walRecord{}, 0, fault.ErrLogCorrupted
		}
		prev := make([]byte, prevLen)
		copy(prev, body[13:])
		return walRecord{kind: kind, target: target, offset: offset, prev: prev}, total, nil
	case recordTerminal:
		if len(body) != 9 {
			return walRecord{}, 0, fault.ErrLogCorrupted
		}
		return walRecord{kind: kind, target: target, oldSize: binary.LittleEndian.Uint32(body[5:9])}, total, nil
	default:
		return walRecord{}, 0, fault.ErrLogCorrupted
	}
}

// writeAheadLog accumulates before-images for the transaction currently
// being committed and durably records them ahead of any destructive
// write, per spec.md 4.4.
type writeAheadLog struct {
	fm  *fileManager
	buf []byte
}

func newWriteAheadLog(fm *fileManager) *writeAheadLog {
	return &writeAheadLog{fm: fm}
}

func (w *writeAheadLog) logBeforeImage(target fileKey, offset uint32, prev []byte) {
	r := walRecord{kind: recordBeforeImage, target: target, offset: offset, prev: prev}
	w.buf = append(w.buf, r.encode()...)
}

func (w *writeAheadLog) logTerminal(target fileKey, oldSize uint32) {
	r := walRecord{kind: recordTerminal, target: target, oldSize: oldSize}
	w.buf = append(w.buf, r.encode()...)
}

func (w *writeAheadLog) key() fileKey { return fileKey{kind: kindLog} }

// Sync durably writes the accumulated records ahead of the commit's
// destructive writes: [total_length:4][records...]. A zero length header
// means the log is clean.
func (w *writeAheadLog) Sync() error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(w.buf)))
	if err := w.fm.overwrite(w.key(), 0, append(header, w.buf...)); nil != err {
		return err
	}
	return w.fm.sync(w.key())
}

// Truncate clears the log once a commit has fully landed (spec.md 4.6
// step 8), discarding the records just made irrelevant by success.
func (w *writeAheadLog) Truncate() error {
	if err := w.fm.overwrite(w.key(), 0, make([]byte, 4)); nil != err {
		return err
	}
	w.buf = w.buf[:0]
	return w.fm.sync(w.key())
}

// Replay undoes an interrupted commit found at database Open: it reads
// whatever records were durably logged and applies them in reverse
// order, restoring before-images and truncating files back to their
// pre-transaction size, then clears the log.
func Replay(fm *fileManager) error {
	key := fileKey{kind: kindLog}
	size, err := fm.size(key)
	if nil != err {
		return err
	}
	if size < 4 {
		return nil
	}
	header, err := fm.read(key, 0, 4)
	if nil != err {
		return err
	}
	length := binary.LittleEndian.Uint32(header)
	if length == 0 {
		return nil
	}
	body, err := fm.read(key, 4, int(length))
	if nil != err {
		return err
	}

	var records []walRecord
	for pos := 0; pos < len(body); {
		r, consumed, err := decodeRecord(body[pos:])
		if nil != err {
			return err
		}
		records = append(records, r)
		pos += consumed
	}

	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		switch r.kind {
		case recordBeforeImage:
			if err := fm.overwrite(r.target, int64(r.offset), r.prev); nil != err {
				return err
			}
		case recordTerminal:
			if err := fm.truncate(r.target, int64(r.oldSize)); nil != err {
				return err
			}
		}
	}

	for _, key := range syncTargets(records) {
		if err := fm.sync(key); nil != err {
			return err
		}
	}

	w := newWriteAheadLog(fm)
	return w.Truncate()
}

func syncTargets(records []walRecord) []fileKey {
	seen := make(map[fileKey]bool)
	var keys []fileKey
	for _, r := range records {
		if !seen[r.target] {
			seen[r.target] = true
			keys = append(keys, r.target)
		}
	}
	return keys
}
