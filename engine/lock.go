// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/Vital78/cbitcoin/fault"
)

const lockFileName = ".lock"

// lockFolder takes an advisory, non-blocking exclusive lock on the
// database folder so a second process cannot open it concurrently
// (spec.md 5's single-writer requirement). The lock is released by
// closing the returned file, which happens implicitly on process exit
// even if Close is never called.
func lockFolder(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if nil != err {
		return nil, fault.IO("open lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); nil != err {
		f.Close()
		return nil, fault.ErrFolderInUse
	}
	return f, nil
}

func unlockFolder(f *os.File) error {
	if nil == f {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); nil != err {
		f.Close()
		return fault.IO("unlock database folder", err)
	}
	return f.Close()
}
