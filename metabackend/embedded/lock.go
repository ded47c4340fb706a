//go:build linux || darwin

// Single-writer enforcement for the embedded backend: buntdb itself does
// not stop a second process from opening the same file, so Open takes an
// exclusive, non-blocking flock on a sidecar file next to the database -
// the two-processes-on-one-volume misconfiguration this variant's doc
// comment promises never happens becomes a real, loud error instead of
// silent corruption.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package embedded

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type writerLock struct {
	fd int
}

func acquireWriterLock(dbPath string) (*writerLock, error) {
	path := dbPath + ".lock"
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("embedded: open lock file %s: %w", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("embedded: %s is already open for writing by another process: %w", dbPath, err)
	}
	return &writerLock{fd: fd}, nil
}

func (l *writerLock) release() {
	if l == nil {
		return
	}
	unix.Flock(l.fd, unix.LOCK_UN)
	unix.Close(l.fd)
}
