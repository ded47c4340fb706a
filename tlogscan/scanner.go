// Package tlogscan implements C6, LocalTLogScanner: on startup (and after
// a crash), replays every local TLog not yet reflected in the backend into
// a cachedstore.Store, verifying each SCO's CRC before trusting its
// entries and trimming the tail of local state at the first sign of
// corruption or incompleteness.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package tlogscan

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/karrick/godirwalk"

	glog "github.com/openvstorage/govoldrv/3rdparty/glog"
	"github.com/openvstorage/govoldrv/cachedstore"
	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/tlog"
)

// Status summarizes the outcome of scanning one TLog file.
type Status int

const (
	StatusOK Status = iota
	StatusSCOCRCFailed
	StatusMissingFinalCRC
)

// Result is returned by Scan for the whole directory.
type Result struct {
	FilesScanned int
	FilesTrimmed int
	LastStatus   Status
}

// Scanner walks a local directory of TLog files, oldest-first by filename,
// replaying Loc entries into store once each SCO's CRC has verified.
type Scanner struct {
	dir   string
	store *cachedstore.Store
}

func NewScanner(dir string, store *cachedstore.Store) *Scanner {
	return &Scanner{dir: dir, store: store}
}

// Scan walks the directory once, replaying every file in order. It stops
// at (and trims the effects of) the first file that fails verification,
// then deletes every file after it - those TLogs can never become valid
// without the ones before them.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	names, err := s.listSorted()
	if err != nil {
		return Result{}, fmt.Errorf("tlogscan: list %s: %w", s.dir, err)
	}

	res := Result{LastStatus: StatusOK}
	for i, name := range names {
		path := filepath.Join(s.dir, name)
		status, validBytes, err := s.scanOne(ctx, path)
		if err != nil {
			return res, fmt.Errorf("tlogscan: scan %s: %w", path, err)
		}
		res.FilesScanned++
		res.LastStatus = status

		if status == StatusMissingFinalCRC {
			// A TLog with no final TLogCRC is only tolerable if it's the
			// last one on disk - the volume was presumably still writing
			// to it at crash time.
			if i < len(names)-1 {
				return res, &cmn.ErrTLogWithoutFinalCRC{Path: path}
			}
			break
		}
		if status == StatusSCOCRCFailed {
			if err := os.Truncate(path, validBytes); err != nil {
				glog.Errorf("tlogscan: truncate %s to %d: %v", path, validBytes, err)
			}
			for _, rest := range names[i+1:] {
				restPath := filepath.Join(s.dir, rest)
				if err := os.Remove(restPath); err != nil {
					glog.Errorf("tlogscan: drop trailing tlog %s: %v", restPath, err)
				}
				res.FilesTrimmed++
			}
			break
		}
	}
	return res, nil
}

func (s *Scanner) listSorted() ([]string, error) {
	var names []string
	err := godirwalk.Walk(s.dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == s.dir {
				return nil
			}
			if de.IsDir() {
				return godirwalk.SkipThis
			}
			names = append(names, filepath.Base(path))
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// scanOne replays one file, returning the byte offset a caller should
// truncate the file to on StatusSCOCRCFailed.
func (s *Scanner) scanOne(ctx context.Context, path string) (Status, int64, error) {
	r, err := tlog.OpenFileReader(path)
	if err != nil {
		return StatusOK, 0, err
	}
	defer r.Close()

	var (
		pending      []tlog.Entry
		running      = crc32.NewIEEE()
		lastVerified int64
		sawFinalCRC  bool
	)

	for {
		e, ok, err := r.Next()
		if err != nil {
			return StatusSCOCRCFailed, lastVerified, nil
		}
		if !ok {
			break
		}
		switch e.Kind {
		case tlog.KindLoc:
			running.Write(r.LastEntryBytes())
			pending = append(pending, e)
		case tlog.KindSCOCRC:
			if running.Sum32() != e.CRC {
				return StatusSCOCRCFailed, lastVerified, nil
			}
			for _, loc := range pending {
				// Direct replay into the page cache, not through the cork
				// pipeline: these entries were already corked and sealed
				// by the data path before the crash, so re-corking them
				// would misrepresent their TLog boundary. Matches
				// storebuilder's and scrub's use of the same bypass.
				if err := s.store.WriteClusterDirect(ctx, loc.CA, loc.CLH); err != nil {
					return StatusOK, lastVerified, fmt.Errorf("replay ca %d: %w", loc.CA, err)
				}
			}
			pending = pending[:0]
			running = crc32.NewIEEE()
			lastVerified = r.Offset()
		case tlog.KindTLogCRC:
			sawFinalCRC = true
			lastVerified = r.Offset()
		case tlog.KindSyncTC:
			lastVerified = r.Offset()
		}
	}

	if len(pending) > 0 {
		// Loc entries with no trailing SCOCRC: the SCO was never closed.
		return StatusSCOCRCFailed, lastVerified, nil
	}
	if !sawFinalCRC {
		return StatusMissingFinalCRC, lastVerified, nil
	}
	return StatusOK, lastVerified, nil
}
