// Scratch-directory plumbing shared by MetadataStoreBuilder (C5) and the
// scrub result loader (C7): each fetched TLog is written lz4-compressed to
// a scratch file, then decompressed in full into a second scratch file
// that the returned Reader reads. Both files stay on disk until the
// returned closer runs, so the scratch directory holds a compressed and a
// plain copy of every TLog still open (SPEC_FULL.md §4.5).
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package tlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v3"
	"github.com/teris-io/shortid"
)

// Source is the minimal namespace surface FetchFromNamespace needs -
// objbackend.Namespace satisfies it directly. Kept narrow here so this
// package doesn't need to import objbackend just for one method.
type Source interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// FetchFromNamespace downloads the TLog object at key into scratchDir,
// storing it lz4-compressed at rest, decompresses it into a second
// scratch file, and returns a Reader over the plain bytes plus a closer
// that removes both scratch files.
func FetchFromNamespace(ctx context.Context, src Source, key, scratchDir string) (Reader, io.Closer, error) {
	rc, err := src.Open(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("tlog: fetch %s: %w", key, err)
	}
	defer rc.Close()

	id, err := shortid.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("tlog: fetch %s: scratch name: %w", key, err)
	}

	compressedPath := filepath.Join(scratchDir, id+".tlog.lz4")
	if err := compressToFile(rc, compressedPath); err != nil {
		return nil, nil, fmt.Errorf("tlog: fetch %s: compress: %w", key, err)
	}

	plainPath := filepath.Join(scratchDir, id+".tlog")
	if err := decompressFile(compressedPath, plainPath); err != nil {
		os.Remove(compressedPath)
		return nil, nil, fmt.Errorf("tlog: fetch %s: decompress: %w", key, err)
	}

	fr, err := OpenFileReader(plainPath)
	if err != nil {
		os.Remove(compressedPath)
		os.Remove(plainPath)
		return nil, nil, fmt.Errorf("tlog: fetch %s: open scratch copy: %w", key, err)
	}

	cleanup := closerFunc(func() error {
		fr.Close()
		os.Remove(compressedPath)
		os.Remove(plainPath)
		return nil
	})
	return fr, cleanup, nil
}

func compressToFile(r io.Reader, dstPath string) error {
	out, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(out)
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func decompressFile(srcPath, dstPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, lz4.NewReader(in))
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
