// Package hdfs adapts an HDFS directory to objbackend.Namespace using
// github.com/colinmarc/hdfs/v2. HDFS has no object-tagging concept;
// WriteTag/GetTag are implemented on top of extended attributes (xattrs),
// the closest native analogue.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package hdfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	hdfslib "github.com/colinmarc/hdfs/v2"

	"github.com/openvstorage/govoldrv/objbackend"
)

const xattrNamespace = "user."

// Namespace stores every key as a file under root/prefix+key. HDFS's
// client is synchronous/blocking; ctx is accepted for interface symmetry
// with the other adapters but not honored mid-call, matching the
// underlying library.
type Namespace struct {
	client *hdfslib.Client
	root   string
	prefix string
}

var _ objbackend.Namespace = (*Namespace)(nil)

func New(client *hdfslib.Client, root, prefix string) *Namespace {
	return &Namespace{client: client, root: root, prefix: prefix}
}

func (n *Namespace) fullPath(key string) string {
	if key == "" {
		return path.Join(n.root, n.prefix)
	}
	return path.Join(n.root, n.prefix+key)
}

func (n *Namespace) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := n.client.Open(n.fullPath(key))
	if err != nil {
		return nil, fmt.Errorf("hdfs open %s: %w", key, err)
	}
	return f, nil
}

func (n *Namespace) Write(_ context.Context, key string, r io.Reader, _ int64) error {
	p := n.fullPath(key)
	_ = n.client.Remove(p) // CreateFile fails if the path already exists
	w, err := n.client.Create(p)
	if err != nil {
		return fmt.Errorf("hdfs write %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("hdfs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("hdfs write %s: %w", key, err)
	}
	return nil
}

func (n *Namespace) WriteTag(_ context.Context, key, tagName, value string) error {
	flag := hdfslib.XattrSetFlagCreate | hdfslib.XattrSetFlagReplace
	if err := n.client.SetXattr(n.fullPath(key), xattrNamespace+tagName, []byte(value), flag); err != nil {
		return fmt.Errorf("hdfs write-tag %s/%s: %w", key, tagName, err)
	}
	return nil
}

func (n *Namespace) GetTag(_ context.Context, key, tagName string) (string, bool, error) {
	v, err := n.client.GetXattr(n.fullPath(key), xattrNamespace+tagName)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hdfs get-tag %s/%s: %w", key, tagName, err)
	}
	if v == nil {
		return "", false, nil
	}
	return string(v), true, nil
}

func (n *Namespace) Exists(_ context.Context, key string) (bool, error) {
	_, err := n.client.Stat(n.fullPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hdfs exists %s: %w", key, err)
	}
	return true, nil
}

func (n *Namespace) ForEach(_ context.Context, prefix string, fn func(key string) error) error {
	root := n.fullPath(prefix)
	err := n.client.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(path.Join(n.root, n.prefix), p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel))
	})
	if err != nil {
		return fmt.Errorf("hdfs for-each %s: %w", prefix, err)
	}
	return nil
}
