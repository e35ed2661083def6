// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Prefix of in-progress files written by Put.
const tmpPrefix = ".tmp-"

// Directory is a Store backed by a local (or network-mounted)
// directory. Each object is a regular file.
type Directory struct {
	Root string
}

func NewDirectory(root string) (*Directory, error) {
	if root == "" {
		return nil, errors.New("directory storage: Root must not be empty")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	return &Directory{Root: root}, nil
}

func (d *Directory) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || clean != "/"+key {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(d.Root, filepath.FromSlash(clean)), nil
}

// Put writes data to a temporary file in the destination directory,
// then renames it into place.
func (d *Directory) Put(ctx context.Context, key string, data io.Reader) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmpfile, err := os.CreateTemp(dir, tmpPrefix+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("CreateTemp(%s): %w", dir, err)
	}
	tmppath := tmpfile.Name()
	defer os.Remove(tmppath)
	_, err = io.Copy(tmpfile, ctxReader{ctx, data})
	if err != nil {
		tmpfile.Close()
		return fmt.Errorf("error writing %s: %w", tmppath, err)
	}
	if err := tmpfile.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", tmppath, err)
	}
	if err := os.Rename(tmppath, path); err != nil {
		return fmt.Errorf("error renaming %s to %s: %w", tmppath, path, err)
	}
	return nil
}

func (d *Directory) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
	}
	return f, err
}

func (d *Directory) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(d.Root, func(path string, ent fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(d.Root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if ent.IsDir() {
			if rel != "." && !strings.HasPrefix(key+"/", prefix) && !strings.HasPrefix(prefix, key+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(ent.Name(), tmpPrefix) || !strings.HasPrefix(key, prefix) {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	return sortedKeys(keys), err
}

func (d *Directory) Delete(ctx context.Context, key string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
