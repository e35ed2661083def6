// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snapshot

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// PAX record marking a byte-shuffled file.
const paxShuffle = "SPOTRELAY.shuffle"

type fileEntry struct {
	rel   string // slash-separated path relative to the workspace
	size  int64
	mtime time.Time
	mode  os.FileMode
}

// planChunks groups files into chunks by cumulative size. A file
// larger than target gets a chunk of its own.
func planChunks(files []fileEntry, target int64) [][]fileEntry {
	var chunks [][]fileEntry
	var cur []fileEntry
	var curSize int64
	for _, f := range files {
		if len(cur) > 0 && curSize+f.size > target {
			chunks = append(chunks, cur)
			cur, curSize = nil, 0
		}
		cur = append(cur, f)
		curSize += f.size
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

func chunkSize(files []fileEntry) int64 {
	var n int64
	for _, f := range files {
		n += f.size
	}
	return n
}

type countingWriter struct {
	io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.n += int64(n)
	return n, err
}

// ErrFileChanged is returned when a file shrinks while it is being
// captured.
var ErrFileChanged = errors.New("file changed during capture")

// writeChunk writes the given files from fsys (relative to root) to
// w as a zstd-compressed PAX tar stream. It returns the number of
// compressed bytes written and the total size of the files as they
// were when opened, which can differ from the scanned sizes.
func writeChunk(ctx context.Context, w io.Writer, fsys afero.Fs, root string, files []fileEntry, shuffled func(string) bool) (stored, logical int64, err error) {
	cw := &countingWriter{Writer: w}
	zw, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return 0, 0, err
	}
	tw := tar.NewWriter(zw)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return cw.n, logical, err
		}
		size, err := writeFile(tw, fsys, root, f, shuffled(f.rel))
		if err != nil {
			zw.Close()
			return cw.n, logical, fmt.Errorf("%s: %w", f.rel, err)
		}
		logical += size
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return cw.n, logical, err
	}
	if err := zw.Close(); err != nil {
		return cw.n, logical, err
	}
	return cw.n, logical, nil
}

// writeFile adds one file to tw. The entry's size and modification
// time come from the open file, so a file that grew or shrank since
// the scan is stored as it is now. Data appended after the file is
// opened is not included.
func writeFile(tw *tar.Writer, fsys afero.Fs, root string, f fileEntry, shuffled bool) (int64, error) {
	src, err := fsys.Open(filepath.Join(root, filepath.FromSlash(f.rel)))
	if err != nil {
		return 0, err
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return 0, err
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     f.rel,
		Size:     fi.Size(),
		Mode:     int64(f.mode.Perm()),
		ModTime:  fi.ModTime(),
		Format:   tar.FormatPAX,
	}
	if shuffled {
		hdr.PAXRecords = map[string]string{paxShuffle: fmt.Sprint(shuffleWidth)}
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	if shuffled {
		err = copyShuffled(tw, src, hdr.Size, shuffle)
	} else {
		_, err = io.CopyN(tw, src, hdr.Size)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrFileChanged
	}
	return hdr.Size, err
}

// readChunk extracts a chunk written by writeChunk into root, and
// returns the number of files and uncompressed bytes written.
func readChunk(ctx context.Context, r io.Reader, fsys afero.Fs, root string) (int, int64, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, 0, err
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	files, bytes := 0, int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return files, bytes, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, bytes, nil
		} else if err != nil {
			return files, bytes, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel, err := cleanRel(hdr.Name)
		if err != nil {
			return files, bytes, err
		}
		if err := extractFile(tr, fsys, root, rel, hdr); err != nil {
			return files, bytes, fmt.Errorf("%s: %w", rel, err)
		}
		files++
		bytes += hdr.Size
	}
}

// cleanRel rejects paths that would escape the workspace.
func cleanRel(name string) (string, error) {
	rel := path.Clean(name)
	if rel == "." || path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("invalid path %q in snapshot", name)
	}
	return rel, nil
}

// extractFile writes one file to a temporary name in the target
// directory, then renames it into place.
func extractFile(tr *tar.Reader, fsys afero.Fs, root, rel string, hdr *tar.Header) error {
	target := filepath.Join(root, filepath.FromSlash(rel))
	dir, base := filepath.Split(target)
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return err
	}
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0644
	}
	tmp := filepath.Join(dir, "."+base+".spotrelay-tmp")
	dst, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if hdr.PAXRecords[paxShuffle] != "" {
		err = copyShuffled(dst, tr, hdr.Size, unshuffle)
	} else {
		_, err = io.Copy(dst, tr)
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fsys.Chtimes(tmp, hdr.ModTime, hdr.ModTime)
	}
	if err == nil {
		err = rename(fsys, tmp, target)
	}
	if err != nil {
		fsys.Remove(tmp)
		return err
	}
	return nil
}

// rename moves oldname to newname, replacing newname. SFTP servers
// may refuse to rename over an existing file, so on failure the
// target is removed and the rename retried.
func rename(fsys afero.Fs, oldname, newname string) error {
	err := fsys.Rename(oldname, newname)
	if err == nil {
		return nil
	}
	if _, serr := fsys.Stat(newname); serr != nil {
		return err
	}
	if err := fsys.Remove(newname); err != nil {
		return err
	}
	return fsys.Rename(oldname, newname)
}
