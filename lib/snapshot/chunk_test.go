// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ChunkSuite{})

type ChunkSuite struct{}

func (s *ChunkSuite) TestPlanChunks(c *check.C) {
	var files []fileEntry
	for _, size := range []int64{10, 20, 50, 200, 5, 5} {
		files = append(files, fileEntry{size: size})
	}
	chunks := planChunks(files, 60)
	c.Assert(chunks, check.HasLen, 4)
	var sizes []int64
	for _, chunk := range chunks {
		sizes = append(sizes, chunkSize(chunk))
	}
	c.Check(sizes, check.DeepEquals, []int64{30, 50, 200, 10})
	c.Check(planChunks(nil, 60), check.HasLen, 0)
}

func (s *ChunkSuite) TestShuffleRoundTrip(c *check.C) {
	for _, size := range []int{0, 3, 4, 1037} {
		src := make([]byte, size)
		rand.Read(src)
		shuffled := make([]byte, size)
		shuffle(shuffled, src, 4)
		restored := make([]byte, size)
		unshuffle(restored, shuffled, 4)
		c.Check(restored, check.DeepEquals, src, check.Commentf("size %d", size))
	}

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	dst := make([]byte, len(src))
	shuffle(dst, src, 4)
	c.Check(dst, check.DeepEquals, []byte{1, 5, 2, 6, 3, 7, 4, 8, 9})
}

func (s *ChunkSuite) TestCopyShuffledMultiBlock(c *check.C) {
	src := make([]byte, shuffleBlock*2+shuffleBlock/2+3)
	rand.Read(src)
	var shuffled, restored bytes.Buffer
	c.Assert(copyShuffled(&shuffled, bytes.NewReader(src), int64(len(src)), shuffle), check.IsNil)
	c.Check(shuffled.Len(), check.Equals, len(src))
	c.Assert(copyShuffled(&restored, &shuffled, int64(len(src)), unshuffle), check.IsNil)
	c.Check(bytes.Equal(restored.Bytes(), src), check.Equals, true)
}

func (s *ChunkSuite) TestRejectEscapingPath(c *check.C) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	c.Assert(err, check.IsNil)
	tw := tar.NewWriter(zw)
	c.Assert(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "../evil", Size: 1, Mode: 0644}), check.IsNil)
	tw.Write([]byte("x"))
	tw.Close()
	zw.Close()

	fsys := afero.NewMemMapFs()
	_, _, err = readChunk(context.Background(), &buf, fsys, "/work")
	c.Check(err, check.ErrorMatches, `invalid path "../evil" in snapshot`)
	_, err = fsys.Stat("/evil")
	c.Check(err, check.NotNil)
}

func (s *ChunkSuite) TestCleanRel(c *check.C) {
	for _, bad := range []string{"", ".", "..", "../x", "/etc/passwd", "a/../../x"} {
		_, err := cleanRel(bad)
		c.Check(err, check.NotNil, check.Commentf("%q", bad))
	}
	rel, err := cleanRel("a/./b//c")
	c.Check(err, check.IsNil)
	c.Check(rel, check.Equals, "a/b/c")
}

func (s *ChunkSuite) TestFileSizeChangedSinceScan(c *check.C) {
	fsys := afero.NewMemMapFs()
	c.Assert(afero.WriteFile(fsys, "/work/shrunk.txt", []byte("abc"), 0644), check.IsNil)
	c.Assert(afero.WriteFile(fsys, "/work/grown.txt", []byte("0123456789"), 0644), check.IsNil)
	files := []fileEntry{
		{rel: "grown.txt", size: 4, mode: 0644},
		{rel: "shrunk.txt", size: 100, mode: 0644},
	}
	var buf bytes.Buffer
	stored, logical, err := writeChunk(context.Background(), &buf, fsys, "/work", files, func(string) bool { return false })
	c.Assert(err, check.IsNil)
	c.Check(stored, check.Equals, int64(buf.Len()))
	c.Check(logical, check.Equals, int64(13))

	dst := afero.NewMemMapFs()
	n, size, err := readChunk(context.Background(), &buf, dst, "/restored")
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 2)
	c.Check(size, check.Equals, int64(13))
	data, err := afero.ReadFile(dst, "/restored/grown.txt")
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Equals, "0123456789")
	data, err = afero.ReadFile(dst, "/restored/shrunk.txt")
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Equals, "abc")
}

// shrinkingFs returns files that report a larger size than they can
// deliver, like a file truncated while it is being read.
type shrinkingFs struct {
	afero.Fs
}

func (fs shrinkingFs) Open(name string) (afero.File, error) {
	f, err := fs.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	return shrinkingFile{f}, nil
}

type shrinkingFile struct {
	afero.File
}

func (f shrinkingFile) Stat() (os.FileInfo, error) {
	fi, err := f.File.Stat()
	if err != nil {
		return nil, err
	}
	return biggerInfo{fi}, nil
}

type biggerInfo struct {
	os.FileInfo
}

func (fi biggerInfo) Size() int64 { return fi.FileInfo.Size() + 10 }

func (s *ChunkSuite) TestFileShrinksDuringCapture(c *check.C) {
	fsys := afero.NewMemMapFs()
	c.Assert(afero.WriteFile(fsys, "/work/a.txt", []byte("abc"), 0644), check.IsNil)
	for _, shuffled := range []bool{false, true} {
		_, _, err := writeChunk(context.Background(), io.Discard, shrinkingFs{fsys}, "/work", []fileEntry{{rel: "a.txt", size: 3, mode: 0644}}, func(string) bool { return shuffled })
		c.Check(errors.Is(err, ErrFileChanged), check.Equals, true, check.Commentf("shuffled %v: %v", shuffled, err))
	}
}

func (s *ChunkSuite) TestExtractReplacesExistingFile(c *check.C) {
	src := afero.NewMemMapFs()
	mtime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Assert(afero.WriteFile(src, "/work/sub/a.txt", []byte("new contents"), 0600), check.IsNil)
	c.Assert(src.Chtimes("/work/sub/a.txt", mtime, mtime), check.IsNil)
	var buf bytes.Buffer
	_, _, err := writeChunk(context.Background(), &buf, src, "/work", []fileEntry{{rel: "sub/a.txt", size: 12, mode: 0600}}, func(string) bool { return false })
	c.Assert(err, check.IsNil)

	dst := afero.NewMemMapFs()
	c.Assert(afero.WriteFile(dst, "/restored/sub/a.txt", []byte("old contents that were longer"), 0644), check.IsNil)
	_, _, err = readChunk(context.Background(), &buf, dst, "/restored")
	c.Assert(err, check.IsNil)
	data, err := afero.ReadFile(dst, "/restored/sub/a.txt")
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Equals, "new contents")
	fi, err := dst.Stat("/restored/sub/a.txt")
	c.Assert(err, check.IsNil)
	c.Check(fi.ModTime().Equal(mtime), check.Equals, true)
	names, err := afero.ReadDir(dst, "/restored/sub")
	c.Assert(err, check.IsNil)
	c.Check(names, check.HasLen, 1)
}
