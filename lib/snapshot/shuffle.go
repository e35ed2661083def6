// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snapshot

import (
	"io"
)

const (
	// Model weights are mostly float32/bf16 arrays. Grouping the
	// Nth byte of every element together puts the
	// slowly-varying exponent bytes next to each other.
	shuffleWidth = 4
	shuffleBlock = 1 << 20
)

// shuffle transposes src into dst as a byte matrix with the given
// element width. Trailing bytes that do not fill a whole element are
// copied unchanged.
func shuffle(dst, src []byte, width int) {
	n := len(src) / width
	for i := 0; i < n; i++ {
		for j := 0; j < width; j++ {
			dst[j*n+i] = src[i*width+j]
		}
	}
	copy(dst[n*width:], src[n*width:])
}

// unshuffle reverses shuffle.
func unshuffle(dst, src []byte, width int) {
	n := len(src) / width
	for i := 0; i < n; i++ {
		for j := 0; j < width; j++ {
			dst[i*width+j] = src[j*n+i]
		}
	}
	copy(dst[n*width:], src[n*width:])
}

// copyShuffled copies n bytes from r to w, applying fn to each block
// of up to shuffleBlock bytes.
func copyShuffled(w io.Writer, r io.Reader, n int64, fn func(dst, src []byte, width int)) error {
	src := make([]byte, shuffleBlock)
	dst := make([]byte, shuffleBlock)
	for n > 0 {
		size := int64(shuffleBlock)
		if n < size {
			size = n
		}
		if _, err := io.ReadFull(r, src[:size]); err != nil {
			return err
		}
		fn(dst[:size], src[:size], shuffleWidth)
		if _, err := w.Write(dst[:size]); err != nil {
			return err
		}
		n -= size
	}
	return nil
}
