// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package hexdump formats raw bytes the way debug_dump presents a
// function's emitted code: sixteen bytes per line, offset prefix,
// hex bytes, ASCII gutter.
package hexdump

import (
	"fmt"
	"strings"
)

const width = 16

// Dump renders data in the classic offset/hex/ASCII layout.
func Dump(data []byte) string {
	var b strings.Builder
	for i := 0; i < len(data); i += width {
		end := i + width
		if end > len(data) {
			end = len(data)
		}
		line := data[i:end]

		fmt.Fprintf(&b, "%08x  ", i)
		for j := 0; j < width; j++ {
			if j < len(line) {
				fmt.Fprintf(&b, "%02x ", line[j])
			} else {
				b.WriteString("   ")
			}
			if j == width/2-1 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(" |")
		for _, c := range line {
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|\n")
	}
	return b.String()
}
