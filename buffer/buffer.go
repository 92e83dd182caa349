// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package buffer implements the growable, append-only code sink that
// every function builder writes its encoded instructions into.
package buffer

import "encoding/binary"

const initialCapacity = 16

// Buffer is a growable byte slice with patch-point access: callers can
// capture an offset before writing a placeholder and later overwrite
// the bytes at that offset in place, once the real value is known
//.
//
// The zero value is not ready to use; call New.
type Buffer struct {
	data []byte
}

// New returns an empty Buffer with its initial capacity already
// reserved.
func New() *Buffer {
	return &Buffer{data: make([]byte, 0, initialCapacity)}
}

// Len returns the number of bytes written so far. This is the offset
// the next byte will be written at, and is the value callers capture
// as a patch point before emitting a placeholder.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the buffer's contents. The returned slice aliases the
// buffer's storage and is invalidated by further writes.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) grow(n int) {
	if cap(b.data)-len(b.data) >= n {
		return
	}

	newCap := cap(b.data)
	if newCap == 0 {
		newCap = initialCapacity
	}
	for newCap-len(b.data) < n {
		newCap *= 2
	}

	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
}

// AppendByte appends a single byte, growing the buffer if necessary.
func (b *Buffer) AppendByte(v byte) {
	b.grow(1)
	b.data = append(b.data, v)
}

// Append appends a sequence of bytes.
func (b *Buffer) Append(v ...byte) {
	b.grow(len(v))
	b.data = append(b.data, v...)
}

// AppendUint32 appends v as 4 little-endian bytes.
func (b *Buffer) AppendUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Append(tmp[:]...)
}

// AppendUint64 appends v as 8 little-endian bytes.
func (b *Buffer) AppendUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Append(tmp[:]...)
}

// WriteByteAt overwrites the single byte at offset, which must already
// have been written (offset < Len()).
func (b *Buffer) WriteByteAt(offset int, v byte) {
	b.data[offset] = v
}

// WriteUint32At overwrites 4 little-endian bytes starting at offset, a
// patch point previously captured with Len. This is how CALL rel32,
// JMP rel32 and Jcc rel32 placeholders are resolved once their target
// is known, and how the prologue's frame-size immediate is patched in.
func (b *Buffer) WriteUint32At(offset int, v uint32) {
	binary.LittleEndian.PutUint32(b.data[offset:offset+4], v)
}

// WriteUint64At overwrites 8 little-endian bytes starting at offset, a
// patch point previously captured with Len. This is how far (absolute)
// relocations for literal function addresses are resolved at link
// time.
func (b *Buffer) WriteUint64At(offset int, v uint64) {
	binary.LittleEndian.PutUint64(b.data[offset:offset+8], v)
}
