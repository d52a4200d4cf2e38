// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire implements the big-endian, length-prefixed framing used by
// the host session protocol and by the flashconfig backing-file format. It
// plays the role the teacher's internal/buffer package plays for FUSE
// messages: a small, allocation-light layer between raw bytes and typed
// fields, grown as needed rather than fixed-capacity, since session/kernel
// library blobs have no FUSE-style upper bound.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader decodes big-endian, length-prefixed fields from an underlying
// byte source. It does not buffer internally; callers supply a source that
// already provides ReadFull-style blocking semantics (netio.TcpStream does).
type Reader struct {
	r   io.Reader
	tmp [8]byte
}

// NewReader wraps r for tag/field decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) fill(n int) ([]byte, error) {
	b := r.tmp[:n]
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadUint8 reads a single tag or flag byte.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.fill(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint32 reads a big-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadInt64 reads a big-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// ReadUint64 reads a big-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// maxFrame bounds a single length-prefixed field, guarding against a
// corrupt or hostile length turning into an unbounded allocation; well
// above any legitimate kernel library blob.
const maxFrame = 64 << 20

// ReadBytes reads a uint32 length prefix followed by that many bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > maxFrame {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds %d byte limit", n, maxFrame)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadString is ReadBytes with a string conversion.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadExact reads exactly len(buf) bytes, used for the fixed 14-byte magic.
func (r *Reader) ReadExact(buf []byte) error {
	_, err := io.ReadFull(r.r, buf)
	return err
}

// Writer accumulates a reply frame for a single WriteAll to the stream.
// Mirrors the teacher's OutMessage: grow-then-append, one flush per
// message. Reset allows reuse across replies; the session builds a fresh
// Writer for each reply instead.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Reset clears the writer for reuse.
func (w *Writer) Reset() {
	w.buf.Reset()
}

// Bytes returns the accumulated frame.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// WriteUint8 appends a single byte (reply tag).
func (w *Writer) WriteUint8(v uint8) {
	w.buf.WriteByte(v)
}

// WriteUint32 appends a big-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// WriteInt64 appends a big-endian int64.
func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

// WriteUint64 appends a big-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// WriteBytes appends a uint32 length prefix followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf.Write(b)
}

// WriteString is WriteBytes with a string argument.
func (w *Writer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

// WriteRaw appends b with no length prefix, for fixed-layout fields.
func (w *Writer) WriteRaw(b []byte) {
	w.buf.Write(b)
}
