// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"time"
)

// CRC32 table for the Castagnoli polynomial.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// headerChecksum covers every header byte except the CRC field itself,
// plus the body.
func headerChecksum(data []byte) uint32 {
	crc := crc32.Update(0, crcTable, data[:crcOffset])
	return crc32.Update(crc, crcTable, data[crcOffset+4:])
}

// writer appends little-endian and varint encoded values to a buffer.
type writer struct {
	buf     *bytes.Buffer
	scratch [binary.MaxVarintLen64]byte
}

func (w *writer) WriteUint8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *writer) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.scratch[:4], v)
	w.buf.Write(w.scratch[:4])
}

func (w *writer) WriteUint64(v uint64) {
	binary.LittleEndian.PutUint64(w.scratch[:8], v)
	w.buf.Write(w.scratch[:8])
}

func (w *writer) WriteVarint(v int64) {
	n := binary.PutVarint(w.scratch[:], v)
	w.buf.Write(w.scratch[:n])
}

func (w *writer) WriteUvarint(v uint64) {
	n := binary.PutUvarint(w.scratch[:], v)
	w.buf.Write(w.scratch[:n])
}

// WriteString writes a uvarint length-prefixed string.
func (w *writer) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.buf.WriteString(s)
}

// WriteNullableBytes writes a varint length prefix, -1 for nil.
func (w *writer) WriteNullableBytes(data []byte) {
	if data == nil {
		w.WriteVarint(-1)
		return
	}
	w.WriteVarint(int64(len(data)))
	w.buf.Write(data)
}

// WriteTime writes unix nanoseconds; the zero time is written as 0.
func (w *writer) WriteTime(t time.Time) {
	if t.IsZero() {
		w.WriteVarint(0)
		return
	}
	w.WriteVarint(t.UnixNano())
}

// reader consumes values written by writer. Every method fails with
// ErrTruncated instead of reading past the end of the buffer.
type reader struct {
	buf []byte
	pos int
}

func newReader(data []byte) *reader {
	return &reader{buf: data}
}

// Remaining returns the number of unread bytes.
func (r *reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) ReadUint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, ErrTruncated
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) ReadUint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) ReadVarint() (int64, error) {
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.pos += n
	return v, nil
}

func (r *reader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.pos += n
	return v, nil
}

func (r *reader) ReadString() (string, error) {
	length, err := r.ReadUvarint()
	if err != nil {
		return "", err
	}
	if length > uint64(r.Remaining()) {
		return "", ErrTruncated
	}
	s := string(r.buf[r.pos : r.pos+int(length)])
	r.pos += int(length)
	return s, nil
}

func (r *reader) ReadNullableBytes() ([]byte, error) {
	length, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, nil
	}
	if length > int64(r.Remaining()) {
		return nil, ErrTruncated
	}
	data := make([]byte, length)
	copy(data, r.buf[r.pos:r.pos+int(length)])
	r.pos += int(length)
	return data, nil
}

func (r *reader) ReadTime() (time.Time, error) {
	nanos, err := r.ReadVarint()
	if err != nil {
		return time.Time{}, err
	}
	if nanos == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos), nil
}

// ReadCount reads an element count and rejects counts that cannot fit
// in the unread bytes, each element taking at least minSize bytes.
func (r *reader) ReadCount(minSize int) (int, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if n > uint64(r.Remaining()/minSize) {
		return 0, ErrTruncated
	}
	return int(n), nil
}
