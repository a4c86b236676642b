// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint implements the on-disk snapshot of the delivery
// manager: its event store and both queues.
//
// File layout (little-endian):
//
//	Magic(4) Version(1) Flags(1) Compression(1) Reserved(1)
//	CRC(4) BodyLen(4) Timestamp(8) Body(BodyLen)
//
// The CRC32-C covers every byte of the file except the CRC field.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/courier/event"
	"github.com/absmach/courier/internal/bufpool"
)

const (
	// Magic is "CPT1" read as a little-endian uint32.
	Magic uint32 = 0x31545043

	// Version is the current format version.
	Version uint8 = 1

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 24

	crcOffset = 8

	flagCompressed uint8 = 1 << 0

	// Smallest encodings, used to bound counts read from untrusted input.
	minEventSize = 8
	minEntrySize = 2
)

var (
	// ErrCorrupted is wrapped by every error caused by damaged checkpoint bytes.
	ErrCorrupted          = errors.New("checkpoint corrupted")
	ErrInvalidMagic       = errors.New("invalid checkpoint magic")
	ErrChecksumMismatch   = errors.New("checkpoint checksum mismatch")
	ErrTruncated          = errors.New("checkpoint truncated")
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
)

// Entry is one queue slot: the priority time and the event it refers to.
type Entry struct {
	At time.Time
	ID string
}

// Snapshot is the full persisted state of a delivery manager.
type Snapshot struct {
	Timestamp time.Time
	Events    []event.Event
	Pending   []Entry
	Retry     []Entry
}

// Encode serializes s. The body is compressed with c when that makes it smaller.
func Encode(s *Snapshot, c Compression) ([]byte, error) {
	body := bufpool.Get()
	defer bufpool.Put(body)

	w := &writer{buf: body}
	w.WriteUvarint(uint64(len(s.Events)))
	for i := range s.Events {
		if err := writeEvent(w, &s.Events[i]); err != nil {
			return nil, err
		}
	}
	writeEntries(w, s.Pending)
	writeEntries(w, s.Retry)

	var flags uint8
	payload := body.Bytes()
	if c != CompressionNone {
		compressed, err := compress(payload, c)
		if err != nil {
			return nil, fmt.Errorf("compression failed: %w", err)
		}
		if len(compressed) < len(payload) {
			flags |= flagCompressed
			payload = compressed
		}
	}

	out := bufpool.Get()
	defer bufpool.Put(out)
	out.Grow(HeaderSize + len(payload))

	hw := &writer{buf: out}
	hw.WriteUint32(Magic)
	hw.WriteUint8(Version)
	hw.WriteUint8(flags)
	hw.WriteUint8(uint8(c))
	hw.WriteUint8(0)  // reserved
	hw.WriteUint32(0) // CRC placeholder
	hw.WriteUint32(uint32(len(payload)))
	hw.WriteUint64(uint64(timeNanos(s.Timestamp)))
	out.Write(payload)

	data := make([]byte, out.Len())
	copy(data, out.Bytes())
	binary.LittleEndian.PutUint32(data[crcOffset:], headerChecksum(data))

	return data, nil
}

// Decode parses and validates a checkpoint produced by Encode.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < HeaderSize {
		return nil, corrupted(ErrTruncated)
	}

	r := newReader(data)
	magic, _ := r.ReadUint32()
	if magic != Magic {
		return nil, corrupted(ErrInvalidMagic)
	}

	version, _ := r.ReadUint8()
	flags, _ := r.ReadUint8()
	codec, _ := r.ReadUint8()
	_, _ = r.ReadUint8() // reserved
	storedCRC, _ := r.ReadUint32()
	bodyLen, _ := r.ReadUint32()
	ts, _ := r.ReadUint64()

	if version > Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if int64(bodyLen) != int64(len(data)-HeaderSize) {
		return nil, corrupted(ErrTruncated)
	}
	if storedCRC != headerChecksum(data) {
		return nil, corrupted(ErrChecksumMismatch)
	}

	body := data[HeaderSize:]
	if flags&flagCompressed != 0 {
		var err error
		body, err = decompress(body, Compression(codec))
		if err != nil {
			return nil, corrupted(fmt.Errorf("decompression failed: %w", err))
		}
	}

	s := &Snapshot{}
	if ts != 0 {
		s.Timestamp = time.Unix(0, int64(ts))
	}

	br := newReader(body)
	count, err := br.ReadCount(minEventSize)
	if err != nil {
		return nil, corrupted(err)
	}
	s.Events = make([]event.Event, 0, count)
	for i := 0; i < count; i++ {
		ev, err := readEvent(br)
		if err != nil {
			return nil, corrupted(fmt.Errorf("event %d: %w", i, err))
		}
		s.Events = append(s.Events, ev)
	}

	if s.Pending, err = readEntries(br); err != nil {
		return nil, corrupted(fmt.Errorf("pending queue: %w", err))
	}
	if s.Retry, err = readEntries(br); err != nil {
		return nil, corrupted(fmt.Errorf("retry queue: %w", err))
	}
	if br.Remaining() != 0 {
		return nil, corrupted(fmt.Errorf("%d trailing bytes", br.Remaining()))
	}

	return s, nil
}

func writeEvent(w *writer, ev *event.Event) error {
	if !ev.Status.Valid() {
		return fmt.Errorf("event %s: %w", ev.ID, event.ErrUnknownStatus)
	}
	if ev.RetryCount < 0 {
		return fmt.Errorf("event %s: negative retry count", ev.ID)
	}
	w.WriteString(ev.ID)
	w.WriteTime(ev.Timestamp)
	w.WriteUint8(uint8(ev.Status))
	w.WriteUvarint(uint64(ev.RetryCount))
	w.WriteNullableBytes(ev.Payload)
	w.WriteString(ev.LastError)
	w.WriteTime(ev.NextRetryAt)
	w.WriteTime(ev.UpdatedAt)
	return nil
}

func readEvent(r *reader) (event.Event, error) {
	var ev event.Event
	var err error

	if ev.ID, err = r.ReadString(); err != nil {
		return ev, err
	}
	if ev.Timestamp, err = r.ReadTime(); err != nil {
		return ev, err
	}
	status, err := r.ReadUint8()
	if err != nil {
		return ev, err
	}
	ev.Status = event.Status(status)
	if !ev.Status.Valid() {
		return ev, fmt.Errorf("%w: %d", event.ErrUnknownStatus, status)
	}
	retries, err := r.ReadUvarint()
	if err != nil {
		return ev, err
	}
	ev.RetryCount = int(retries)
	if ev.Payload, err = r.ReadNullableBytes(); err != nil {
		return ev, err
	}
	if ev.LastError, err = r.ReadString(); err != nil {
		return ev, err
	}
	if ev.NextRetryAt, err = r.ReadTime(); err != nil {
		return ev, err
	}
	if ev.UpdatedAt, err = r.ReadTime(); err != nil {
		return ev, err
	}
	return ev, nil
}

func writeEntries(w *writer, entries []Entry) {
	w.WriteUvarint(uint64(len(entries)))
	for _, e := range entries {
		w.WriteTime(e.At)
		w.WriteString(e.ID)
	}
}

func readEntries(r *reader) ([]Entry, error) {
	count, err := r.ReadCount(minEntrySize)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		at, err := r.ReadTime()
		if err != nil {
			return nil, err
		}
		id, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{At: at, ID: id})
	}
	return entries, nil
}

func corrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrCorrupted, err)
}

func timeNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
