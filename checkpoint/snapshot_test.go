// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/absmach/courier/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *Snapshot {
	base := time.Unix(1700000000, 123456789)
	return &Snapshot{
		Timestamp: base.Add(time.Minute),
		Events: []event.Event{
			{ID: "e-1", Timestamp: base, Payload: []byte("first"), Status: event.StatusPending, UpdatedAt: base},
			{
				ID: "e-2", Timestamp: base.Add(time.Second), Payload: bytes.Repeat([]byte("retry-me "), 100),
				Status: event.StatusRetrying, RetryCount: 2, LastError: "sink unavailable",
				NextRetryAt: base.Add(4 * time.Second), UpdatedAt: base.Add(2 * time.Second),
			},
			{ID: "e-3", Timestamp: base.Add(2 * time.Second), Payload: []byte{}, Status: event.StatusDelivered},
			{ID: "e-4", Timestamp: base.Add(3 * time.Second), Status: event.StatusDeadLetter, RetryCount: 5},
		},
		Pending: []Entry{{At: base, ID: "e-1"}},
		Retry:   []Entry{{At: base.Add(4 * time.Second), ID: "e-2"}},
	}
}

func assertSnapshotEqual(t *testing.T, want, got *Snapshot) {
	t.Helper()

	assert.True(t, want.Timestamp.Equal(got.Timestamp))
	require.Len(t, got.Events, len(want.Events))
	for i := range want.Events {
		w, g := want.Events[i], got.Events[i]
		assert.Equal(t, w.ID, g.ID)
		assert.True(t, w.Timestamp.Equal(g.Timestamp), "timestamp of %s", w.ID)
		assert.Equal(t, w.Payload, g.Payload, "payload of %s", w.ID)
		assert.Equal(t, w.Status, g.Status)
		assert.Equal(t, w.RetryCount, g.RetryCount)
		assert.Equal(t, w.LastError, g.LastError)
		assert.True(t, w.NextRetryAt.Equal(g.NextRetryAt), "next retry of %s", w.ID)
		assert.True(t, w.UpdatedAt.Equal(g.UpdatedAt), "updated at of %s", w.ID)
	}

	require.Len(t, got.Pending, len(want.Pending))
	for i := range want.Pending {
		assert.Equal(t, want.Pending[i].ID, got.Pending[i].ID)
		assert.True(t, want.Pending[i].At.Equal(got.Pending[i].At))
	}
	require.Len(t, got.Retry, len(want.Retry))
	for i := range want.Retry {
		assert.Equal(t, want.Retry[i].ID, got.Retry[i].ID)
		assert.True(t, want.Retry[i].At.Equal(got.Retry[i].At))
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionS2} {
		t.Run(c.String(), func(t *testing.T) {
			want := sampleSnapshot()

			data, err := Encode(want, c)
			require.NoError(t, err)
			assert.Equal(t, Magic, binary.LittleEndian.Uint32(data))

			got, err := Decode(data)
			require.NoError(t, err)
			assertSnapshotEqual(t, want, got)
		})
	}
}

func TestEncode_CompressesRepetitiveBody(t *testing.T) {
	s := sampleSnapshot()

	plain, err := Encode(s, CompressionNone)
	require.NoError(t, err)
	packed, err := Encode(s, CompressionZstd)
	require.NoError(t, err)

	assert.Less(t, len(packed), len(plain))
	assert.Equal(t, flagCompressed, packed[5]&flagCompressed)
}

func TestEncode_PreservesNilVersusEmptyPayload(t *testing.T) {
	s := &Snapshot{Events: []event.Event{
		{ID: "nil", Status: event.StatusPending},
		{ID: "empty", Payload: []byte{}, Status: event.StatusPending},
	}}

	data, err := Encode(s, CompressionNone)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	assert.Nil(t, got.Events[0].Payload)
	assert.NotNil(t, got.Events[1].Payload)
	assert.Empty(t, got.Events[1].Payload)
}

func TestEncode_RejectsInvalidStatus(t *testing.T) {
	s := &Snapshot{Events: []event.Event{{ID: "bad", Status: event.Status(77)}}}

	_, err := Encode(s, CompressionNone)
	assert.ErrorIs(t, err, event.ErrUnknownStatus)
}

func TestEncodeDecode_Empty(t *testing.T) {
	data, err := Encode(&Snapshot{}, CompressionZstd)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Timestamp.IsZero())
	assert.Empty(t, got.Events)
	assert.Empty(t, got.Pending)
	assert.Empty(t, got.Retry)
}

func TestDecode_Corruption(t *testing.T) {
	valid, err := Encode(sampleSnapshot(), CompressionNone)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{
			name:    "too short for header",
			mutate:  func(b []byte) []byte { return b[:HeaderSize-1] },
			wantErr: ErrTruncated,
		},
		{
			name:    "truncated body",
			mutate:  func(b []byte) []byte { return b[:len(b)-3] },
			wantErr: ErrTruncated,
		},
		{
			name: "bad magic",
			mutate: func(b []byte) []byte {
				b[0] ^= 0xFF
				return b
			},
			wantErr: ErrInvalidMagic,
		},
		{
			name: "flipped body byte",
			mutate: func(b []byte) []byte {
				b[len(b)-5] ^= 0x01
				return b
			},
			wantErr: ErrChecksumMismatch,
		},
		{
			name: "flipped compression header byte",
			mutate: func(b []byte) []byte {
				b[6] = uint8(CompressionS2)
				return b
			},
			wantErr: ErrChecksumMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := append([]byte(nil), valid...)
			_, err := Decode(tt.mutate(data))
			assert.ErrorIs(t, err, ErrCorrupted)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecode_NewerVersion(t *testing.T) {
	data, err := Encode(sampleSnapshot(), CompressionNone)
	require.NoError(t, err)
	data[4] = Version + 1

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.NotErrorIs(t, err, ErrCorrupted)
}

func TestHeaderChecksumSkipsCRCField(t *testing.T) {
	data := make([]byte, HeaderSize+4)
	copy(data[HeaderSize:], "body")
	sum := headerChecksum(data)

	data[crcOffset] = 0xff
	assert.Equal(t, sum, headerChecksum(data))

	data[HeaderSize] = 'B'
	assert.NotEqual(t, sum, headerChecksum(data))
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"", "none", "zstd", "s2"} {
		_, err := ParseCompression(name)
		assert.NoError(t, err, name)
	}

	_, err := ParseCompression("lz4")
	assert.Error(t, err)
}
