// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersister_LoadMissing(t *testing.T) {
	p := NewPersister(filepath.Join(t.TempDir(), "state.ckpt"), CompressionNone)

	s, err := p.Load()
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestPersister_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	p := NewPersister(filepath.Join(dir, "nested", "state.ckpt"), CompressionZstd)

	want := sampleSnapshot()
	n, err := p.Save(want)
	require.NoError(t, err)
	assert.Positive(t, n)

	got, err := p.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assertSnapshotEqual(t, want, got)

	// Overwrite with a smaller snapshot.
	want.Events = want.Events[:1]
	want.Retry = nil
	_, err = p.Save(want)
	require.NoError(t, err)

	got, err = p.Load()
	require.NoError(t, err)
	assertSnapshotEqual(t, want, got)

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, "state.ckpt", entries[0].Name())
}

func TestPersister_LoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a checkpoint file"), 0o644))

	p := NewPersister(path, CompressionNone)
	_, err := p.Load()
	assert.ErrorIs(t, err, ErrCorrupted)

	dst, err := p.Quarantine()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dst, path+".corrupt-"))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	s, err := p.Load()
	require.NoError(t, err)
	assert.Nil(t, s)
}
