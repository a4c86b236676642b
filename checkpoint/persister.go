// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Persister reads and writes a single checkpoint file. Writes go to a
// temporary file in the same directory which is then renamed over the
// live file, so readers never observe a partial checkpoint.
//
// Persister does no locking; callers serialize Save calls.
type Persister struct {
	path        string
	compression Compression
}

// NewPersister creates a persister for the checkpoint at path.
func NewPersister(path string, c Compression) *Persister {
	return &Persister{path: path, compression: c}
}

// Path returns the live checkpoint path.
func (p *Persister) Path() string {
	return p.path
}

// Save encodes s and atomically replaces the checkpoint file.
// It returns the number of bytes written.
func (p *Persister) Save(s *Snapshot) (int, error) {
	data, err := Encode(s, p.compression)
	if err != nil {
		return 0, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if err := os.Rename(tempPath, p.path); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	syncDir(dir)

	return len(data), nil
}

// Load reads the checkpoint. A missing file is a cold start and returns
// (nil, nil). Damaged files return an error wrapping ErrCorrupted.
func (p *Persister) Load() (*Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	s, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", p.path, err)
	}
	return s, nil
}

// Quarantine moves the current checkpoint aside so a fresh one can be
// written without destroying the damaged file. It returns the new path.
func (p *Persister) Quarantine() (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", p.path, time.Now().Unix())
	if err := os.Rename(p.path, dst); err != nil {
		return "", fmt.Errorf("failed to quarantine checkpoint: %w", err)
	}
	return dst, nil
}

// syncDir flushes the directory entry after a rename. Errors are ignored:
// not every platform supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
