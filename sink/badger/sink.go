// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/courier/event"
	"github.com/absmach/courier/sink"
	"github.com/dgraph-io/badger/v4"
)

var _ sink.Sink = (*Sink)(nil)

// Key format: event:{id}
const keyPrefix = "event:"

const gcInterval = 5 * time.Minute

// Config holds BadgerDB sink configuration.
type Config struct {
	Dir string
	// InMemory keeps data in memory only; Dir is ignored.
	InMemory bool
}

// Sink stores delivered events in BadgerDB.
type Sink struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool

	gcStopCh chan struct{}
	gcDone   chan struct{}
}

// New opens the BadgerDB database.
func New(cfg Config) (*Sink, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Store is the durability boundary: a confirmed event must be on disk.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Sink{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()

	return s, nil
}

// Store writes the event keyed by its id.
func (s *Sink) Store(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sink.ErrClosed
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+ev.ID), data)
	})
}

// Get returns a stored event.
func (s *Sink) Get(_ context.Context, id string) (event.Event, error) {
	var ev event.Event

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return sink.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ev)
		})
	})
	if err != nil {
		return event.Event{}, err
	}

	return ev, nil
}

// Count returns the number of stored events.
func (s *Sink) Count(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close stops GC and closes the database.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC reclaims value log space periodically.
func (s *Sink) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to reclaim.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
