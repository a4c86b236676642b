// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/absmach/courier/checkpoint"
	"github.com/absmach/courier/event"
)

// Checkpoint writes the current state to disk regardless of the interval.
// It is a no-op when checkpointing is disabled.
func (m *Manager) Checkpoint() error {
	return m.checkpoint(true)
}

// maybeCheckpoint writes a checkpoint if state changed and the interval
// elapsed. Failures are logged and retried on the next mutation.
func (m *Manager) maybeCheckpoint() {
	_ = m.checkpoint(false)
}

func (m *Manager) checkpoint(force bool) error {
	if m.persister == nil {
		return nil
	}

	m.mu.Lock()
	now := m.now()
	if !force {
		dirty := m.version != m.savedVersion || m.checkpointFailed
		if !dirty || now.Sub(m.lastCheckpointAt) < m.cfg.CheckpointInterval {
			m.mu.Unlock()
			return nil
		}
	}
	m.pruneLocked(now)
	snap := m.snapshotLocked(now)
	version := m.version
	m.savedVersion = version
	m.lastCheckpointAt = now
	m.mu.Unlock()

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	// A newer snapshot was written while this one waited.
	if version < m.writtenVersion {
		return nil
	}

	start := time.Now()
	size, err := m.persister.Save(snap)
	m.metrics.CheckpointCompleted(time.Since(start), size, err)

	m.mu.Lock()
	m.checkpointFailed = err != nil
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("failed to write checkpoint",
			slog.String("path", m.persister.Path()),
			slog.String("error", err.Error()))
		return err
	}

	m.writtenVersion = version
	m.logger.Debug("checkpoint written",
		slog.Int("events", len(snap.Events)),
		slog.Int("bytes", size),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// snapshotLocked captures the store and both queues. Claimed events are
// written back onto the queue they came from so a crash mid-delivery
// redelivers them.
func (m *Manager) snapshotLocked(now time.Time) *checkpoint.Snapshot {
	snap := &checkpoint.Snapshot{
		Timestamp: now,
		Events:    make([]event.Event, 0, len(m.events)),
		Pending:   m.pending.Entries(),
		Retry:     m.retry.Entries(),
	}
	for _, ev := range m.events {
		snap.Events = append(snap.Events, ev.Clone())
	}
	sort.Slice(snap.Events, func(i, j int) bool {
		a, b := snap.Events[i], snap.Events[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	var addedPending, addedRetry bool
	for id, kind := range m.inflight {
		ev, ok := m.events[id]
		if !ok || ev.Status.Terminal() || m.pending.Contains(id) || m.retry.Contains(id) {
			continue
		}
		if kind == kindRetry {
			snap.Retry = append(snap.Retry, checkpoint.Entry{At: now, ID: id})
			addedRetry = true
			continue
		}
		snap.Pending = append(snap.Pending, checkpoint.Entry{At: ev.Timestamp, ID: id})
		addedPending = true
	}
	if addedPending {
		sortEntries(snap.Pending)
	}
	if addedRetry {
		sortEntries(snap.Retry)
	}

	return snap
}

func sortEntries(entries []checkpoint.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})
}

// pruneLocked drops delivered events older than RetainDelivered.
func (m *Manager) pruneLocked(now time.Time) {
	if m.cfg.RetainDelivered <= 0 {
		return
	}
	pruned := 0
	for id, ev := range m.events {
		if ev.Status != event.StatusDelivered || now.Sub(ev.UpdatedAt) < m.cfg.RetainDelivered {
			continue
		}
		if _, busy := m.inflight[id]; busy {
			continue
		}
		delete(m.events, id)
		pruned++
	}
	if pruned > 0 {
		m.logger.Debug("pruned delivered events", slog.Int("count", pruned))
	}
}

// restore loads the checkpoint into the empty manager.
func (m *Manager) restore() error {
	snap, err := m.persister.Load()
	if err != nil {
		if !errors.Is(err, checkpoint.ErrCorrupted) || !m.cfg.RecoverCorrupt {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		dst, qerr := m.persister.Quarantine()
		if qerr != nil {
			return fmt.Errorf("failed to quarantine corrupted checkpoint: %w", errors.Join(err, qerr))
		}
		m.logger.Error("corrupted checkpoint quarantined, starting empty",
			slog.String("path", m.persister.Path()),
			slog.String("quarantined_to", dst),
			slog.String("error", err.Error()))
		return nil
	}
	if snap == nil {
		m.logger.Info("no checkpoint found, starting empty",
			slog.String("path", m.persister.Path()))
		return nil
	}

	m.rehydrate(snap)
	m.logger.Info("checkpoint restored",
		slog.String("path", m.persister.Path()),
		slog.Time("taken_at", snap.Timestamp),
		slog.Int("events", len(m.events)),
		slog.Int("pending", m.pending.Len()),
		slog.Int("retry", m.retry.Len()))

	return nil
}

// rehydrate rebuilds the store and queues from a snapshot. Queue entries
// for unknown or finished events are dropped. Unfinished events found in
// neither queue are requeued: PENDING by timestamp, RETRYING at its retry
// time, unless it already used up its retries.
func (m *Manager) rehydrate(snap *checkpoint.Snapshot) {
	for i := range snap.Events {
		ev := snap.Events[i]
		m.events[ev.ID] = &ev
	}

	for _, e := range snap.Retry {
		if m.restorable(e.ID, kindRetry) {
			m.retry.Push(e.ID, e.At)
		}
	}
	for _, e := range snap.Pending {
		if m.retry.Contains(e.ID) {
			m.logger.Warn("event in both queues, keeping retry entry", slog.String("event_id", e.ID))
			continue
		}
		if m.restorable(e.ID, kindPending) {
			m.pending.Push(e.ID, e.At)
		}
	}

	now := m.now()
	for id, ev := range m.events {
		if ev.Status.Terminal() || m.pending.Contains(id) || m.retry.Contains(id) {
			continue
		}
		switch ev.Status {
		case event.StatusPending:
			m.pending.Push(id, ev.Timestamp)
		case event.StatusRetrying:
			if ev.RetryCount >= m.cfg.MaxRetries && !m.cfg.DeadLetterEnabled {
				continue
			}
			due := ev.NextRetryAt
			if due.IsZero() {
				due = now
			}
			m.retry.Push(id, due)
		}
		m.logger.Warn("requeued orphaned event",
			slog.String("event_id", id),
			slog.String("status", ev.Status.String()))
	}
}

func (m *Manager) restorable(id string, kind queueKind) bool {
	ev, ok := m.events[id]
	if !ok {
		m.logger.Warn("checkpoint queue entry has no event, dropping",
			slog.String("event_id", id),
			slog.String("queue", kind.String()))
		return false
	}
	return !ev.Status.Terminal()
}
