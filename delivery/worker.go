// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/courier/event"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// claim is an event popped from a queue and handed to a worker.
type claim struct {
	id      string
	kind    queueKind
	at      time.Time
	ev      event.Event
	storage Storage
}

type claimStatus uint8

const (
	claimOK claimStatus = iota
	claimEmpty
	claimNotDue
	claimNoStorage
)

// runPending drains the pending queue in timestamp order.
func (m *Manager) runPending() {
	defer m.wg.Done()

	for !m.stopping() {
		c, st, _ := m.claim(kindPending)
		if st == claimOK {
			m.deliver(c)
			continue
		}
		if !m.wait(m.pendingWake, m.cfg.PollInterval) {
			return
		}
	}
}

// runRetry delivers retries once they are due. It sleeps until the head of
// the queue is due, a new retry is scheduled, or PollInterval passes.
func (m *Manager) runRetry() {
	defer m.wg.Done()

	for !m.stopping() {
		c, st, due := m.claim(kindRetry)
		if st == claimOK {
			m.deliver(c)
			continue
		}
		d := m.cfg.PollInterval
		if st == claimNotDue && due < d {
			d = due
		}
		if !m.wait(m.retryWake, d) {
			return
		}
	}
}

// claim pops the head of the queue and marks it in flight. For the retry
// queue the head is only popped once due; otherwise the wait is returned.
func (m *Manager) claim(kind queueKind) (claim, claimStatus, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.storage == nil {
		if !m.storageWarned && m.pending.Len()+m.retry.Len() > 0 {
			m.logger.Error("no storage callback registered, delivery paused")
			m.storageWarned = true
		}
		return claim{}, claimNoStorage, 0
	}

	q := m.queue(kind)
	for {
		head, ok := q.Peek()
		if !ok {
			return claim{}, claimEmpty, 0
		}
		if kind == kindRetry {
			if wait := head.at.Sub(m.now()); wait > 0 {
				return claim{}, claimNotDue, wait
			}
		}
		q.Pop()

		ev, ok := m.events[head.id]
		if !ok {
			m.logger.Warn("queued event missing from store",
				slog.String("event_id", head.id),
				slog.String("queue", kind.String()))
			continue
		}
		if ev.Status.Terminal() {
			continue
		}

		m.inflight[head.id] = kind
		return claim{
			id:      head.id,
			kind:    kind,
			at:      head.at,
			ev:      ev.Clone(),
			storage: m.storage,
		}, claimOK, 0
	}
}

func (m *Manager) queue(kind queueKind) *timeQueue {
	if kind == kindRetry {
		return m.retry
	}
	return m.pending
}

// deliver runs the storage callback for a claimed event on a pool slot and
// resolves the claim.
func (m *Manager) deliver(c claim) {
	if err := m.pool.Acquire(m.ctx, 1); err != nil {
		m.release(c)
		return
	}
	err := m.invoke(c)
	m.pool.Release(1)

	// A callback cut short by shutdown was not a real attempt.
	if err != nil && m.ctx.Err() != nil {
		m.release(c)
		return
	}

	if err == nil {
		m.mu.Lock()
		delete(m.inflight, c.id)
		res := m.confirmLocked(c.id)
		m.mu.Unlock()
		m.afterConfirm(c.id, res)
		return
	}

	m.logger.Warn("storage callback failed",
		slog.String("event_id", c.id),
		slog.Int("retry_count", c.ev.RetryCount),
		slog.String("error", err.Error()))

	m.mu.Lock()
	delete(m.inflight, c.id)
	if ev, ok := m.events[c.id]; ok {
		ev.LastError = err.Error()
	}
	out := m.retryLocked(c.id)
	m.mu.Unlock()
	m.afterRetry(c.id, out)
}

// release returns an unresolved claim to the queue it came from.
func (m *Manager) release(c claim) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inflight, c.id)
	ev, ok := m.events[c.id]
	if !ok || ev.Status.Terminal() {
		return
	}
	if m.pending.Contains(c.id) || m.retry.Contains(c.id) {
		return
	}
	m.queue(c.kind).Push(c.id, c.at)
}

// invoke calls the storage callback, converting a panic into an error.
func (m *Manager) invoke(c claim) (err error) {
	ctx := m.ctx
	if m.cfg.CallbackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.CallbackTimeout)
		defer cancel()
	}

	ctx, span := m.tracer.Start(ctx, "delivery.store",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("event.id", c.id),
			attribute.Int("event.retry_count", c.ev.RetryCount),
			attribute.String("delivery.queue", c.kind.String()),
		))

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("storage callback panicked: %v", r)
		}
		m.metrics.CallbackCompleted(time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return c.storage.Store(ctx, c.ev)
}

// wait blocks until woken, d elapses or the manager stops. It returns
// false on stop.
func (m *Manager) wait(wake <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-m.stopCh:
		return false
	case <-wake:
	case <-timer.C:
	}
	return true
}

func (m *Manager) stopping() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}
