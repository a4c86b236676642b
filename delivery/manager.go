// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery implements a guaranteed-delivery event queue.
//
// Producers hand events to a Manager with QueueEvent. Two worker
// goroutines drain the pending queue (ordered by event timestamp) and the
// retry queue (ordered by retry due time) and pass each event to the
// registered Storage. Failed deliveries are retried with exponential
// backoff until MaxRetries is reached, after which the event is
// dead-lettered. State is periodically checkpointed to disk and restored
// on construction, so unconfirmed events survive restarts.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/courier/checkpoint"
	"github.com/absmach/courier/event"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
)

// Stats is a point-in-time view of the manager.
type Stats struct {
	Pending  int                  `json:"pending_size"`
	Retry    int                  `json:"retry_size"`
	InFlight int                  `json:"inflight_size"`
	Store    int                  `json:"store_size"`
	ByStatus map[event.Status]int `json:"status_histogram"`
}

// Manager owns the event store, both queues, the worker goroutines and
// the checkpoint persister.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	metrics   Metrics
	tracer    trace.Tracer
	alerts    AlertHandler
	now       func() time.Time
	persister *checkpoint.Persister

	// mu guards the store, both queues and the in-flight set together, so
	// a status change and the matching queue move are a single step.
	mu            sync.Mutex
	events        map[string]*event.Event
	pending       *timeQueue
	retry         *timeQueue
	inflight      map[string]queueKind
	storage       Storage
	storageWarned bool
	closed        bool

	// Checkpoint bookkeeping, guarded by mu.
	version          uint64
	savedVersion     uint64
	lastCheckpointAt time.Time
	checkpointFailed bool

	// persistMu serializes checkpoint writes.
	persistMu      sync.Mutex
	writtenVersion uint64

	pool        *semaphore.Weighted
	pendingWake chan struct{}
	retryWake   chan struct{}
	alertCh     chan *DeadLetterAlert
	stopCh      chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a manager, restores the checkpoint if one exists and starts
// the worker goroutines.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		logger:      slog.New(slog.DiscardHandler),
		metrics:     noopMetrics{},
		tracer:      noop.NewTracerProvider().Tracer(""),
		now:         time.Now,
		events:      make(map[string]*event.Event),
		pending:     newTimeQueue(),
		retry:       newTimeQueue(),
		inflight:    make(map[string]queueKind),
		pool:        semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		pendingWake: make(chan struct{}, 1),
		retryWake:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.CheckpointPath != "" {
		m.persister = checkpoint.NewPersister(cfg.CheckpointPath, cfg.Compression)
		if err := m.restore(); err != nil {
			cancel()
			return nil, err
		}
	} else {
		m.logger.Warn("checkpointing disabled, queued events will not survive a restart")
	}
	m.lastCheckpointAt = m.now()

	if m.alerts != nil {
		m.alertCh = make(chan *DeadLetterAlert, alertQueueSize)
		m.wg.Add(1)
		go m.runAlerts()
	}

	m.wg.Add(2)
	go m.runPending()
	go m.runRetry()

	m.logger.Info("delivery manager started",
		slog.Int("max_workers", cfg.MaxWorkers),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Int("max_depth", cfg.MaxDepth),
		slog.Int("restored_events", len(m.events)))

	return m, nil
}

// RegisterStorage sets the storage callback and wakes idle workers.
// A later call replaces the previous storage.
func (m *Manager) RegisterStorage(s Storage) {
	m.mu.Lock()
	m.storage = s
	m.storageWarned = false
	m.mu.Unlock()

	wake(m.pendingWake)
	wake(m.retryWake)
}

// RegisterStorageCallback registers fn as the storage callback.
func (m *Manager) RegisterStorageCallback(fn StorageFunc) {
	m.RegisterStorage(fn)
}

// HasStorage reports whether a storage callback is registered.
func (m *Manager) HasStorage() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage != nil
}

// Closed reports whether Shutdown has started.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// QueueEvent stores ev as PENDING and puts it on the pending queue.
// A missing ID is generated and a zero Timestamp is set to the current
// time. Delivery metadata on ev is ignored. It never blocks: at capacity
// it returns ErrQueueFull.
func (m *Manager) QueueEvent(ev event.Event) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.metrics.EventRejected(RejectClosed)
		return "", ErrClosed
	}
	if m.cfg.MaxDepth > 0 && m.pending.Len()+m.retry.Len() >= m.cfg.MaxDepth {
		depth := m.pending.Len() + m.retry.Len()
		m.mu.Unlock()
		m.metrics.EventRejected(RejectQueueFull)
		m.logger.Warn("delivery queue full, event rejected", slog.Int("depth", depth))
		return "", ErrQueueFull
	}

	if ev.ID == "" {
		ev.ID = event.NewID()
	}
	if _, exists := m.events[ev.ID]; exists {
		m.mu.Unlock()
		m.metrics.EventRejected(RejectDuplicate)
		return "", ErrDuplicateEvent
	}

	now := m.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	stored := ev.Clone()
	stored.Status = event.StatusPending
	stored.RetryCount = 0
	stored.LastError = ""
	stored.NextRetryAt = time.Time{}
	stored.UpdatedAt = now

	m.events[stored.ID] = &stored
	m.pending.Push(stored.ID, stored.Timestamp)
	m.version++
	m.mu.Unlock()

	wake(m.pendingWake)
	m.metrics.EventQueued()
	m.logger.Debug("event queued", slog.String("event_id", stored.ID))
	m.maybeCheckpoint()

	return stored.ID, nil
}

// ConfirmDelivery marks the event DELIVERED and removes it from any queue.
// It returns false for unknown ids. Confirming twice is harmless.
func (m *Manager) ConfirmDelivery(id string) bool {
	m.mu.Lock()
	res := m.confirmLocked(id)
	m.mu.Unlock()

	return m.afterConfirm(id, res)
}

// RetryFailedDelivery schedules another delivery attempt after the backoff
// delay. It returns false for unknown, delivered or dead-lettered events and
// when the retry budget is exhausted; exhaustion dead-letters the event
// when dead-lettering is enabled. It also returns false while a storage
// callback for the event is running.
func (m *Manager) RetryFailedDelivery(id string) bool {
	m.mu.Lock()
	res := m.retryLocked(id)
	m.mu.Unlock()

	return m.afterRetry(id, res)
}

// RequeueDeadLetter moves a dead-lettered event back to the pending queue
// with a fresh retry budget. Like scheduled retries it is exempt from
// MaxDepth: the event is already accepted and only changes queues.
func (m *Manager) RequeueDeadLetter(id string) bool {
	m.mu.Lock()
	ev, ok := m.events[id]
	if !ok || ev.Status != event.StatusDeadLetter {
		m.mu.Unlock()
		return false
	}
	if _, busy := m.inflight[id]; busy {
		m.mu.Unlock()
		return false
	}
	ev.Status = event.StatusPending
	ev.RetryCount = 0
	ev.LastError = ""
	ev.NextRetryAt = time.Time{}
	ev.UpdatedAt = m.now()
	m.pending.Push(id, ev.Timestamp)
	m.version++
	m.mu.Unlock()

	wake(m.pendingWake)
	m.logger.Info("dead letter requeued", slog.String("event_id", id))
	m.maybeCheckpoint()

	return true
}

// GetEvent returns a copy of the stored event.
func (m *Manager) GetEvent(id string) (event.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return event.Event{}, false
	}
	return ev.Clone(), true
}

// Stats returns queue sizes and a status histogram.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Pending:  m.pending.Len(),
		Retry:    m.retry.Len(),
		InFlight: len(m.inflight),
		Store:    len(m.events),
		ByStatus: make(map[event.Status]int, len(event.Statuses())),
	}
	for _, st := range event.Statuses() {
		s.ByStatus[st] = 0
	}
	for _, ev := range m.events {
		s.ByStatus[ev.Status]++
	}
	return s
}

// Shutdown stops the workers, waiting at most ShutdownTimeout for them,
// and writes a final checkpoint. Calls after the first return the same
// result.
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		close(m.stopCh)
		m.cancel()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(m.cfg.ShutdownTimeout)
		select {
		case <-done:
		case <-timer.C:
			m.logger.Warn("delivery workers did not stop in time",
				slog.Duration("timeout", m.cfg.ShutdownTimeout))
		}
		timer.Stop()

		m.shutdownErr = m.Checkpoint()

		stats := m.Stats()
		m.logger.Info("delivery manager stopped",
			slog.Int("pending", stats.Pending),
			slog.Int("retry", stats.Retry),
			slog.Int("inflight", stats.InFlight))
	})

	return m.shutdownErr
}

type confirmResult struct {
	found      bool
	changed    bool
	retryCount int
}

func (m *Manager) confirmLocked(id string) confirmResult {
	ev, ok := m.events[id]
	if !ok {
		return confirmResult{}
	}
	if ev.Status == event.StatusDelivered {
		return confirmResult{found: true, retryCount: ev.RetryCount}
	}

	m.pending.Remove(id)
	m.retry.Remove(id)
	ev.Status = event.StatusDelivered
	ev.LastError = ""
	ev.NextRetryAt = time.Time{}
	ev.UpdatedAt = m.now()
	m.version++

	return confirmResult{found: true, changed: true, retryCount: ev.RetryCount}
}

func (m *Manager) afterConfirm(id string, res confirmResult) bool {
	if !res.found {
		m.logger.Warn("confirm for unknown event", slog.String("event_id", id))
		return false
	}
	if res.changed {
		m.metrics.EventDelivered(res.retryCount)
		m.logger.Debug("event delivered",
			slog.String("event_id", id),
			slog.Int("retry_count", res.retryCount))
		m.maybeCheckpoint()
	}
	return true
}

type retryResult uint8

const (
	retryUnknown retryResult = iota
	retryRejected
	retryInFlight
	retryExhausted
	retryScheduled
)

type retryOutcome struct {
	result     retryResult
	status     event.Status
	retryCount int
	delay      time.Duration
	alert      *DeadLetterAlert
}

func (m *Manager) retryLocked(id string) retryOutcome {
	ev, ok := m.events[id]
	if !ok {
		return retryOutcome{result: retryUnknown}
	}
	if ev.Status.Terminal() {
		return retryOutcome{result: retryRejected, status: ev.Status, retryCount: ev.RetryCount}
	}
	// The worker holding the claim resolves it.
	if _, busy := m.inflight[id]; busy {
		return retryOutcome{result: retryInFlight, status: ev.Status, retryCount: ev.RetryCount}
	}

	now := m.now()
	if ev.RetryCount >= m.cfg.MaxRetries {
		out := retryOutcome{result: retryExhausted, status: ev.Status, retryCount: ev.RetryCount}
		if m.cfg.DeadLetterEnabled {
			m.pending.Remove(id)
			m.retry.Remove(id)
			ev.Status = event.StatusDeadLetter
			ev.NextRetryAt = time.Time{}
			ev.UpdatedAt = now
			m.version++

			out.status = ev.Status
			out.alert = &DeadLetterAlert{
				EventID:        id,
				RetryCount:     ev.RetryCount,
				LastError:      ev.LastError,
				FirstQueuedAt:  ev.Timestamp,
				DeadLetteredAt: now,
				TotalDuration:  now.Sub(ev.Timestamp),
			}
		}
		return out
	}

	ev.RetryCount++
	delay := m.cfg.Backoff(ev.RetryCount)
	due := now.Add(delay)
	ev.Status = event.StatusRetrying
	ev.NextRetryAt = due
	ev.UpdatedAt = now
	m.pending.Remove(id)
	m.retry.Push(id, due)
	m.version++

	return retryOutcome{result: retryScheduled, status: ev.Status, retryCount: ev.RetryCount, delay: delay}
}

func (m *Manager) afterRetry(id string, out retryOutcome) bool {
	switch out.result {
	case retryUnknown:
		m.logger.Warn("retry for unknown event", slog.String("event_id", id))
		return false

	case retryRejected:
		m.logger.Debug("retry rejected for terminal event",
			slog.String("event_id", id),
			slog.String("status", out.status.String()))
		return false

	case retryInFlight:
		m.logger.Debug("retry rejected for event in flight", slog.String("event_id", id))
		return false

	case retryExhausted:
		m.logger.Error("event retries exhausted",
			slog.String("event_id", id),
			slog.Int("retry_count", out.retryCount),
			slog.String("status", out.status.String()))
		if out.alert != nil {
			m.metrics.EventDeadLettered(out.retryCount)
			m.enqueueAlert(out.alert)
			m.maybeCheckpoint()
		}
		return false

	default:
		wake(m.retryWake)
		m.metrics.EventRetried(out.retryCount, out.delay)
		m.logger.Debug("event retry scheduled",
			slog.String("event_id", id),
			slog.Int("retry_count", out.retryCount),
			slog.Duration("delay", out.delay))
		m.maybeCheckpoint()
		return true
	}
}

// wake signals a worker without blocking; one pending signal is enough.
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
