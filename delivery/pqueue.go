// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"container/heap"
	"sort"
	"time"

	"github.com/absmach/courier/checkpoint"
)

// queueKind names the queue an event sits on or was claimed from.
type queueKind uint8

const (
	kindPending queueKind = iota + 1
	kindRetry
)

func (k queueKind) String() string {
	if k == kindRetry {
		return "retry"
	}
	return "pending"
}

type queueEntry struct {
	at    time.Time
	seq   uint64
	id    string
	index int
}

// entryHeap orders entries by time, then by insertion sequence.
type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*queueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timeQueue is a min-priority queue of event ids keyed by time, with
// O(log n) removal by id. The pending queue keys on creation time, the
// retry queue on the time the retry becomes due. Not safe for concurrent
// use; the manager lock guards it.
type timeQueue struct {
	h    entryHeap
	byID map[string]*queueEntry
	seq  uint64
}

func newTimeQueue() *timeQueue {
	return &timeQueue{byID: make(map[string]*queueEntry)}
}

func (q *timeQueue) Len() int {
	return len(q.h)
}

func (q *timeQueue) Contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}

// Push adds id at time at, or moves it there if it is already queued.
func (q *timeQueue) Push(id string, at time.Time) {
	q.seq++
	if e, ok := q.byID[id]; ok {
		e.at = at
		e.seq = q.seq
		heap.Fix(&q.h, e.index)
		return
	}
	e := &queueEntry{at: at, seq: q.seq, id: id}
	heap.Push(&q.h, e)
	q.byID[id] = e
}

// Peek returns the earliest entry without removing it.
func (q *timeQueue) Peek() (queueEntry, bool) {
	if len(q.h) == 0 {
		return queueEntry{}, false
	}
	return *q.h[0], true
}

// Pop removes and returns the earliest entry.
func (q *timeQueue) Pop() (queueEntry, bool) {
	if len(q.h) == 0 {
		return queueEntry{}, false
	}
	e := heap.Pop(&q.h).(*queueEntry)
	delete(q.byID, e.id)
	return *e, true
}

// Remove drops id from the queue and reports whether it was present.
func (q *timeQueue) Remove(id string) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byID, id)
	return true
}

// Entries returns the queue contents in priority order.
func (q *timeQueue) Entries() []checkpoint.Entry {
	sorted := make([]*queueEntry, len(q.h))
	copy(sorted, q.h)
	sort.Slice(sorted, func(i, j int) bool {
		return entryHeap(sorted).Less(i, j)
	})

	entries := make([]checkpoint.Entry, len(sorted))
	for i, e := range sorted {
		entries[i] = checkpoint.Entry{At: e.at, ID: e.id}
	}
	return entries
}
