// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeQueueOrder(t *testing.T) {
	q := newTimeQueue()
	base := time.Now()

	q.Push("c", base.Add(3*time.Second))
	q.Push("a", base.Add(time.Second))
	q.Push("b", base.Add(2*time.Second))
	require.Equal(t, 3, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", head.id)
	assert.Equal(t, 3, q.Len())

	var got []string
	for q.Len() > 0 {
		e, _ := q.Pop()
		got = append(got, e.id)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestTimeQueueTiesKeepInsertionOrder(t *testing.T) {
	q := newTimeQueue()
	at := time.Now()
	for _, id := range []string{"x", "y", "z"} {
		q.Push(id, at)
	}

	entries := q.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "x", entries[0].ID)
	assert.Equal(t, "y", entries[1].ID)
	assert.Equal(t, "z", entries[2].ID)
}

func TestTimeQueuePushExistingMoves(t *testing.T) {
	q := newTimeQueue()
	base := time.Now()
	q.Push("a", base)
	q.Push("b", base.Add(time.Second))

	q.Push("a", base.Add(time.Hour))
	assert.Equal(t, 2, q.Len())

	head, _ := q.Peek()
	assert.Equal(t, "b", head.id)
}

func TestTimeQueueRemove(t *testing.T) {
	q := newTimeQueue()
	base := time.Now()
	q.Push("a", base)
	q.Push("b", base.Add(time.Second))
	q.Push("c", base.Add(2*time.Second))

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.False(t, q.Contains("b"))
	assert.True(t, q.Contains("a"))

	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "c", entries[1].ID)
	assert.True(t, base.Equal(entries[0].At))

	// Entries does not consume the queue.
	assert.Equal(t, 2, q.Len())
}
