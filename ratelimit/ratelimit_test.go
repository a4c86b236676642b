// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow(t *testing.T) {
	// 5 per second, burst of 2.
	l := New(5, 2, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("producer-1"))
	assert.True(t, l.Allow("producer-1"))
	assert.False(t, l.Allow("producer-1"), "burst exhausted")

	time.Sleep(250 * time.Millisecond)
	assert.True(t, l.Allow("producer-1"), "token refilled")
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
	assert.False(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())
}

func TestAllowEmptyKey(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()

	for range 10 {
		assert.True(t, l.Allow(""))
	}
	assert.Equal(t, 0, l.Len())
}

func TestEvictIdle(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()

	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("stale")

	now = now.Add(3 * time.Minute)
	l.Allow("fresh")
	l.evictIdle()

	assert.Equal(t, 1, l.Len())
}

func TestStopTwice(t *testing.T) {
	l := New(1, 1, time.Minute)
	l.Stop()
	l.Stop()
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "192.168.1.1", HostKey("192.168.1.1:1234"))
	assert.Equal(t, "::1", HostKey("[::1]:80"))
	assert.Equal(t, "no-port", HostKey("no-port"))
}
