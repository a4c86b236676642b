// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles producers with one token bucket per key.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProducerLimiter limits event submissions per producer key. Keys are
// usually a producer id or the remote IP. Idle keys are evicted.
type ProducerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing r events per second per key with the
// given burst. Keys idle for longer than twice cleanupInterval are evicted.
func New(r float64, burst int, cleanupInterval time.Duration) *ProducerLimiter {
	l := &ProducerLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		idle:     2 * cleanupInterval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop(cleanupInterval)
	return l
}

// Allow reports whether one more event from key is allowed now.
// An empty key is never limited.
func (l *ProducerLimiter) Allow(key string) bool {
	if key == "" {
		return true
	}

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = l.now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked keys.
func (l *ProducerLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *ProducerLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *ProducerLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-l.idle)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *ProducerLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// HostKey strips the port from a host:port address.
func HostKey(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
