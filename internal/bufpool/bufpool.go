// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles bytes.Buffers for encoders that run repeatedly,
// such as periodic checkpoints.
package bufpool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer the default pool keeps.
const DefaultMaxCap = 4 << 20

// Pool is a sync.Pool of buffers that drops buffers which grew beyond
// maxCap, so one huge snapshot does not pin memory forever.
type Pool struct {
	maxCap int
	pool   sync.Pool
}

// New creates a pool that retains buffers up to maxCap bytes.
func New(maxCap int) *Pool {
	return &Pool{
		maxCap: maxCap,
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}

var std = New(DefaultMaxCap)

// Get returns an empty buffer from the default pool.
func Get() *bytes.Buffer { return std.Get() }

// Put returns b to the default pool.
func Put(b *bytes.Buffer) { std.Put(b) }
