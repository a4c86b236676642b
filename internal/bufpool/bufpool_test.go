// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	b := Get()
	b.WriteString("snapshot bytes")
	Put(b)

	b2 := Get()
	defer Put(b2)
	assert.Zero(t, b2.Len())
}

func TestPutDropsOversizedBuffer(t *testing.T) {
	p := New(16)

	b := p.Get()
	b.Grow(1024)
	p.Put(b)
	p.Put(nil)

	b2 := p.Get()
	assert.LessOrEqual(t, b2.Cap(), 16)
}

func TestConcurrentUse(t *testing.T) {
	p := New(DefaultMaxCap)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := p.Get()
			b.WriteString("event payload")
			assert.Equal(t, "event payload", b.String())
			p.Put(b)
		}()
	}
	wg.Wait()
}
