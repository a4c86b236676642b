// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package benchmarks

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/courier/checkpoint"
	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/event"
)

func newManager(b *testing.B, cfg delivery.Config, opts ...delivery.Option) *delivery.Manager {
	b.Helper()
	m, err := delivery.New(cfg, opts...)
	if err != nil {
		b.Fatalf("failed to create manager: %v", err)
	}
	b.Cleanup(func() { _ = m.Shutdown() })
	return m
}

// BenchmarkQueueEvent measures producer-side submission without delivery.
func BenchmarkQueueEvent(b *testing.B) {
	cfg := delivery.DefaultConfig()
	cfg.MaxDepth = 0
	m := newManager(b, cfg)
	payload := make([]byte, 256)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := m.QueueEvent(event.Event{Payload: payload}); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkQueueEvent_Parallel measures concurrent producers.
func BenchmarkQueueEvent_Parallel(b *testing.B) {
	cfg := delivery.DefaultConfig()
	cfg.MaxDepth = 0
	m := newManager(b, cfg)
	payload := make([]byte, 256)

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := m.QueueEvent(event.Event{Payload: payload}); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkEndToEnd measures submission through confirmed delivery.
func BenchmarkEndToEnd(b *testing.B) {
	var delivered atomic.Int64
	storage := delivery.StorageFunc(func(context.Context, event.Event) error {
		delivered.Add(1)
		return nil
	})

	cfg := delivery.DefaultConfig()
	cfg.MaxDepth = 0
	cfg.PollInterval = time.Millisecond
	m := newManager(b, cfg, delivery.WithStorage(storage))

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := m.QueueEvent(event.Event{}); err != nil {
			b.Fatal(err)
		}
	}
	for delivered.Load() < int64(b.N) {
		time.Sleep(time.Millisecond)
	}
}

func snapshotOf(n int) *checkpoint.Snapshot {
	now := time.Now()
	snap := &checkpoint.Snapshot{Timestamp: now}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("event-%06d", i)
		snap.Events = append(snap.Events, event.Event{
			ID:        id,
			Timestamp: now.Add(time.Duration(i)),
			Payload:   []byte(`{"sensor":"temp","value":21.5}`),
			Status:    event.StatusPending,
		})
		snap.Pending = append(snap.Pending, checkpoint.Entry{At: now.Add(time.Duration(i)), ID: id})
	}
	return snap
}

// BenchmarkCheckpointSave measures a full checkpoint write per codec.
func BenchmarkCheckpointSave(b *testing.B) {
	snap := snapshotOf(10000)

	for _, c := range []checkpoint.Compression{checkpoint.CompressionNone, checkpoint.CompressionZstd, checkpoint.CompressionS2} {
		b.Run(c.String(), func(b *testing.B) {
			p := checkpoint.NewPersister(filepath.Join(b.TempDir(), "events.ckpt"), c)

			b.ResetTimer()
			b.ReportAllocs()

			var size int
			for i := 0; i < b.N; i++ {
				n, err := p.Save(snap)
				if err != nil {
					b.Fatal(err)
				}
				size = n
			}
			b.ReportMetric(float64(size), "bytes/checkpoint")
		})
	}
}
