// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"

	"github.com/absmach/courier/event"
)

// Storage is the durability boundary: the single callback that writes an
// event somewhere durable. A nil error confirms delivery; any error or
// panic schedules a retry.
type Storage interface {
	Store(ctx context.Context, ev event.Event) error
}

// StorageFunc adapts a function to Storage.
type StorageFunc func(ctx context.Context, ev event.Event) error

// Store calls f.
func (f StorageFunc) Store(ctx context.Context, ev event.Event) error {
	return f(ctx, ev)
}
