// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sink holds the durable destinations events are delivered to.
// Each implementation is a delivery.Storage: a nil error from Store means
// the event is durable at the destination. Writes are keyed by event id,
// so redelivery of the same event overwrites rather than duplicates.
package sink

import (
	"errors"

	"github.com/absmach/courier/delivery"
)

var (
	// ErrNotFound is returned when an event is not present in a sink.
	ErrNotFound = errors.New("event not found")

	// ErrClosed is returned by Store after Close.
	ErrClosed = errors.New("sink closed")
)

// Sink is a Storage that owns resources released by Close.
type Sink interface {
	delivery.Storage
	Close() error
}
