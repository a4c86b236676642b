// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "errors"

var (
	// ErrQueueFull is returned by QueueEvent when the configured maximum
	// depth is reached. The event is not stored; producers may retry later.
	ErrQueueFull = errors.New("delivery queue full")

	// ErrClosed is returned once Shutdown has started.
	ErrClosed = errors.New("delivery manager closed")

	// ErrDuplicateEvent is returned when a producer reuses a known event id.
	ErrDuplicateEvent = errors.New("event already queued")

	// ErrInvalidConfig indicates an invalid manager configuration.
	ErrInvalidConfig = errors.New("invalid delivery configuration")
)
