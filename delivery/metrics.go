// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "time"

// Metrics receives delivery lifecycle observations.
type Metrics interface {
	EventQueued()
	EventRejected(reason string)
	EventDelivered(retryCount int)
	EventRetried(retryCount int, delay time.Duration)
	EventDeadLettered(retryCount int)
	CallbackCompleted(duration time.Duration, err error)
	CheckpointCompleted(duration time.Duration, size int, err error)
}

// Rejection reasons reported to Metrics.EventRejected.
const (
	RejectQueueFull = "queue_full"
	RejectDuplicate = "duplicate"
	RejectClosed    = "closed"
)

type noopMetrics struct{}

func (noopMetrics) EventQueued()                                   {}
func (noopMetrics) EventRejected(string)                           {}
func (noopMetrics) EventDelivered(int)                             {}
func (noopMetrics) EventRetried(int, time.Duration)                {}
func (noopMetrics) EventDeadLettered(int)                          {}
func (noopMetrics) CallbackCompleted(time.Duration, error)         {}
func (noopMetrics) CheckpointCompleted(time.Duration, int, error) {}
