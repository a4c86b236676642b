// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"fmt"
	"math"
	"time"

	"github.com/absmach/courier/checkpoint"
)

// Config is the static configuration of a Manager.
type Config struct {
	// CheckpointPath is the checkpoint file. Empty disables persistence.
	CheckpointPath     string
	CheckpointInterval time.Duration
	Compression        checkpoint.Compression
	// RecoverCorrupt quarantines an unreadable checkpoint and cold starts
	// instead of failing construction.
	RecoverCorrupt bool

	// MaxWorkers bounds concurrent storage callback invocations. The
	// pending and retry loops each run one callback at a time, so 1
	// serializes the two loops and anything from 2 up lets them overlap.
	MaxWorkers int
	MaxRetries int
	// MaxDepth bounds pending+retry queue length; 0 is unbounded.
	MaxDepth int

	// The nth retry is scheduled BackoffUnit * BackoffBase^n after the nth
	// failure, capped at MaxBackoff when non-zero.
	BackoffBase float64
	BackoffUnit time.Duration
	MaxBackoff  time.Duration

	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	// CallbackTimeout bounds one storage callback; 0 means no deadline.
	CallbackTimeout time.Duration

	DeadLetterEnabled bool
	// RetainDelivered prunes delivered events older than this at checkpoint
	// time; 0 keeps them forever.
	RetainDelivered time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 5 * time.Second,
		Compression:        checkpoint.CompressionNone,
		MaxWorkers:         2,
		MaxRetries:         5,
		MaxDepth:           10000,
		BackoffBase:        2,
		BackoffUnit:        time.Second,
		PollInterval:       100 * time.Millisecond,
		ShutdownTimeout:    5 * time.Second,
		DeadLetterEnabled:  true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxWorkers < 1:
		return fmt.Errorf("%w: max workers must be at least 1", ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	case c.MaxDepth < 0:
		return fmt.Errorf("%w: max depth cannot be negative", ErrInvalidConfig)
	case c.BackoffBase < 1:
		return fmt.Errorf("%w: backoff base must be at least 1", ErrInvalidConfig)
	case c.BackoffUnit <= 0:
		return fmt.Errorf("%w: backoff unit must be positive", ErrInvalidConfig)
	case c.MaxBackoff < 0:
		return fmt.Errorf("%w: max backoff cannot be negative", ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrInvalidConfig)
	case c.CheckpointInterval < 0:
		return fmt.Errorf("%w: checkpoint interval cannot be negative", ErrInvalidConfig)
	case c.CallbackTimeout < 0:
		return fmt.Errorf("%w: callback timeout cannot be negative", ErrInvalidConfig)
	case c.RetainDelivered < 0:
		return fmt.Errorf("%w: delivered retention cannot be negative", ErrInvalidConfig)
	case c.RetainDelivered > 0 && c.CheckpointPath == "":
		return fmt.Errorf("%w: delivered retention requires a checkpoint path", ErrInvalidConfig)
	}
	return nil
}

// Backoff returns the delay before the given retry attempt.
func (c Config) Backoff(retryCount int) time.Duration {
	delay := float64(c.BackoffUnit) * math.Pow(c.BackoffBase, float64(retryCount))
	d := time.Duration(math.MaxInt64)
	if delay < float64(math.MaxInt64) {
		d = time.Duration(delay)
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}
