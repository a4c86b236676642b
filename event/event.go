// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package event defines the record handed through the delivery pipeline.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownStatus indicates a status name or code outside the known set.
var ErrUnknownStatus = errors.New("unknown delivery status")

// Status is the delivery state of an event.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusRetrying
	StatusDelivered
	StatusDeadLetter
)

var statusNames = map[Status]string{
	StatusPending:    "PENDING",
	StatusRetrying:   "RETRYING",
	StatusDelivered:  "DELIVERED",
	StatusDeadLetter: "DEAD_LETTER",
}

// Statuses lists every valid status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusRetrying, StatusDelivered, StatusDeadLetter}
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further automatic delivery happens from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDeadLetter
}

// ParseStatus parses the canonical upper-case status name.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Event is a single producer record plus its delivery metadata.
// ID, Timestamp and Payload are fixed once queued; the remaining
// fields are owned by the delivery manager.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`

	Status      Status    `json:"status,omitzero"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// NewID returns a random UUID string.
func NewID() string {
	return uuid.New().String()
}

// Clone returns a deep copy so callers cannot alias the payload.
func (e Event) Clone() Event {
	if e.Payload != nil {
		p := make([]byte, len(e.Payload))
		copy(p, e.Payload)
		e.Payload = p
	}
	return e
}
