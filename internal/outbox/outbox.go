// Package outbox persists envelopes whose cloud sync did not complete.
//
// Entries are never silently dropped: network failures keep retrying on a
// capped schedule, and non-retryable failures stay visible with status
// failed until an operator inspects or force-retries them.
package outbox

import (
	"errors"
	"time"

	"github.com/sessionwire/sessionwire/internal/envelope"
)

// Status tracks an entry through the sync lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Outcome is the result of one sync attempt for an entry.
type Outcome int

const (
	// OutcomeSent confirms the cloud store accepted the envelope.
	OutcomeSent Outcome = iota
	// OutcomeNetworkFailure covers transport errors, non-2xx responses and
	// timeouts; the entry stays pending and retries after backoff.
	OutcomeNetworkFailure
	// OutcomeEncryptionFailure marks a message that could not be sealed;
	// retrying cannot help, so the entry is parked as failed.
	OutcomeEncryptionFailure
)

// Entry is the durable record for one envelope awaiting sync.
type Entry struct {
	Envelope     envelope.Envelope `json:"envelope"`
	SyncAttempts int               `json:"syncAttempts"`
	NextRetryAt  time.Time         `json:"nextRetryAt"`
	LastError    string            `json:"lastError,omitempty"`
	Status       Status            `json:"status"`
}

// Schedule is the deterministic retry backoff: the delay doubles per attempt
// and pins to Max once the next doubling would overshoot it. No jitter, so
// tests can assert exact delays.
type Schedule struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultSchedule yields 2s, 4s, 8s, ... 128s, then exactly 300s from
// attempt 8 on.
var DefaultSchedule = Schedule{Base: 2 * time.Second, Max: 300 * time.Second}

// Delay returns the wait before the given attempt number (1-based) may be
// retried. Attempts at or below zero are treated as the first attempt.
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d*2 > s.Max {
			return s.Max
		}
	}
	if d > s.Max {
		return s.Max
	}
	return d
}

// Advance applies one sync outcome to an entry and returns the successor
// state. It is pure: all I/O (persisting the entry, removing sent entries)
// is the caller's responsibility.
func Advance(e Entry, outcome Outcome, errMsg string, now time.Time, sched Schedule) Entry {
	switch outcome {
	case OutcomeSent:
		e.Status = StatusSent
		e.LastError = ""
		e.NextRetryAt = time.Time{}
	case OutcomeNetworkFailure:
		e.SyncAttempts++
		e.Status = StatusPending
		e.LastError = errMsg
		e.NextRetryAt = now.Add(sched.Delay(e.SyncAttempts))
	case OutcomeEncryptionFailure:
		e.SyncAttempts++
		e.Status = StatusFailed
		e.LastError = errMsg
		e.NextRetryAt = time.Time{}
	}
	return e
}

// ErrNotFound is returned when an eventID has no outbox entry.
var ErrNotFound = errors.New("outbox entry not found")

// Store is the durable keyspace for outbox entries, keyed by eventID.
type Store interface {
	// Put inserts or replaces the entry for its envelope's eventID.
	Put(entry Entry) error
	// Get fetches an entry by eventID.
	Get(eventID string) (Entry, error)
	// Due returns up to limit pending entries whose NextRetryAt is not
	// after now, ordered oldest-eligible-first.
	Due(now time.Time, limit int) ([]Entry, error)
	// Failed returns entries parked with status failed, for operator
	// inspection and force-retry.
	Failed() ([]Entry, error)
	// Remove deletes an entry; removing an absent eventID is not an error.
	Remove(eventID string) error
	// Len reports the number of stored entries.
	Len() (int, error)
	// NextSeq durably advances and returns the session's sequence counter.
	// The counter survives restarts so sequence numbers stay strictly
	// increasing per session even after the process comes back up.
	NextSeq(sessionID string) (uint64, error)
}
