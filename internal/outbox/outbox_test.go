package outbox

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sessionwire/sessionwire/internal/envelope"
)

func testEntry(eventID string, status Status, nextRetry time.Time) Entry {
	return Entry{
		Envelope: envelope.Envelope{
			SessionID:      "sess-1",
			Channel:        envelope.ChannelConversation,
			EventID:        eventID,
			SenderDeviceID: "dev-1",
		},
		Status:      status,
		NextRetryAt: nextRetry,
	}
}

func TestScheduleDelays(t *testing.T) {
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		64 * time.Second,
		128 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for i, w := range want {
		if got := DefaultSchedule.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
	// Far past the cap the delay stays pinned, it never overflows.
	if got := DefaultSchedule.Delay(100); got != 300*time.Second {
		t.Fatalf("expected capped delay, got %v", got)
	}
	if got := DefaultSchedule.Delay(0); got != 2*time.Second {
		t.Fatalf("expected first-attempt delay for 0, got %v", got)
	}
}

func TestAdvanceSent(t *testing.T) {
	now := time.Now()
	e := testEntry("evt-1", StatusPending, now)
	e.SyncAttempts = 3
	e.LastError = "timeout"

	got := Advance(e, OutcomeSent, "", now, DefaultSchedule)
	if got.Status != StatusSent {
		t.Fatalf("expected sent, got %s", got.Status)
	}
	if got.LastError != "" || !got.NextRetryAt.IsZero() {
		t.Fatalf("expected cleared error state: %+v", got)
	}
	if got.SyncAttempts != 3 {
		t.Fatalf("sent must not change attempt count, got %d", got.SyncAttempts)
	}
}

func TestAdvanceNetworkFailure(t *testing.T) {
	now := time.Unix(1000, 0)
	e := testEntry("evt-1", StatusPending, time.Time{})

	e = Advance(e, OutcomeNetworkFailure, "connection refused", now, DefaultSchedule)
	if e.SyncAttempts != 1 || e.Status != StatusPending {
		t.Fatalf("unexpected state after first failure: %+v", e)
	}
	if !e.NextRetryAt.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("expected retry at +2s, got %v", e.NextRetryAt)
	}
	if e.LastError != "connection refused" {
		t.Fatalf("expected recorded error, got %q", e.LastError)
	}

	e = Advance(e, OutcomeNetworkFailure, "connection refused", now, DefaultSchedule)
	if !e.NextRetryAt.Equal(now.Add(4 * time.Second)) {
		t.Fatalf("expected retry at +4s, got %v", e.NextRetryAt)
	}
}

func TestAdvanceEncryptionFailureParks(t *testing.T) {
	now := time.Now()
	e := testEntry("evt-1", StatusPending, now)

	got := Advance(e, OutcomeEncryptionFailure, "missing session key", now, DefaultSchedule)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.SyncAttempts != 1 || got.LastError != "missing session key" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if !got.NextRetryAt.IsZero() {
		t.Fatal("failed entries must not be scheduled for retry")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Unix(5000, 0)
	if err := s.Put(testEntry("evt-1", StatusPending, now)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(testEntry("evt-2", StatusPending, now.Add(time.Minute))); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Reopen from disk: entries must survive restarts and logouts.
	s2, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n, _ := s2.Len(); n != 2 {
		t.Fatalf("expected 2 persisted entries, got %d", n)
	}
	got, err := s2.Get("evt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Envelope.SessionID != "sess-1" {
		t.Fatalf("unexpected envelope: %+v", got.Envelope)
	}
}

func TestFileStoreDueFiltersAndOrders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Unix(5000, 0)
	mustPut := func(e Entry) {
		t.Helper()
		if err := s.Put(e); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	mustPut(testEntry("evt-late", StatusPending, now.Add(time.Hour)))
	mustPut(testEntry("evt-b", StatusPending, now.Add(-time.Second)))
	mustPut(testEntry("evt-a", StatusPending, now.Add(-time.Minute)))
	mustPut(testEntry("evt-parked", StatusFailed, time.Time{}))

	due, err := s.Due(now, 0)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due entries, got %d", len(due))
	}
	if due[0].Envelope.EventID != "evt-a" || due[1].Envelope.EventID != "evt-b" {
		t.Fatalf("expected oldest-first ordering, got %s then %s",
			due[0].Envelope.EventID, due[1].Envelope.EventID)
	}

	due, err = s.Due(now, 1)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].Envelope.EventID != "evt-a" {
		t.Fatalf("expected limit to keep the oldest entry, got %+v", due)
	}
}

func TestFileStoreFailedListing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	s, _ := OpenFileStore(path)

	if err := s.Put(testEntry("evt-ok", StatusPending, time.Now())); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(testEntry("evt-bad", StatusFailed, time.Time{})); err != nil {
		t.Fatalf("put: %v", err)
	}

	failed, err := s.Failed()
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Envelope.EventID != "evt-bad" {
		t.Fatalf("unexpected failed listing: %+v", failed)
	}
}

func TestFileStoreNextSeqSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for want := uint64(1); want <= 3; want++ {
		got, err := s.NextSeq("sess-1")
		if err != nil {
			t.Fatalf("next seq: %v", err)
		}
		if got != want {
			t.Fatalf("expected seq %d, got %d", want, got)
		}
	}
	if got, _ := s.NextSeq("sess-2"); got != 1 {
		t.Fatalf("sessions must count independently, got %d", got)
	}

	// Reopen from disk: the counter must continue, never restart at 1,
	// even after every entry has been sent and removed.
	s2, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.NextSeq("sess-1")
	if err != nil {
		t.Fatalf("next seq after reopen: %v", err)
	}
	if got != 4 {
		t.Fatalf("expected seq 4 after reopen, got %d", got)
	}
}

func TestFileStoreRemoveIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	s, _ := OpenFileStore(path)

	if err := s.Put(testEntry("evt-1", StatusPending, time.Now())); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Remove("evt-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove("evt-1"); err != nil {
		t.Fatalf("second remove must be a no-op, got %v", err)
	}
	if _, err := s.Get("evt-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
