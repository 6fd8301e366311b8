// Package syncworker uploads sealed envelopes to the cloud store in batches,
// backed by the durable outbox so no accepted message is ever silently lost.
package syncworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/sessionwire/sessionwire/internal/crypto/seal"
	"github.com/sessionwire/sessionwire/internal/envelope"
	"github.com/sessionwire/sessionwire/internal/outbox"
)

// Message is one plaintext event handed to the worker before routing and
// sealing.
type Message struct {
	SessionID        string
	EventID          string // assigned if empty
	Plane            envelope.Plane
	SessionEventType envelope.SessionEventType
	Plaintext        []byte
	CreatedAt        time.Time

	enqueuedAt time.Time
}

// UploadResult reports the cloud store's verdict for one envelope in a batch.
type UploadResult struct {
	EventID string `json:"eventId"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Uploader posts one batch to the cloud store. A returned error means the
// whole call failed (network, auth, 5xx); per-envelope verdicts come back in
// the results slice.
type Uploader interface {
	UploadBatch(ctx context.Context, auth AuthContext, batch []envelope.Envelope) ([]UploadResult, error)
}

// KeyProvider resolves the session key used to seal a message.
type KeyProvider interface {
	SessionKey(ctx context.Context, userID, sessionID string) ([]byte, error)
}

// AuthContext identifies the signed-in user and device. The worker does
// nothing over the network without one.
type AuthContext struct {
	UserID   string
	DeviceID string
	Token    string
}

func (a AuthContext) valid() bool {
	return a.UserID != "" && a.DeviceID != ""
}

// Config carries the worker's batching and retry knobs.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	Schedule      outbox.Schedule
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.Schedule == (outbox.Schedule{}) {
		c.Schedule = outbox.DefaultSchedule
	}
	return c
}

// Worker buffers outbound messages and flushes them to the cloud store when
// the buffer reaches BatchSize or the oldest buffered message has waited
// FlushInterval.
type Worker struct {
	cfg      Config
	store    outbox.Store
	keys     KeyProvider
	uploader Uploader
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	auth   AuthContext
	buffer []Message

	kick      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// New builds a worker. Run must be called to start the flush loop.
func New(cfg Config, store outbox.Store, keys KeyProvider, uploader Uploader, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg.withDefaults(),
		store:    store,
		keys:     keys,
		uploader: uploader,
		log:      log.Named("syncworker"),
		now:      time.Now,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// SetContext installs (or clears, with the zero value) the auth context.
// Clearing it pauses all network activity; buffered and outboxed messages
// stay put until a context returns.
func (w *Worker) SetContext(auth AuthContext) {
	w.mu.Lock()
	w.auth = auth
	w.mu.Unlock()
	if auth.valid() {
		w.kickFlush()
	}
}

// Enqueue accepts a message for sync. It never blocks on network or disk:
// the message lands in the in-memory buffer and the flush loop takes it from
// there. Local-only events are dropped here, before any sealing work.
func (w *Worker) Enqueue(msg Message) {
	ch := envelope.Route(envelope.Event{Plane: msg.Plane, SessionEventType: msg.SessionEventType})
	if ch == envelope.ChannelNone {
		return
	}
	if msg.SessionID == "" || len(msg.Plaintext) == 0 {
		w.log.Warn("dropping malformed message",
			zap.String("session_id", msg.SessionID),
			zap.Int("plaintext_len", len(msg.Plaintext)))
		return
	}
	if msg.EventID == "" {
		msg.EventID = uuid.Must(uuid.NewV7()).String()
	}
	msg.enqueuedAt = w.now()

	w.mu.Lock()
	w.buffer = append(w.buffer, msg)
	full := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		w.kickFlush()
	}
}

// Run drives the flush loop until ctx is cancelled or Close is called.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.kick:
		case <-ticker.C:
		}
		if err := w.Flush(ctx); err != nil {
			w.log.Warn("flush failed", zap.Error(err))
		}
	}
}

// Close stops the loop after one final flush attempt.
func (w *Worker) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		err = w.Flush(ctx)
		close(w.done)
	})
	select {
	case <-w.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (w *Worker) kickFlush() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Flush seals the buffered messages, persists them to the outbox, backfills
// due retries, and uploads in batches. Without an auth context it is a silent
// no-op: nothing is dropped and nothing goes over the wire.
func (w *Worker) Flush(ctx context.Context) error {
	w.mu.Lock()
	auth := w.auth
	if !auth.valid() {
		w.mu.Unlock()
		return nil
	}
	msgs := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	now := w.now()

	// Seal first so every accepted message is on disk before any network
	// attempt. Sealing failures park the message as failed instead of
	// aborting the rest of the batch.
	var batch []outbox.Entry
	for _, msg := range msgs {
		// Sequence numbers come from the outbox store so they keep
		// increasing across restarts. A failed seal still consumes one;
		// gaps are fine, regressions are not.
		seq, err := w.store.NextSeq(msg.SessionID)
		if err != nil {
			return fmt.Errorf("advance sequence: %w", err)
		}
		entry, err := w.sealMessage(ctx, auth, msg, seq, now)
		if err != nil {
			w.log.Warn("sealing failed, parking message",
				zap.String("session_id", msg.SessionID),
				zap.String("event_id", msg.EventID),
				zap.Error(err))
			parked := outbox.Advance(entry, outbox.OutcomeEncryptionFailure, err.Error(), now, w.cfg.Schedule)
			if perr := w.store.Put(parked); perr != nil {
				return fmt.Errorf("persist failed entry: %w", perr)
			}
			continue
		}
		if err := w.store.Put(entry); err != nil {
			return fmt.Errorf("persist outbox entry: %w", err)
		}
		batch = append(batch, entry)
	}

	// Backfill retries that are due, oldest first, up to batch capacity.
	if room := w.cfg.BatchSize - len(batch); room > 0 {
		due, err := w.store.Due(now, room)
		if err != nil {
			return fmt.Errorf("scan outbox: %w", err)
		}
		inBatch := make(map[string]struct{}, len(batch))
		for _, e := range batch {
			inBatch[e.Envelope.EventID] = struct{}{}
		}
		for _, e := range due {
			if _, dup := inBatch[e.Envelope.EventID]; !dup {
				batch = append(batch, e)
			}
		}
	}

	for len(batch) > 0 {
		n := len(batch)
		if n > w.cfg.BatchSize {
			n = w.cfg.BatchSize
		}
		if err := w.uploadChunk(ctx, auth, batch[:n]); err != nil {
			return err
		}
		batch = batch[n:]
	}
	return nil
}

func (w *Worker) sealMessage(ctx context.Context, auth AuthContext, msg Message, seq uint64, now time.Time) (outbox.Entry, error) {
	ch := envelope.Route(envelope.Event{Plane: msg.Plane, SessionEventType: msg.SessionEventType})
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	env := envelope.Envelope{
		SessionID:      msg.SessionID,
		Channel:        ch,
		EventID:        msg.EventID,
		Seq:            seq,
		SenderDeviceID: auth.DeviceID,
		CreatedAt:      createdAt.UTC(),
		Meta: envelope.Meta{
			ClientTS:      msg.enqueuedAt.UTC(),
			SchemaVersion: envelope.SchemaVersion,
		},
	}
	entry := outbox.Entry{Envelope: env, Status: outbox.StatusPending}

	key, err := w.keys.SessionKey(ctx, auth.UserID, msg.SessionID)
	if err != nil {
		return entry, fmt.Errorf("resolve session key: %w", err)
	}
	defer seal.Zero(key)

	nonce, ciphertext, err := seal.Seal(key, msg.EventID, msg.Plaintext)
	if err != nil {
		return entry, fmt.Errorf("seal payload: %w", err)
	}
	entry.Envelope.Payload = envelope.SealedPayload{
		Alg:        envelope.AlgXChaCha20Poly1305,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	return entry, nil
}

func (w *Worker) uploadChunk(ctx context.Context, auth AuthContext, chunk []outbox.Entry) error {
	envs := make([]envelope.Envelope, len(chunk))
	for i, e := range chunk {
		envs[i] = e.Envelope
	}

	now := w.now()
	results, err := w.uploader.UploadBatch(ctx, auth, envs)
	if err != nil {
		// Whole batch failed: every entry retries on the backoff schedule.
		for _, e := range chunk {
			next := outbox.Advance(e, outbox.OutcomeNetworkFailure, err.Error(), now, w.cfg.Schedule)
			if perr := w.store.Put(next); perr != nil {
				return fmt.Errorf("persist retry state: %w", perr)
			}
		}
		return fmt.Errorf("upload batch: %w", err)
	}

	verdicts := make(map[string]UploadResult, len(results))
	for _, r := range results {
		verdicts[r.EventID] = r
	}
	for _, e := range chunk {
		r, ok := verdicts[e.Envelope.EventID]
		if ok && r.OK {
			if err := w.store.Remove(e.Envelope.EventID); err != nil {
				return fmt.Errorf("remove sent entry: %w", err)
			}
			continue
		}
		reason := "no verdict from store"
		if ok {
			reason = r.Error
		}
		next := outbox.Advance(e, outbox.OutcomeNetworkFailure, reason, now, w.cfg.Schedule)
		if perr := w.store.Put(next); perr != nil {
			return fmt.Errorf("persist retry state: %w", perr)
		}
	}
	return nil
}

// BufferLen reports how many messages are waiting in memory.
func (w *Worker) BufferLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// ErrNoSessionKey is returned by key providers when neither the cache nor the
// vault can produce a key for the session.
var ErrNoSessionKey = errors.New("no session key available")
