package registry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/sessionwire/sessionwire/internal/crypto/grant"
)

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("new mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewPostgres(mock), mock
}

func expectationsMet(t *testing.T, mock pgxmock.PgxPoolIface) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCreateDevice(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO devices`).
		WithArgs("dev-1", "user-1", "executor", []byte{1, 2}, "laptop", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	err := store.CreateDevice(ctx, Device{
		ID: "dev-1", UserID: "user-1", Role: "executor",
		PublicKey: []byte{1, 2}, Name: "laptop", CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create device: %v", err)
	}

	mock.ExpectExec(`INSERT INTO devices`).
		WithArgs("dev-1", "user-1", "executor", []byte{1, 2}, "laptop", now).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	err = store.CreateDevice(ctx, Device{
		ID: "dev-1", UserID: "user-1", Role: "executor",
		PublicKey: []byte{1, 2}, Name: "laptop", CreatedAt: now,
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgresDeviceNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, user_id, role, public_key, name, created_at`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	if _, err := store.Device(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgresGrantRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	eph := bytes.Repeat([]byte{3}, grant.KeySize)

	mock.ExpectExec(`INSERT INTO secret_grants`).
		WithArgs("sess-1", "dev-1", eph, []byte("wrapped"), uint32(1), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	err := store.PutGrant(ctx, grant.Grant{
		SessionID: "sess-1", RecipientDeviceID: "dev-1",
		EphemeralPublicKey: eph, EncryptedSessionKey: []byte("wrapped"),
		KeyVersion: 1, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("put grant: %v", err)
	}

	mock.ExpectQuery(`SELECT session_id, recipient_device_id`).
		WithArgs("sess-1", "dev-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"session_id", "recipient_device_id", "ephemeral_public_key",
			"encrypted_session_key", "key_version", "created_at",
		}).AddRow("sess-1", "dev-1", eph, []byte("wrapped"), uint32(1), now))
	g, err := store.Grant(ctx, "sess-1", "dev-1")
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	if !bytes.Equal(g.EncryptedSessionKey, []byte("wrapped")) {
		t.Fatalf("unexpected grant: %+v", g)
	}

	mock.ExpectExec(`DELETE FROM secret_grants`).
		WithArgs("sess-1", "dev-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	if err := store.DeleteGrant(ctx, "sess-1", "dev-1"); err != nil {
		t.Fatalf("delete grant: %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgresSaveEnvelopeDedup(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	env := storedEnvelope("sess-1", "evt-1", 1)

	args := []any{
		env.SessionID, env.EventID, env.Channel, env.Seq, env.SenderDeviceID, env.CreatedAt,
		env.Payload.Alg, env.Payload.Nonce, env.Payload.Ciphertext,
		env.Meta.ClientTS, env.Meta.SchemaVersion,
	}

	mock.ExpectExec(`INSERT INTO session_envelopes`).
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	inserted, err := store.SaveEnvelope(ctx, env)
	if err != nil || !inserted {
		t.Fatalf("first save: inserted=%v err=%v", inserted, err)
	}

	// ON CONFLICT DO NOTHING reports zero rows for the duplicate.
	mock.ExpectExec(`INSERT INTO session_envelopes`).
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	inserted, err = store.SaveEnvelope(ctx, env)
	if err != nil {
		t.Fatalf("duplicate save: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate detection")
	}
	expectationsMet(t, mock)
}

func TestPostgresCloseSession(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE sessions SET state`).
		WithArgs("sess-1", SessionClosed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.CloseSession(ctx, "sess-1"); err != nil {
		t.Fatalf("close session: %v", err)
	}

	mock.ExpectExec(`UPDATE sessions SET state`).
		WithArgs("missing", SessionClosed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	if err := store.CloseSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgresParticipants(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO session_participants`).
		WithArgs("sess-1", "dev-1", "viewer", "view_only", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	err := store.AddParticipant(ctx, Participant{
		SessionID: "sess-1", DeviceID: "dev-1",
		Role: "viewer", Permission: "view_only", JoinedAt: now,
	})
	if err != nil {
		t.Fatalf("add participant: %v", err)
	}

	mock.ExpectQuery(`SELECT session_id, device_id, role, permission, joined_at`).
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"session_id", "device_id", "role", "permission", "joined_at",
		}).AddRow("sess-1", "dev-1", "viewer", "view_only", now))
	parts, err := store.Participants(ctx, "sess-1")
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(parts) != 1 || parts[0].DeviceID != "dev-1" {
		t.Fatalf("unexpected participants: %+v", parts)
	}
	expectationsMet(t, mock)
}
