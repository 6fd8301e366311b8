package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sessionwire/sessionwire/internal/crypto/grant"
	"github.com/sessionwire/sessionwire/internal/envelope"
)

// PgxPool is the minimal pool surface the registry needs. It is implemented
// by *pgxpool.Pool and by pgxmock.PgxPoolIface in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres is the production registry backed by a pgx pool.
type Postgres struct {
	pool PgxPool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect opens a pool for the DSN and pings it.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close shuts the pool down.
func (p *Postgres) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

func (p *Postgres) CreateDevice(ctx context.Context, d Device) error {
	const q = `
INSERT INTO devices (id, user_id, role, public_key, name, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, q, d.ID, d.UserID, d.Role, d.PublicKey, d.Name, d.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("device %s: %w", d.ID, ErrAlreadyExists)
	}
	return err
}

func (p *Postgres) Device(ctx context.Context, id string) (Device, error) {
	const q = `
SELECT id, user_id, role, public_key, name, created_at
FROM devices WHERE id = $1`
	var d Device
	err := p.pool.QueryRow(ctx, q, id).Scan(&d.ID, &d.UserID, &d.Role, &d.PublicKey, &d.Name, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (p *Postgres) DevicesByUser(ctx context.Context, userID string) ([]Device, error) {
	const q = `
SELECT id, user_id, role, public_key, name, created_at
FROM devices WHERE user_id = $1 ORDER BY id`
	rows, err := p.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Role, &d.PublicKey, &d.Name, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSession(ctx context.Context, s Session) error {
	const q = `
INSERT INTO sessions (id, owner_user_id, state, allow_viewer_input, created_at)
VALUES ($1, $2, $3, $4, $5)`
	if s.State == "" {
		s.State = SessionActive
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, q, s.ID, s.OwnerUserID, s.State, s.AllowViewerInput, s.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s: %w", s.ID, ErrAlreadyExists)
	}
	return err
}

func (p *Postgres) Session(ctx context.Context, id string) (Session, error) {
	const q = `
SELECT id, owner_user_id, state, allow_viewer_input, created_at
FROM sessions WHERE id = $1`
	var s Session
	err := p.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.OwnerUserID, &s.State, &s.AllowViewerInput, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (p *Postgres) CloseSession(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET state = $2 WHERE id = $1`
	tag, err := p.pool.Exec(ctx, q, id, SessionClosed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) AddParticipant(ctx context.Context, part Participant) error {
	const q = `
INSERT INTO session_participants (session_id, device_id, role, permission, joined_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id, device_id)
DO UPDATE SET role = EXCLUDED.role, permission = EXCLUDED.permission, joined_at = EXCLUDED.joined_at`
	if part.JoinedAt.IsZero() {
		part.JoinedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, q, part.SessionID, part.DeviceID, part.Role, part.Permission, part.JoinedAt)
	return err
}

func (p *Postgres) RemoveParticipant(ctx context.Context, sessionID, deviceID string) error {
	const q = `DELETE FROM session_participants WHERE session_id = $1 AND device_id = $2`
	_, err := p.pool.Exec(ctx, q, sessionID, deviceID)
	return err
}

func (p *Postgres) Participants(ctx context.Context, sessionID string) ([]Participant, error) {
	const q = `
SELECT session_id, device_id, role, permission, joined_at
FROM session_participants WHERE session_id = $1 ORDER BY device_id`
	rows, err := p.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var part Participant
		if err := rows.Scan(&part.SessionID, &part.DeviceID, &part.Role, &part.Permission, &part.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	return out, rows.Err()
}

func (p *Postgres) PutGrant(ctx context.Context, g grant.Grant) error {
	const q = `
INSERT INTO secret_grants (session_id, recipient_device_id, ephemeral_public_key, encrypted_session_key, key_version, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, recipient_device_id)
DO UPDATE SET ephemeral_public_key = EXCLUDED.ephemeral_public_key,
              encrypted_session_key = EXCLUDED.encrypted_session_key,
              key_version = EXCLUDED.key_version,
              created_at = EXCLUDED.created_at`
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, q, g.SessionID, g.RecipientDeviceID, g.EphemeralPublicKey, g.EncryptedSessionKey, g.KeyVersion, g.CreatedAt)
	return err
}

func (p *Postgres) Grant(ctx context.Context, sessionID, deviceID string) (grant.Grant, error) {
	const q = `
SELECT session_id, recipient_device_id, ephemeral_public_key, encrypted_session_key, key_version, created_at
FROM secret_grants WHERE session_id = $1 AND recipient_device_id = $2`
	var g grant.Grant
	err := p.pool.QueryRow(ctx, q, sessionID, deviceID).Scan(
		&g.SessionID, &g.RecipientDeviceID, &g.EphemeralPublicKey, &g.EncryptedSessionKey, &g.KeyVersion, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return grant.Grant{}, fmt.Errorf("grant for %s/%s: %w", sessionID, deviceID, ErrNotFound)
	}
	return g, err
}

func (p *Postgres) DeleteGrant(ctx context.Context, sessionID, deviceID string) error {
	const q = `DELETE FROM secret_grants WHERE session_id = $1 AND recipient_device_id = $2`
	_, err := p.pool.Exec(ctx, q, sessionID, deviceID)
	return err
}

func (p *Postgres) SaveEnvelope(ctx context.Context, env envelope.Envelope) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}
	const q = `
INSERT INTO session_envelopes (session_id, event_id, channel, sequence_number, sender_device_id, created_at, alg, nonce, ciphertext, client_ts, schema_version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (session_id, event_id) DO NOTHING`
	tag, err := p.pool.Exec(ctx, q,
		env.SessionID, env.EventID, env.Channel, env.Seq, env.SenderDeviceID, env.CreatedAt,
		env.Payload.Alg, env.Payload.Nonce, env.Payload.Ciphertext,
		env.Meta.ClientTS, env.Meta.SchemaVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Envelopes(ctx context.Context, sessionID string) ([]envelope.Envelope, error) {
	const q = `
SELECT session_id, event_id, channel, sequence_number, sender_device_id, created_at, alg, nonce, ciphertext, client_ts, schema_version
FROM session_envelopes WHERE session_id = $1
ORDER BY sequence_number, created_at`
	rows, err := p.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []envelope.Envelope
	for rows.Next() {
		var env envelope.Envelope
		if err := rows.Scan(
			&env.SessionID, &env.EventID, &env.Channel, &env.Seq, &env.SenderDeviceID, &env.CreatedAt,
			&env.Payload.Alg, &env.Payload.Nonce, &env.Payload.Ciphertext,
			&env.Meta.ClientTS, &env.Meta.SchemaVersion); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}
