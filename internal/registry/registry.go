// Package registry is the cloud-side source of truth: devices, sessions,
// participants, secret grants, and the deduplicated envelope log.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/sessionwire/sessionwire/internal/crypto/grant"
	"github.com/sessionwire/sessionwire/internal/envelope"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// SessionState tracks the explicit lifecycle of a session record. The state
// stays active when an executor merely disconnects; only an explicit close
// flips it.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionClosed SessionState = "closed"
)

// Device is a registered endpoint with its long-term public key.
type Device struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	PublicKey []byte    `json:"publicKey"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is a cross-device session record.
type Session struct {
	ID               string       `json:"id"`
	OwnerUserID      string       `json:"ownerUserId"`
	State            SessionState `json:"state"`
	AllowViewerInput bool         `json:"allowViewerInput"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// Participant links a device into a session with its live role and
// permission.
type Participant struct {
	SessionID  string    `json:"sessionId"`
	DeviceID   string    `json:"deviceId"`
	Role       string    `json:"role"`
	Permission string    `json:"permission"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// Store is the registry contract shared by the in-memory and Postgres
// implementations.
type Store interface {
	CreateDevice(ctx context.Context, d Device) error
	Device(ctx context.Context, id string) (Device, error)
	DevicesByUser(ctx context.Context, userID string) ([]Device, error)

	CreateSession(ctx context.Context, s Session) error
	Session(ctx context.Context, id string) (Session, error)
	CloseSession(ctx context.Context, id string) error

	AddParticipant(ctx context.Context, p Participant) error
	RemoveParticipant(ctx context.Context, sessionID, deviceID string) error
	Participants(ctx context.Context, sessionID string) ([]Participant, error)

	PutGrant(ctx context.Context, g grant.Grant) error
	Grant(ctx context.Context, sessionID, deviceID string) (grant.Grant, error)
	DeleteGrant(ctx context.Context, sessionID, deviceID string) error

	// SaveEnvelope appends one envelope to the session log. inserted is
	// false when the (sessionID, eventID) pair is already stored; a
	// duplicate is success for the sender, not an error.
	SaveEnvelope(ctx context.Context, env envelope.Envelope) (inserted bool, err error)
	// Envelopes returns the session log ordered by sequence number and
	// creation time, never by arrival order.
	Envelopes(ctx context.Context, sessionID string) ([]envelope.Envelope, error)
}
