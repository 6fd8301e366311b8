package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sessionwire/sessionwire/internal/crypto/grant"
	"github.com/sessionwire/sessionwire/internal/envelope"
)

type grantKey struct {
	sessionID string
	deviceID  string
}

// InMemory is the registry used by tests and single-node deployments.
type InMemory struct {
	mu           sync.RWMutex
	devices      map[string]Device
	sessions     map[string]Session
	participants map[grantKey]Participant
	grants       map[grantKey]grant.Grant
	envelopes    map[string][]envelope.Envelope
	seen         map[grantKey]struct{}
	now          func() time.Time
}

// NewInMemory builds an empty in-memory registry.
func NewInMemory() *InMemory {
	return &InMemory{
		devices:      make(map[string]Device),
		sessions:     make(map[string]Session),
		participants: make(map[grantKey]Participant),
		grants:       make(map[grantKey]grant.Grant),
		envelopes:    make(map[string][]envelope.Envelope),
		seen:         make(map[grantKey]struct{}),
		now:          time.Now,
	}
}

func (r *InMemory) CreateDevice(ctx context.Context, d Device) error {
	if d.ID == "" || d.UserID == "" {
		return fmt.Errorf("device id and user id are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[d.ID]; ok {
		return fmt.Errorf("device %s: %w", d.ID, ErrAlreadyExists)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now().UTC()
	}
	d.PublicKey = append([]byte(nil), d.PublicKey...)
	r.devices[d.ID] = d
	return ctx.Err()
}

func (r *InMemory) Device(ctx context.Context, id string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	d.PublicKey = append([]byte(nil), d.PublicKey...)
	return d, ctx.Err()
}

func (r *InMemory) DevicesByUser(ctx context.Context, userID string) ([]Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Device
	for _, d := range r.devices {
		if d.UserID == userID {
			d.PublicKey = append([]byte(nil), d.PublicKey...)
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, ctx.Err()
}

func (r *InMemory) CreateSession(ctx context.Context, s Session) error {
	if s.ID == "" || s.OwnerUserID == "" {
		return fmt.Errorf("session id and owner are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrAlreadyExists)
	}
	if s.State == "" {
		s.State = SessionActive
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now().UTC()
	}
	r.sessions[s.ID] = s
	return ctx.Err()
}

func (r *InMemory) Session(ctx context.Context, id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, ctx.Err()
}

func (r *InMemory) CloseSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s.State = SessionClosed
	r.sessions[id] = s
	return ctx.Err()
}

func (r *InMemory) AddParticipant(ctx context.Context, p Participant) error {
	if p.SessionID == "" || p.DeviceID == "" {
		return fmt.Errorf("session id and device id are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.JoinedAt.IsZero() {
		p.JoinedAt = r.now().UTC()
	}
	r.participants[grantKey{p.SessionID, p.DeviceID}] = p
	return ctx.Err()
}

func (r *InMemory) RemoveParticipant(ctx context.Context, sessionID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.participants, grantKey{sessionID, deviceID})
	return ctx.Err()
}

func (r *InMemory) Participants(ctx context.Context, sessionID string) ([]Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Participant
	for k, p := range r.participants {
		if k.sessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, ctx.Err()
}

func (r *InMemory) PutGrant(ctx context.Context, g grant.Grant) error {
	if g.SessionID == "" || g.RecipientDeviceID == "" {
		return fmt.Errorf("grant session id and recipient are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	g.EphemeralPublicKey = append([]byte(nil), g.EphemeralPublicKey...)
	g.EncryptedSessionKey = append([]byte(nil), g.EncryptedSessionKey...)
	r.grants[grantKey{g.SessionID, g.RecipientDeviceID}] = g
	return ctx.Err()
}

func (r *InMemory) Grant(ctx context.Context, sessionID, deviceID string) (grant.Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.grants[grantKey{sessionID, deviceID}]
	if !ok {
		return grant.Grant{}, fmt.Errorf("grant for %s/%s: %w", sessionID, deviceID, ErrNotFound)
	}
	g.EphemeralPublicKey = append([]byte(nil), g.EphemeralPublicKey...)
	g.EncryptedSessionKey = append([]byte(nil), g.EncryptedSessionKey...)
	return g, ctx.Err()
}

func (r *InMemory) DeleteGrant(ctx context.Context, sessionID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.grants, grantKey{sessionID, deviceID})
	return ctx.Err()
}

func (r *InMemory) SaveEnvelope(ctx context.Context, env envelope.Envelope) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := grantKey{env.SessionID, env.EventID}
	if _, dup := r.seen[key]; dup {
		return false, ctx.Err()
	}
	r.seen[key] = struct{}{}
	r.envelopes[env.SessionID] = append(r.envelopes[env.SessionID], env.Clone())
	return true, ctx.Err()
}

func (r *InMemory) Envelopes(ctx context.Context, sessionID string) ([]envelope.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.envelopes[sessionID]
	out := make([]envelope.Envelope, 0, len(stored))
	for _, env := range stored {
		out = append(out, env.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, ctx.Err()
}
