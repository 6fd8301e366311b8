// Package server exposes the cloud store over HTTP: device and session
// registration, secret grants, the idempotent sync endpoint, and the relay's
// WebSocket mount.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sessionwire/sessionwire/internal/auth"
	"github.com/sessionwire/sessionwire/internal/registry"
	"github.com/sessionwire/sessionwire/internal/relay"
)

// Server is the public HTTP surface.
type Server struct {
	log     *zap.Logger
	store   registry.Store
	tokens  *auth.TokenService
	metrics *SyncMetrics
	http    *http.Server
}

// Options carries the optional server collaborators.
type Options struct {
	// Relay is mounted at /v1/relay when set.
	Relay *relay.Server
	// Metrics counts sync ingest traffic; nil disables recording.
	Metrics *SyncMetrics
}

// New assembles the router.
func New(log *zap.Logger, store registry.Store, tokens *auth.TokenService, addr string, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:     log.Named("http"),
		store:   store,
		tokens:  tokens,
		metrics: opts.Metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/devices", s.handleRegisterDevice)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(tokens))

			r.Get("/users/{userID}/devices", s.handleListDevices)

			r.Post("/sessions", s.handleCreateSession)
			r.Delete("/sessions/{sessionID}", s.handleCloseSession)
			r.Get("/sessions/{sessionID}/envelopes", s.handleListEnvelopes)

			r.Post("/sessions/{sessionID}/grants", s.handlePutGrants)
			r.Get("/sessions/{sessionID}/grants/{deviceID}", s.handleGetGrant)
			r.Delete("/sessions/{sessionID}/grants/{deviceID}", s.handleConsumeGrant)

			r.Post("/sync/batch", s.handleSyncBatch)
		})

		if opts.Relay != nil {
			// The relay authenticates inside the socket via its AUTH
			// frame, so the HTTP middleware stays out of the way.
			r.Get("/relay", opts.Relay.ServeHTTP)
		}
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// RelayAuthenticator bridges the relay's AUTH frame to the token service and
// the device registry.
type RelayAuthenticator struct {
	Tokens *auth.TokenService
	Store  registry.Store
}

func (a *RelayAuthenticator) Authenticate(ctx context.Context, token, deviceID string) (relay.Identity, error) {
	claims, err := a.Tokens.Verify(token)
	if err != nil {
		return relay.Identity{}, err
	}
	if claims.DeviceID != deviceID {
		return relay.Identity{}, errors.New("token issued for a different device")
	}
	if _, err := a.Store.Device(ctx, deviceID); err != nil {
		return relay.Identity{}, fmt.Errorf("device not registered: %w", err)
	}
	return relay.Identity{UserID: claims.Subject, DeviceID: deviceID}, nil
}

// PresenceRecorder persists relay membership changes into the registry.
type PresenceRecorder struct {
	Store registry.Store
}

func (p *PresenceRecorder) Join(ctx context.Context, sessionID, deviceID, role, permission string) error {
	return p.Store.AddParticipant(ctx, registry.Participant{
		SessionID:  sessionID,
		DeviceID:   deviceID,
		Role:       role,
		Permission: permission,
		JoinedAt:   time.Now().UTC(),
	})
}

func (p *PresenceRecorder) Leave(ctx context.Context, sessionID, deviceID string) error {
	return p.Store.RemoveParticipant(ctx, sessionID, deviceID)
}
