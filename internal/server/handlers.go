package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/sessionwire/sessionwire/internal/crypto/grant"
	"github.com/sessionwire/sessionwire/internal/registry"
	"github.com/sessionwire/sessionwire/internal/syncworker"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type registerDeviceRequest struct {
	DeviceID  string `json:"deviceId"`
	Role      string `json:"role"`
	Name      string `json:"name"`
	PublicKey []byte `json:"publicKey"`
	UserID    string `json:"userId"`
}

type registerDeviceResponse struct {
	Device registry.Device `json:"device"`
	Token  string          `json:"token"`
}

// handleRegisterDevice creates a device record and hands back a bearer token
// for it. Registration is the unauthenticated entry point; everything else
// requires the returned token.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if err := grant.ValidatePublicKey(req.PublicKey); err != nil {
		writeError(w, http.StatusBadRequest, "publicKey must be a valid x25519 key")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = uuid.Must(uuid.NewV7()).String()
	}

	device := registry.Device{
		ID:        req.DeviceID,
		UserID:    req.UserID,
		Role:      req.Role,
		PublicKey: req.PublicKey,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateDevice(r.Context(), device); err != nil {
		if errors.Is(err, registry.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "device already registered")
			return
		}
		s.log.Error("create device", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	token, err := s.tokens.Issue(req.UserID, device.ID)
	if err != nil {
		s.log.Error("issue token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "token failure")
		return
	}
	writeJSON(w, http.StatusCreated, registerDeviceResponse{Device: device, Token: token})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	userID := chi.URLParam(r, "userID")
	if userID != claims.Subject {
		writeError(w, http.StatusForbidden, "may only list own devices")
		return
	}
	devices, err := s.store.DevicesByUser(r.Context(), userID)
	if err != nil {
		s.log.Error("list devices", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type createSessionRequest struct {
	SessionID        string `json:"sessionId"`
	AllowViewerInput bool   `json:"allowViewerInput"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.Must(uuid.NewV7()).String()
	}

	session := registry.Session{
		ID:               req.SessionID,
		OwnerUserID:      claims.Subject,
		State:            registry.SessionActive,
		AllowViewerInput: req.AllowViewerInput,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		if errors.Is(err, registry.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "session already exists")
			return
		}
		s.log.Error("create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	session, err := s.store.Session(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if session.OwnerUserID != claims.Subject {
		writeError(w, http.StatusForbidden, "only the owner may close a session")
		return
	}
	if err := s.store.CloseSession(r.Context(), sessionID); err != nil {
		s.log.Error("close session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type putGrantsRequest struct {
	Grants []grant.Grant `json:"grants"`
}

// handlePutGrants stores the wrapped session keys a distributing device
// produced for its peers. The server never sees the plaintext session key.
func (s *Server) handlePutGrants(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req putGrantsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.Grants) == 0 {
		writeError(w, http.StatusBadRequest, "at least one grant required")
		return
	}
	if _, err := s.store.Session(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	for _, g := range req.Grants {
		if g.SessionID != sessionID {
			writeError(w, http.StatusBadRequest, "grant session mismatch")
			return
		}
		if err := s.store.PutGrant(r.Context(), g); err != nil {
			s.log.Error("put grant", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID != claims.DeviceID {
		writeError(w, http.StatusForbidden, "may only fetch own grant")
		return
	}

	g, err := s.store.Grant(r.Context(), sessionID, deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "grant not found")
			return
		}
		s.log.Error("get grant", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleConsumeGrant acknowledges that the recipient decrypted its grant;
// the wrapped key is then removed from the wire store.
func (s *Server) handleConsumeGrant(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID != claims.DeviceID {
		writeError(w, http.StatusForbidden, "may only consume own grant")
		return
	}
	if err := s.store.DeleteGrant(r.Context(), sessionID, deviceID); err != nil {
		s.log.Error("delete grant", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSyncBatch accepts one batch of sealed envelopes and answers with a
// per-envelope verdict. Duplicates by (sessionId, eventId) are success: the
// sender's retry reached us twice, nothing more.
func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	var req syncworker.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	s.metrics.recordBatch()
	results := make([]syncworker.UploadResult, 0, len(req.Envelopes))
	for _, env := range req.Envelopes {
		result := syncworker.UploadResult{EventID: env.EventID}
		switch {
		case env.SenderDeviceID != claims.DeviceID:
			result.Error = "sender device mismatch"
			s.metrics.recordRejected()
		default:
			if inserted, err := s.store.SaveEnvelope(r.Context(), env); err != nil {
				result.Error = err.Error()
				s.metrics.recordRejected()
			} else {
				result.OK = true
				s.metrics.recordStored(inserted)
			}
		}
		results = append(results, result)
	}
	writeJSON(w, http.StatusOK, syncworker.BatchResponse{Results: results})
}

func (s *Server) handleListEnvelopes(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.Session(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	envs, err := s.store.Envelopes(r.Context(), sessionID)
	if err != nil {
		s.log.Error("list envelopes", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"envelopes": envs})
}
