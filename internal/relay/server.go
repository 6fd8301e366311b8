package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sessionwire/sessionwire/internal/envelope"
)

const (
	defaultIdleWindow  = 90 * time.Second
	defaultSendBuffer  = 32
	authTimeout        = 10 * time.Second
	writeTimeout       = 10 * time.Second
	sessionEndedReason = "executor_left"
)

// Identity is the authenticated principal behind a relay connection.
type Identity struct {
	UserID   string
	DeviceID string
}

// Authenticator validates the bearer credential and device registration
// presented in an AUTH frame.
type Authenticator interface {
	Authenticate(ctx context.Context, token, deviceID string) (Identity, error)
}

// PresenceStore persists participant membership outside the relay's memory.
// Implementations must tolerate duplicate leaves.
type PresenceStore interface {
	Join(ctx context.Context, sessionID, deviceID string, role, permission string) error
	Leave(ctx context.Context, sessionID, deviceID string) error
}

// Options configures observability and connection limits.
type Options struct {
	Metrics    *Metrics
	Presence   PresenceStore
	IdleWindow time.Duration
	SendBuffer int
}

// Server relays frames between the participants of a session. It never holds
// key material and never inspects ciphertext.
type Server struct {
	log      *zap.Logger
	auth     Authenticator
	presence PresenceStore
	hub      *hub
	metrics  *Metrics
	upgrader websocket.Upgrader

	idleWindow time.Duration
	sendBuffer int
}

// NewServer wires the relay's dependencies.
func NewServer(log *zap.Logger, auth Authenticator, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:        log.Named("relay"),
		auth:       auth,
		presence:   opts.Presence,
		hub:        newHub(),
		metrics:    opts.Metrics,
		idleWindow: opts.IdleWindow,
		sendBuffer: opts.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if s.idleWindow <= 0 {
		s.idleWindow = defaultIdleWindow
	}
	if s.sendBuffer <= 0 {
		s.sendBuffer = defaultSendBuffer
	}
	return s
}

type routeError struct {
	code  string
	msg   string
	fatal bool
}

func (e *routeError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

type conn struct {
	ws       *websocket.Conn
	sendCh   chan Frame
	ctx      context.Context
	cancel   context.CancelFunc
	deviceID string
	userID   string

	mu     sync.Mutex
	joined map[string]struct{}
}

func (c *conn) markJoined(sessionID string) {
	c.mu.Lock()
	c.joined[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *conn) markLeft(sessionID string) {
	c.mu.Lock()
	delete(c.joined, sessionID)
	c.mu.Unlock()
}

func (c *conn) joinedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	return out
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.handleConn(r.Context(), ws)
}

func (s *Server) handleConn(parentCtx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	c, err := s.authenticateConn(parentCtx, ws)
	if err != nil {
		s.metrics.recordError(CodeAuthFailed)
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteJSON(Frame{
			Type:  FrameAuthFailed,
			Error: &ErrorPayload{Code: CodeAuthFailed, Message: err.Error()},
		})
		return
	}
	s.metrics.incConnection()
	defer s.cleanupConn(c)

	go s.writeLoop(c)

	if err := c.push(Frame{
		Type:    FrameAuthSuccess,
		Welcome: &WelcomePayload{DeviceID: c.deviceID, UserID: c.userID},
	}); err != nil {
		return
	}
	s.log.Info("device connected",
		zap.String("device_id", c.deviceID),
		zap.String("user_id", c.userID))

	for {
		_ = ws.SetReadDeadline(time.Now().Add(s.idleWindow))
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			if isTimeout(err) {
				s.metrics.recordEviction()
				s.log.Info("evicting idle connection", zap.String("device_id", c.deviceID))
			}
			return
		}

		start := time.Now()
		err := s.routeFrame(c, frame)
		s.metrics.recordFrame(frame.Type)
		s.metrics.observeLatency(frame.Type, time.Since(start))
		if err != nil {
			var rerr *routeError
			if errors.As(err, &rerr) {
				s.metrics.recordError(rerr.code)
				_ = c.push(Frame{
					Type:  FrameError,
					Error: &ErrorPayload{Code: rerr.code, Message: rerr.msg},
				})
				if rerr.fatal {
					return
				}
				continue
			}
			s.log.Warn("routing failed",
				zap.String("device_id", c.deviceID), zap.Error(err))
			return
		}
	}
}

func (s *Server) authenticateConn(parentCtx context.Context, ws *websocket.Conn) (*conn, error) {
	_ = ws.SetReadDeadline(time.Now().Add(authTimeout))
	var first Frame
	if err := ws.ReadJSON(&first); err != nil {
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	if first.Type != FrameAuth || first.Auth == nil {
		return nil, errors.New("first frame must be AUTH")
	}
	if first.Auth.DeviceID == "" {
		return nil, errors.New("device id required")
	}

	ctx, cancel := context.WithTimeout(parentCtx, authTimeout)
	identity, err := s.auth.Authenticate(ctx, first.Auth.Token, first.Auth.DeviceID)
	cancel()
	if err != nil {
		return nil, err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	return &conn{
		ws:       ws,
		sendCh:   make(chan Frame, s.sendBuffer),
		ctx:      connCtx,
		cancel:   connCancel,
		deviceID: identity.DeviceID,
		userID:   identity.UserID,
		joined:   make(map[string]struct{}),
	}, nil
}

func (s *Server) routeFrame(c *conn, frame Frame) error {
	switch frame.Type {
	case FrameJoinSession:
		return s.handleJoin(c, frame.Join)
	case FrameLeaveSession:
		return s.handleLeave(c, frame.Leave)
	case FrameStreamChunk:
		return s.handleStreamChunk(c, frame.Envelope)
	case FrameRemoteControl:
		return s.handleRemoteControl(c, frame.Control)
	case FrameHeartbeat:
		return s.handleHeartbeat(c, frame.Heartbeat)
	case FrameAuth:
		return &routeError{code: CodeInvalidFrame, msg: "already authenticated", fatal: true}
	default:
		return &routeError{code: CodeInvalidFrame, msg: fmt.Sprintf("unsupported frame %q", frame.Type)}
	}
}

func (s *Server) handleJoin(c *conn, join *JoinPayload) error {
	if join == nil || join.SessionID == "" {
		return &routeError{code: CodeInvalidFrame, msg: "session id required"}
	}
	role := join.Role
	if role == "" {
		role = RoleViewer
	}
	perm := join.Permission
	if perm == "" {
		perm = PermissionViewOnly
	}

	m := &member{conn: c, deviceID: c.deviceID, role: role, permission: perm}
	existing, created := s.hub.join(join.SessionID, m, join.AllowViewerInput)
	c.markJoined(join.SessionID)
	if created {
		s.metrics.incSession()
	}

	if s.presence != nil {
		if err := s.presence.Join(c.ctx, join.SessionID, c.deviceID, string(role), string(perm)); err != nil {
			s.log.Warn("record join failed",
				zap.String("session_id", join.SessionID), zap.Error(err))
		}
	}

	if err := c.push(Frame{
		Type: FrameSubscribed,
		Session: &SessionPayload{
			SessionID:    join.SessionID,
			Participants: participantsOf(append(existing, m)),
		},
	}); err != nil {
		return err
	}

	joinedEvent := Frame{
		Type: FrameMemberJoined,
		Presence: &PresencePayload{
			SessionID: join.SessionID,
			DeviceID:  c.deviceID,
			Role:      role,
		},
	}
	for _, other := range existing {
		_ = other.conn.push(joinedEvent)
	}
	return nil
}

func (s *Server) handleLeave(c *conn, leave *LeavePayload) error {
	if leave == nil || leave.SessionID == "" {
		return &routeError{code: CodeInvalidFrame, msg: "session id required"}
	}
	s.detachFromSession(c, leave.SessionID)
	return c.push(Frame{
		Type:    FrameUnsubscribed,
		Session: &SessionPayload{SessionID: leave.SessionID},
	})
}

// detachFromSession removes the device from one session and fans out the
// presence change. An executor's departure additionally announces the end of
// the session: with no one left to run commands, the remaining participants
// must not keep waiting even though the session record stays open.
func (s *Server) detachFromSession(c *conn, sessionID string) {
	left, remaining, emptied := s.hub.leave(sessionID, c.deviceID)
	c.markLeft(sessionID)
	if left == nil {
		return
	}
	if emptied {
		s.metrics.decSession()
	}

	if s.presence != nil {
		if err := s.presence.Leave(context.Background(), sessionID, c.deviceID); err != nil {
			s.log.Warn("record leave failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	leftEvent := Frame{
		Type: FrameMemberLeft,
		Presence: &PresencePayload{
			SessionID: sessionID,
			DeviceID:  c.deviceID,
			Role:      left.role,
		},
	}
	for _, other := range remaining {
		_ = other.conn.push(leftEvent)
	}

	if left.role == RoleExecutor && len(remaining) > 0 {
		endedEvent := Frame{
			Type: FrameSessionEnded,
			Session: &SessionPayload{
				SessionID: sessionID,
				Reason:    sessionEndedReason,
			},
		}
		for _, other := range remaining {
			_ = other.conn.push(endedEvent)
		}
		s.log.Info("executor left, session effectively ended",
			zap.String("session_id", sessionID),
			zap.String("device_id", c.deviceID))
	}
}

func (s *Server) handleStreamChunk(c *conn, env *envelope.Envelope) error {
	if env == nil {
		return &routeError{code: CodeInvalidFrame, msg: "envelope required"}
	}
	if err := env.Validate(); err != nil {
		return &routeError{code: CodeInvalidFrame, msg: err.Error()}
	}
	if env.SenderDeviceID != c.deviceID {
		return &routeError{code: CodeInvalidFrame, msg: "sender device mismatch"}
	}
	if _, ok := s.hub.lookup(env.SessionID, c.deviceID); !ok {
		return &routeError{code: CodeNotSubscribed, msg: "join the session before sending"}
	}

	frame := Frame{Type: FrameStreamChunk, Envelope: env}
	delivered := 0
	for _, other := range s.hub.snapshot(env.SessionID) {
		if other.deviceID == c.deviceID {
			continue
		}
		if err := other.conn.push(frame); err == nil {
			delivered++
		}
	}
	if delivered == 0 {
		s.metrics.recordDeliveryFailure()
		return c.push(Frame{
			Type: FrameDeliveryFailed,
			Delivery: &DeliveryPayload{
				SessionID: env.SessionID,
				EventID:   env.EventID,
				Reason:    "no connected participants",
			},
		})
	}
	return nil
}

func (s *Server) handleRemoteControl(c *conn, ctrl *ControlPayload) error {
	if ctrl == nil || ctrl.SessionID == "" || ctrl.Action == "" {
		return &routeError{code: CodeInvalidFrame, msg: "session id and action required"}
	}
	sender, ok := s.hub.lookup(ctrl.SessionID, c.deviceID)
	if !ok {
		return &routeError{code: CodeNotSubscribed, msg: "join the session before sending"}
	}
	if !ControlAllowed(sender.permission, ctrl.Action, s.hub.viewerInputAllowed(ctrl.SessionID)) {
		return &routeError{
			code: CodePermissionDenied,
			msg:  fmt.Sprintf("permission %s may not send %s", sender.permission, ctrl.Action),
		}
	}

	frame := Frame{Type: FrameRemoteControl, Control: ctrl}
	delivered := 0
	if ctrl.TargetDeviceID != "" {
		if target, ok := s.hub.lookup(ctrl.SessionID, ctrl.TargetDeviceID); ok {
			if err := target.conn.push(frame); err == nil {
				delivered++
			}
		}
	} else {
		for _, other := range s.hub.snapshot(ctrl.SessionID) {
			if other.deviceID == c.deviceID {
				continue
			}
			if err := other.conn.push(frame); err == nil {
				delivered++
			}
		}
	}

	if delivered == 0 {
		s.metrics.recordDeliveryFailure()
		return c.push(Frame{
			Type: FrameDeliveryFailed,
			Delivery: &DeliveryPayload{
				SessionID:      ctrl.SessionID,
				TargetDeviceID: ctrl.TargetDeviceID,
				Reason:         "target not connected",
			},
		})
	}
	return c.push(Frame{Type: FrameRemoteControlAck, Control: ctrl})
}

func (s *Server) handleHeartbeat(c *conn, hb *HeartbeatPayload) error {
	if hb == nil {
		hb = &HeartbeatPayload{}
	}
	return c.push(Frame{Type: FrameHeartbeatAck, Heartbeat: hb})
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				s.log.Warn("write failed",
					zap.String("device_id", c.deviceID), zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) push(f Frame) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.sendCh <- f:
		return nil
	default:
		c.cancel()
		return &routeError{code: CodeBackpressure, msg: "send buffer full", fatal: true}
	}
}

func (s *Server) cleanupConn(c *conn) {
	for _, sessionID := range c.joinedSessions() {
		s.detachFromSession(c, sessionID)
	}
	c.cancel()
	s.metrics.decConnection()
	s.log.Info("device disconnected", zap.String("device_id", c.deviceID))
}

func isTimeout(err error) bool {
	var nerr interface{ Timeout() bool }
	return errors.As(err, &nerr) && nerr.Timeout()
}
