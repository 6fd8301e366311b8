package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sessionwire/sessionwire/internal/envelope"
)

// State is the client's connection state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateError          State = "error"
)

var (
	// ErrAuthFailed means the relay rejected the credential. The client
	// must not retry with the same token.
	ErrAuthFailed = errors.New("relay authentication failed")
	// ErrMaxReconnects is terminal: the client stays disconnected until a
	// manual Connect.
	ErrMaxReconnects = errors.New("max reconnect attempts exceeded")
	// ErrPermissionDenied rejects a REMOTE_CONTROL locally, without a
	// round trip.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotConnected is returned for sends while disconnected.
	ErrNotConnected = errors.New("relay client not connected")
)

// ClientEvents receives asynchronous frames. Nil callbacks are skipped.
// Callbacks run on the read loop goroutine and must not block.
type ClientEvents struct {
	OnEnvelope     func(envelope.Envelope)
	OnPresence     func(FrameType, PresencePayload)
	OnSessionEnded func(SessionPayload)
	OnControl      func(ControlPayload)
	OnDelivery     func(DeliveryPayload)
	OnDisconnect   func(error)
}

// ClientConfig carries the dial target and reconnect policy. Relay
// reconnection uses a fixed inter-attempt delay; the exponential schedule
// belongs to the sync outbox, not this path.
type ClientConfig struct {
	URL               string
	Token             string
	DeviceID          string
	HeartbeatInterval time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Dialer            *websocket.Dialer
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

type joinState struct {
	payload JoinPayload
}

// Client maintains one authenticated relay connection and transparently
// rejoins sessions after a reconnect.
type Client struct {
	cfg    ClientConfig
	log    *zap.Logger
	events ClientEvents

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	writeMu  sync.Mutex
	joins    map[string]joinState
	waiters  map[string]chan SessionPayload
	hbStop   chan struct{}
	stop     chan struct{}
	closed   bool
	identity Identity
}

// NewClient builds a client; Connect starts it.
func NewClient(cfg ClientConfig, events ClientEvents, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		log:     log.Named("relay_client"),
		events:  events,
		state:   StateDisconnected,
		joins:   make(map[string]joinState),
		waiters: make(map[string]chan SessionPayload),
		stop:    make(chan struct{}),
	}
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity reports the authenticated principal after a successful Connect.
func (c *Client) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect dials, authenticates, and starts the read and heartbeat loops.
// An AUTH_FAILED reply is terminal for this credential.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting || c.state == StateAuthenticating {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		// A fresh stop channel: the previous one was closed by Close and
		// must keep any lingering reconnect loop shut down.
		c.stop = make(chan struct{})
	}
	c.closed = false
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dialAndAuth(ctx); err != nil {
		c.setState(StateError)
		return err
	}
	return nil
}

func (c *Client) dialAndAuth(ctx context.Context) error {
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	c.setState(StateAuthenticating)

	if err := ws.WriteJSON(Frame{
		Type: FrameAuth,
		Auth: &AuthPayload{Token: c.cfg.Token, DeviceID: c.cfg.DeviceID},
	}); err != nil {
		ws.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(authTimeout))
	var reply Frame
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		return fmt.Errorf("read auth reply: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	switch reply.Type {
	case FrameAuthSuccess:
	case FrameAuthFailed:
		ws.Close()
		reason := "unknown"
		if reply.Error != nil {
			reason = reply.Error.Message
		}
		return fmt.Errorf("%s: %w", reason, ErrAuthFailed)
	default:
		ws.Close()
		return fmt.Errorf("unexpected reply %q during auth", reply.Type)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	if reply.Welcome != nil {
		c.identity = Identity{UserID: reply.Welcome.UserID, DeviceID: reply.Welcome.DeviceID}
	}
	c.hbStop = make(chan struct{})
	hbStop := c.hbStop
	c.mu.Unlock()

	go c.readLoop(ws)
	go c.heartbeatLoop(hbStop)
	return nil
}

// JoinSession subscribes to a session and returns the participant list from
// the SUBSCRIBED reply.
func (c *Client) JoinSession(ctx context.Context, join JoinPayload) ([]Participant, error) {
	if join.SessionID == "" {
		return nil, errors.New("session id required")
	}

	waiter := make(chan SessionPayload, 1)
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.joins[join.SessionID] = joinState{payload: join}
	c.waiters[join.SessionID] = waiter
	c.mu.Unlock()

	if err := c.writeFrame(Frame{Type: FrameJoinSession, Join: &join}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, join.SessionID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case reply := <-waiter:
		return reply.Participants, nil
	}
}

// LeaveSession detaches from a session. The local join record goes away
// immediately so a reconnect will not resubscribe.
func (c *Client) LeaveSession(sessionID string) error {
	c.mu.Lock()
	delete(c.joins, sessionID)
	delete(c.waiters, sessionID)
	c.mu.Unlock()
	return c.writeFrame(Frame{Type: FrameLeaveSession, Leave: &LeavePayload{SessionID: sessionID}})
}

// SendEnvelope relays a sealed envelope to the session's other participants.
func (c *Client) SendEnvelope(env envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	return c.writeFrame(Frame{Type: FrameStreamChunk, Envelope: &env})
}

// SendRemoteControl forwards a control verb, first checking the local
// permission so an unpermitted send never hits the wire.
func (c *Client) SendRemoteControl(ctrl ControlPayload) error {
	c.mu.Lock()
	join, ok := c.joins[ctrl.SessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", ctrl.SessionID, ErrNotConnected)
	}
	if !ControlAllowed(join.payload.Permission, ctrl.Action, join.payload.AllowViewerInput) {
		return fmt.Errorf("%s may not send %s: %w", join.payload.Permission, ctrl.Action, ErrPermissionDenied)
	}
	return c.writeFrame(Frame{Type: FrameRemoteControl, Control: &ctrl})
}

// Close shuts the connection down cleanly and stops all timers.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.stop)
	}
	ws := c.ws
	c.ws = nil
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	return ws.Close()
}

func (c *Client) writeFrame(f Frame) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteJSON(f)
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame Frame) {
	switch frame.Type {
	case FrameSubscribed:
		if frame.Session == nil {
			return
		}
		c.mu.Lock()
		waiter, ok := c.waiters[frame.Session.SessionID]
		delete(c.waiters, frame.Session.SessionID)
		c.mu.Unlock()
		if ok {
			waiter <- *frame.Session
		}
	case FrameStreamChunk:
		if frame.Envelope != nil && c.events.OnEnvelope != nil {
			c.events.OnEnvelope(*frame.Envelope)
		}
	case FrameMemberJoined, FrameMemberLeft:
		if frame.Presence != nil && c.events.OnPresence != nil {
			c.events.OnPresence(frame.Type, *frame.Presence)
		}
	case FrameSessionEnded:
		if frame.Session != nil && c.events.OnSessionEnded != nil {
			c.events.OnSessionEnded(*frame.Session)
		}
	case FrameRemoteControl, FrameRemoteControlAck:
		if frame.Control != nil && c.events.OnControl != nil {
			c.events.OnControl(*frame.Control)
		}
	case FrameDeliveryFailed:
		if frame.Delivery != nil && c.events.OnDelivery != nil {
			c.events.OnDelivery(*frame.Delivery)
		}
	case FrameHeartbeatAck, FrameUnsubscribed:
		// Nothing to do.
	case FrameError:
		if frame.Error != nil {
			c.log.Warn("relay error",
				zap.String("code", frame.Error.Code),
				zap.String("message", frame.Error.Message))
		}
	}
}

func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeFrame(Frame{
				Type:      FrameHeartbeat,
				Heartbeat: &HeartbeatPayload{SentAt: time.Now().UTC()},
			}); err != nil {
				return
			}
		}
	}
}

// handleDisconnect runs the bounded fixed-delay reconnect path after an
// unclean close.
func (c *Client) handleDisconnect(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.state = StateDisconnected
	stop := c.stop
	c.mu.Unlock()
	ws.Close()

	c.log.Warn("relay connection lost", zap.Error(cause))

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		// Close must interrupt the delay, not wait it out.
		select {
		case <-stop:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
		err := c.dialAndAuth(ctx)
		cancel()
		if err == nil {
			c.rejoinSessions()
			c.log.Info("relay reconnected", zap.Int("attempt", attempt))
			return
		}
		c.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(err, ErrAuthFailed) {
			// Retrying the identical credential cannot succeed.
			c.failTerminal(err)
			return
		}
	}
	c.failTerminal(fmt.Errorf("%w after %d attempts", ErrMaxReconnects, c.cfg.ReconnectAttempts))
}

func (c *Client) rejoinSessions() {
	c.mu.Lock()
	joins := make([]JoinPayload, 0, len(c.joins))
	for _, j := range c.joins {
		joins = append(joins, j.payload)
	}
	c.mu.Unlock()
	for _, j := range joins {
		join := j
		_ = c.writeFrame(Frame{Type: FrameJoinSession, Join: &join})
	}
}

func (c *Client) failTerminal(err error) {
	c.setState(StateError)
	if c.events.OnDisconnect != nil {
		c.events.OnDisconnect(err)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
