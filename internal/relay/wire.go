// Package relay implements the crypto-blind WebSocket relay: the server-side
// session fan-out and the client-side connection state machine. Envelopes
// pass through verbatim; the relay validates shape, never contents.
package relay

import (
	"encoding/json"
	"time"

	"github.com/sessionwire/sessionwire/internal/envelope"
)

// FrameType discriminates relay frames on the wire.
type FrameType string

const (
	FrameAuth             FrameType = "AUTH"
	FrameAuthSuccess      FrameType = "AUTH_SUCCESS"
	FrameAuthFailed       FrameType = "AUTH_FAILED"
	FrameJoinSession      FrameType = "JOIN_SESSION"
	FrameLeaveSession     FrameType = "LEAVE_SESSION"
	FrameSubscribed       FrameType = "SUBSCRIBED"
	FrameUnsubscribed     FrameType = "UNSUBSCRIBED"
	FrameMemberJoined     FrameType = "MEMBER_JOINED"
	FrameMemberLeft       FrameType = "MEMBER_LEFT"
	FrameStreamChunk      FrameType = "STREAM_CHUNK"
	FrameRemoteControl    FrameType = "REMOTE_CONTROL"
	FrameRemoteControlAck FrameType = "REMOTE_CONTROL_ACK"
	FrameHeartbeat        FrameType = "HEARTBEAT"
	FrameHeartbeatAck     FrameType = "HEARTBEAT_ACK"
	FrameError            FrameType = "ERROR"
	FrameDeliveryFailed   FrameType = "DELIVERY_FAILED"
	FrameSessionEnded     FrameType = "SESSION_ENDED"
)

// Role describes what a participant does in a session.
type Role string

const (
	RoleController Role = "controller"
	RoleExecutor   Role = "executor"
	RoleViewer     Role = "viewer"
)

// Permission bounds what a participant may send.
type Permission string

const (
	PermissionViewOnly    Permission = "view_only"
	PermissionInteract    Permission = "interact"
	PermissionFullControl Permission = "full_control"
)

// ControlAction enumerates remote-control verbs.
type ControlAction string

const (
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionStop   ControlAction = "stop"
	ActionInput  ControlAction = "input"
)

// Frame is the JSON wire unit. Exactly one payload field is set, matching
// Type.
type Frame struct {
	Type      FrameType          `json:"type"`
	Auth      *AuthPayload       `json:"auth,omitempty"`
	Welcome   *WelcomePayload    `json:"welcome,omitempty"`
	Join      *JoinPayload       `json:"join,omitempty"`
	Leave     *LeavePayload      `json:"leave,omitempty"`
	Session   *SessionPayload    `json:"session,omitempty"`
	Presence  *PresencePayload   `json:"presence,omitempty"`
	Envelope  *envelope.Envelope `json:"envelope,omitempty"`
	Control   *ControlPayload    `json:"control,omitempty"`
	Heartbeat *HeartbeatPayload  `json:"heartbeat,omitempty"`
	Error     *ErrorPayload      `json:"error,omitempty"`
	Delivery  *DeliveryPayload   `json:"delivery,omitempty"`
}

// AuthPayload carries the bearer credential and the device identity.
type AuthPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
}

// WelcomePayload confirms authentication.
type WelcomePayload struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
}

// JoinPayload attaches the connection to a session.
type JoinPayload struct {
	SessionID  string     `json:"sessionId"`
	Role       Role       `json:"role"`
	Permission Permission `json:"permission"`
	// AllowViewerInput opts the session into view_only input forwarding.
	// Only honored from the first joiner (the session opener).
	AllowViewerInput bool `json:"allowViewerInput,omitempty"`
}

// LeavePayload detaches the connection from a session.
type LeavePayload struct {
	SessionID string `json:"sessionId"`
}

// Participant is the presence record shared in SUBSCRIBED replies.
type Participant struct {
	DeviceID   string     `json:"deviceId"`
	Role       Role       `json:"role"`
	Permission Permission `json:"permission"`
}

// SessionPayload answers JOIN_SESSION/LEAVE_SESSION and announces session
// end.
type SessionPayload struct {
	SessionID    string        `json:"sessionId"`
	Participants []Participant `json:"participants,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// PresencePayload announces one membership change.
type PresencePayload struct {
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
	Role      Role   `json:"role"`
}

// ControlPayload is a remote-control verb aimed at a session (optionally a
// single device).
type ControlPayload struct {
	SessionID      string          `json:"sessionId"`
	Action         ControlAction   `json:"action"`
	TargetDeviceID string          `json:"targetDeviceId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// HeartbeatPayload keeps the connection alive and lets the peer measure
// round trips.
type HeartbeatPayload struct {
	SentAt time.Time `json:"sentAt"`
}

// ErrorPayload reports a rejected frame or a failed authentication.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeliveryPayload reports that a frame had no reachable target.
type DeliveryPayload struct {
	SessionID      string `json:"sessionId"`
	EventID        string `json:"eventId,omitempty"`
	TargetDeviceID string `json:"targetDeviceId,omitempty"`
	Reason         string `json:"reason"`
}

// Error codes shared by server and client.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeInvalidFrame     = "INVALID_FRAME"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNotSubscribed    = "NOT_SUBSCRIBED"
	CodeBackpressure     = "BACKPRESSURE"
)

// ControlAllowed decides whether a participant with the given permission may
// send an action. view_only participants may send input only when the
// session policy explicitly allows it; everything else needs interact or
// full_control.
func ControlAllowed(perm Permission, action ControlAction, viewerInputAllowed bool) bool {
	switch perm {
	case PermissionFullControl:
		return true
	case PermissionInteract:
		return action == ActionInput || action == ActionPause || action == ActionResume
	case PermissionViewOnly:
		return action == ActionInput && viewerInputAllowed
	default:
		return false
	}
}
