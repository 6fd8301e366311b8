package envelope

// Plane separates pairing traffic from in-session traffic.
type Plane string

const (
	PlaneHandshake Plane = "HANDSHAKE"
	PlaneSession   Plane = "SESSION"
)

// SessionEventType tags the kinds of session-plane events that influence routing.
type SessionEventType string

const (
	EventRemoteCommand         SessionEventType = "REMOTE_COMMAND"
	EventExecutorUpdate        SessionEventType = "EXECUTOR_UPDATE"
	EventLocalExecutionCommand SessionEventType = "LOCAL_EXECUTION_COMMAND"
)

// Event is the outbound shape fed to the router before sealing.
type Event struct {
	Plane            Plane
	SessionEventType SessionEventType
}

// Route maps an outbound event to its logical channel. It is pure and total:
// local-only instructions map to ChannelNone and never leave the device, and
// any unknown shape falls through to the conversation channel rather than
// failing.
func Route(ev Event) Channel {
	if ev.Plane == PlaneHandshake {
		return ChannelChatSecret
	}
	if ev.Plane == PlaneSession {
		switch ev.SessionEventType {
		case EventRemoteCommand, EventExecutorUpdate:
			return ChannelCommunication
		case EventLocalExecutionCommand:
			return ChannelNone
		}
	}
	return ChannelConversation
}
