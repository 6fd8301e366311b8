package relay

import (
	"hash/fnv"
	"sync"
)

const hubShards = 16

// member is one device attached to a session.
type member struct {
	conn       *conn
	deviceID   string
	role       Role
	permission Permission
}

type sessionState struct {
	members          map[string]*member
	allowViewerInput bool
}

type hubShard struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

// hub is the shared session-participant registry, sharded by sessionID so
// concurrent join/leave on unrelated sessions never contend.
type hub struct {
	shards [hubShards]*hubShard
}

func newHub() *hub {
	h := &hub{}
	for i := range h.shards {
		h.shards[i] = &hubShard{sessions: make(map[string]*sessionState)}
	}
	return h
}

func (h *hub) shard(sessionID string) *hubShard {
	f := fnv.New32a()
	f.Write([]byte(sessionID))
	return h.shards[f.Sum32()%hubShards]
}

// join attaches m to the session and returns a snapshot of the members
// present before the join. created reports whether this join opened the
// session; only the opener's policy flag is honored.
func (h *hub) join(sessionID string, m *member, allowViewerInput bool) (existing []*member, created bool) {
	s := h.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		state = &sessionState{
			members:          make(map[string]*member),
			allowViewerInput: allowViewerInput,
		}
		s.sessions[sessionID] = state
		created = true
	}

	existing = make([]*member, 0, len(state.members))
	for _, other := range state.members {
		if other.deviceID != m.deviceID {
			existing = append(existing, other)
		}
	}
	state.members[m.deviceID] = m
	return existing, created
}

// leave detaches a device and returns the members that remain. removed is
// false when the device was not attached.
func (h *hub) leave(sessionID, deviceID string) (left *member, remaining []*member, emptied bool) {
	s := h.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}
	left, ok = state.members[deviceID]
	if !ok {
		return nil, nil, false
	}
	delete(state.members, deviceID)

	remaining = make([]*member, 0, len(state.members))
	for _, m := range state.members {
		remaining = append(remaining, m)
	}
	if len(state.members) == 0 {
		delete(s.sessions, sessionID)
		emptied = true
	}
	return left, remaining, emptied
}

// snapshot returns the current members of a session.
func (h *hub) snapshot(sessionID string) []*member {
	s := h.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	members := make([]*member, 0, len(state.members))
	for _, m := range state.members {
		members = append(members, m)
	}
	return members
}

// lookup returns one member of a session.
func (h *hub) lookup(sessionID, deviceID string) (*member, bool) {
	s := h.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	m, ok := state.members[deviceID]
	return m, ok
}

// viewerInputAllowed reports the session's policy flag.
func (h *hub) viewerInputAllowed(sessionID string) bool {
	s := h.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	return ok && state.allowViewerInput
}

func participantsOf(members []*member) []Participant {
	out := make([]Participant, 0, len(members))
	for _, m := range members {
		out = append(out, Participant{
			DeviceID:   m.deviceID,
			Role:       m.role,
			Permission: m.permission,
		})
	}
	return out
}
