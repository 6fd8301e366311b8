package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStore keeps the outbox in a single JSON file: the entries keyed by
// eventID plus the per-session sequence counters. Every mutation rewrites the
// file through a temp-file rename so a crash mid-write leaves the previous
// snapshot intact.
type FileStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
	seqs    map[string]uint64
}

type fileState struct {
	Entries map[string]Entry  `json:"entries"`
	Seqs    map[string]uint64 `json:"sequences,omitempty"`
}

// OpenFileStore loads (or creates) the outbox file at path.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		entries: make(map[string]Entry),
		seqs:    make(map[string]uint64),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read outbox file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse outbox file: %w", err)
	}
	if state.Entries != nil {
		s.entries = state.Entries
	}
	if state.Seqs != nil {
		s.seqs = state.Seqs
	}
	return s, nil
}

func (s *FileStore) Put(entry Entry) error {
	if entry.Envelope.EventID == "" {
		return fmt.Errorf("outbox entry needs an event id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.Envelope.EventID] = entry
	return s.persistLocked()
}

func (s *FileStore) Get(eventID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[eventID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *FileStore) Due(now time.Time, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Entry
	for _, e := range s.entries {
		if e.Status == StatusPending && !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(due[j].NextRetryAt)
		}
		return due[i].Envelope.EventID < due[j].Envelope.EventID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *FileStore) Failed() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []Entry
	for _, e := range s.entries {
		if e.Status == StatusFailed {
			failed = append(failed, e)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].Envelope.EventID < failed[j].Envelope.EventID
	})
	return failed, nil
}

func (s *FileStore) Remove(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[eventID]; !ok {
		return nil
	}
	delete(s.entries, eventID)
	return s.persistLocked()
}

func (s *FileStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *FileStore) NextSeq(sessionID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqs[sessionID]++
	if err := s.persistLocked(); err != nil {
		s.seqs[sessionID]--
		return 0, err
	}
	return s.seqs[sessionID], nil
}

func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(fileState{Entries: s.entries, Seqs: s.seqs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode outbox: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write outbox file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace outbox file: %w", err)
	}
	return nil
}
