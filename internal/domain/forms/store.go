package forms

import (
	"errors"
	"sync"
	"time"

	"github.com/ehr/clinicdesk/internal/platform/metrics"
	"github.com/ehr/clinicdesk/internal/platform/websocket"
)

var ErrWorkspaceNotFound = errors.New("workspace not found")

// Store holds open workspaces in memory, indexed by id and owning session.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*Workspace
	bySession map[string]map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		byID:      make(map[string]*Workspace),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (s *Store) Put(w *Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[w.ID] = w
	if s.bySession[w.SessionID] == nil {
		s.bySession[w.SessionID] = make(map[string]struct{})
	}
	s.bySession[w.SessionID][w.ID] = struct{}{}
	metrics.SetWorkspaces(len(s.byID))
}

// Get returns the workspace when it belongs to sessionID. A workspace of
// another session is reported as not found.
func (s *Store) Get(sessionID, id string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.byID[id]
	if !ok || w.SessionID != sessionID {
		return nil, ErrWorkspaceNotFound
	}
	return w, nil
}

func (s *Store) Delete(sessionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[id]
	if !ok || w.SessionID != sessionID {
		return ErrWorkspaceNotFound
	}
	s.removeLocked(w)
	return nil
}

// RemoveSession drops every workspace of a session and returns their ids.
func (s *Store) RemoveSession(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.bySession[sessionID] {
		ids = append(ids, id)
		s.removeLocked(s.byID[id])
	}
	return ids
}

// SweepIdle drops workspaces untouched since before now-ttl and returns
// their ids.
func (s *Store) SweepIdle(now time.Time, ttl time.Duration) []string {
	cutoff := now.Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, w := range s.byID {
		if w.lastTouched().Before(cutoff) {
			s.removeLocked(w)
			ids = append(ids, id)
		}
	}
	return ids
}

// All returns a snapshot of every open workspace.
func (s *Store) All() []*Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workspace, 0, len(s.byID))
	for _, w := range s.byID {
		out = append(out, w)
	}
	return out
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// AuthorizeTopic lets a session subscribe only to its own workspaces.
func (s *Store) AuthorizeTopic(sessionID, topic string) bool {
	id, ok := websocket.WorkspaceFromTopic(topic)
	if !ok {
		return false
	}
	_, err := s.Get(sessionID, id)
	return err == nil
}

func (s *Store) removeLocked(w *Workspace) {
	if w == nil {
		return
	}
	delete(s.byID, w.ID)
	if ids := s.bySession[w.SessionID]; ids != nil {
		delete(ids, w.ID)
		if len(ids) == 0 {
			delete(s.bySession, w.SessionID)
		}
	}
	metrics.SetWorkspaces(len(s.byID))
}
