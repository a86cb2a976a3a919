package stream

import "sort"

// Store is the persistence abstraction for the session registry.
// Implementations are not required to be safe for concurrent use; the
// Manager serializes access.
type Store interface {
	GetSession(key string) (*Session, bool)
	SetSession(s *Session)
	DeleteSession(key string)
	ListSessions() []*Session
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	sessions map[string]*Session
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
	}
}

// GetSession implements Store.GetSession.
func (s *InMemoryStore) GetSession(key string) (*Session, bool) {
	sess, ok := s.sessions[key]
	return sess, ok
}

// SetSession implements Store.SetSession.
func (s *InMemoryStore) SetSession(sess *Session) {
	s.sessions[sess.Key] = sess
}

// DeleteSession implements Store.DeleteSession.
func (s *InMemoryStore) DeleteSession(key string) {
	delete(s.sessions, key)
}

// ListSessions implements Store.ListSessions, oldest first.
func (s *InMemoryStore) ListSessions() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}
