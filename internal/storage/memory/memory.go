// Package memory provides an in-memory storage backend. TTLs are
// advisory: entries are dropped lazily on read and by the
// CleanupExpiredSessions sweep. Intended for tests and single-process
// deployments without durability requirements.
package memory

import (
	"context"
	"sync"
	"time"

	"mcprelay/internal/storage"
	"mcprelay/pkg/logging"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store implements storage.Store with plain maps behind one mutex.
type Store struct {
	mu sync.RWMutex

	// sessions maps identity -> sessionID -> record entry.
	sessions map[string]map[string]*sessionEntry

	// kv is the generic key/value namespace.
	kv map[string]*entry
}

type sessionEntry struct {
	record    *storage.SessionRecord
	expiresAt time.Time
}

func (e *sessionEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]map[string]*sessionEntry),
		kv:       make(map[string]*entry),
	}
}

var _ storage.Store = (*Store)(nil)

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// CreateSession persists a new record, failing if a live record with the
// same (identity, session id) is already present.
func (s *Store) CreateSession(ctx context.Context, record *storage.SessionRecord, ttl time.Duration) error {
	if err := record.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.sessions[record.Identity]
	if !ok {
		byID = make(map[string]*sessionEntry)
		s.sessions[record.Identity] = byID
	}

	if existing, ok := byID[record.SessionID]; ok && !existing.expired(time.Now()) {
		return storage.ErrSessionExists
	}

	byID[record.SessionID] = &sessionEntry{
		record:    record.Clone(),
		expiresAt: deadline(ttl),
	}
	return nil
}

// UpdateSession replaces an existing live record; it never creates.
func (s *Store) UpdateSession(ctx context.Context, record *storage.SessionRecord, ttl time.Duration) error {
	if err := record.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.sessions[record.Identity]
	if !ok {
		return storage.ErrSessionNotFound
	}
	existing, ok := byID[record.SessionID]
	if !ok || existing.expired(time.Now()) {
		delete(byID, record.SessionID)
		return storage.ErrSessionNotFound
	}

	byID[record.SessionID] = &sessionEntry{
		record:    record.Clone(),
		expiresAt: deadline(ttl),
	}
	return nil
}

// GetSession returns a copy of the record or storage.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, identity, sessionID string) (*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID, ok := s.sessions[identity]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	e, ok := byID[sessionID]
	if !ok || e.expired(time.Now()) {
		return nil, storage.ErrSessionNotFound
	}
	return e.record.Clone(), nil
}

// DeleteSession removes the record; absent records are not an error.
func (s *Store) DeleteSession(ctx context.Context, identity, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byID, ok := s.sessions[identity]; ok {
		delete(byID, sessionID)
		if len(byID) == 0 {
			delete(s.sessions, identity)
		}
	}
	return nil
}

// ListSessions returns all live records for an identity.
func (s *Store) ListSessions(ctx context.Context, identity string) ([]*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID, ok := s.sessions[identity]
	if !ok {
		return nil, nil
	}

	now := time.Now()
	records := make([]*storage.SessionRecord, 0, len(byID))
	for _, e := range byID {
		if e.expired(now) {
			continue
		}
		records = append(records, e.record.Clone())
	}
	return records, nil
}

// Get retrieves a live value; nil when absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.kv[key]
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

// Set stores a value with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.kv[key] = &entry{value: stored, expiresAt: deadline(ttl)}
	return nil
}

// SetIfAbsent stores a value only when no live value exists for the key.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.kv[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.kv[key] = &entry{value: stored, expiresAt: deadline(ttl)}
	return true, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

// CleanupExpiredSessions sweeps expired session records and KV entries.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	for identity, byID := range s.sessions {
		for sessionID, e := range byID {
			if e.expired(now) {
				delete(byID, sessionID)
				removed++
			}
		}
		if len(byID) == 0 {
			delete(s.sessions, identity)
		}
	}

	for key, e := range s.kv {
		if e.expired(now) {
			delete(s.kv, key)
			removed++
		}
	}

	if removed > 0 {
		logging.Debug("MemoryStore", "Swept %d expired entries", removed)
	}
	return removed, nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error {
	return nil
}
