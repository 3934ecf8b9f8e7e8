// Package file provides a file-backed storage backend: the full store is
// held in memory and mirrored to a single JSON snapshot on every
// mutation. Writes go through a temp-file rename so a crash never leaves
// a torn snapshot. An fsnotify watcher reloads the snapshot when another
// process replaces the file, so several local processes can share one
// store with last-writer-wins semantics.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mcprelay/internal/storage"
	"mcprelay/pkg/logging"
)

// snapshotVersion guards against loading snapshots written by an
// incompatible layout.
const snapshotVersion = 1

type persistedEntry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (e *persistedEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

type persistedSession struct {
	Record    *storage.SessionRecord `json:"record"`
	ExpiresAt time.Time              `json:"expiresAt,omitempty"`
}

func (e *persistedSession) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

type snapshot struct {
	Version  int                                     `json:"version"`
	Sessions map[string]map[string]*persistedSession `json:"sessions"`
	KV       map[string]*persistedEntry              `json:"kv"`
}

// Store implements storage.Store on a JSON snapshot file.
type Store struct {
	path string

	mu       sync.Mutex
	sessions map[string]map[string]*persistedSession
	kv       map[string]*persistedEntry

	// selfWrites counts saves still pending in the watcher queue so the
	// store does not reload its own snapshot writes.
	selfWrites int

	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  bool
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the snapshot at path and starts the change
// watcher. The parent directory is created if needed.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	s := &Store{
		path:     path,
		sessions: make(map[string]map[string]*persistedSession),
		kv:       make(map[string]*persistedEntry),
		done:     make(chan struct{}),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot watcher: %w", err)
	}
	// Watch the directory: renames replace the file inode, which would
	// silently detach a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch snapshot directory: %w", err)
	}
	s.watcher = watcher
	go s.watchLoop()

	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot %s: %w", s.path, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d in %s", snap.Version, s.path)
	}

	if snap.Sessions != nil {
		s.sessions = snap.Sessions
	}
	if snap.KV != nil {
		s.kv = snap.KV
	}
	return nil
}

// save writes the snapshot atomically. Caller must hold s.mu.
func (s *Store) save() error {
	snap := snapshot{
		Version:  snapshotVersion,
		Sessions: s.sessions,
		KV:       s.kv,
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	s.selfWrites++
	if err := os.Rename(tmp, s.path); err != nil {
		s.selfWrites--
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// watchLoop reloads the snapshot when another process replaces it.
func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			s.mu.Lock()
			if s.selfWrites > 0 {
				s.selfWrites--
				s.mu.Unlock()
				continue
			}
			if err := s.load(); err != nil {
				logging.Warn("FileStore", "Failed to reload snapshot after external change: %v", err)
			} else {
				logging.Debug("FileStore", "Reloaded snapshot after external change")
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("FileStore", "Snapshot watcher error: %v", err)
		}
	}
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// CreateSession persists a new record, failing on a live duplicate.
func (s *Store) CreateSession(ctx context.Context, record *storage.SessionRecord, ttl time.Duration) error {
	if err := record.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.sessions[record.Identity]
	if !ok {
		byID = make(map[string]*persistedSession)
		s.sessions[record.Identity] = byID
	}
	if existing, ok := byID[record.SessionID]; ok && !existing.expired(time.Now()) {
		return storage.ErrSessionExists
	}

	byID[record.SessionID] = &persistedSession{
		Record:    record.Clone(),
		ExpiresAt: deadline(ttl),
	}
	return s.save()
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

	byID[record.SessionID] = &persistedSession{
		Record:    record.Clone(),
		ExpiresAt: deadline(ttl),
	}
	return s.save()
}

// GetSession returns a copy of the record or storage.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, identity, sessionID string) (*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.sessions[identity]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	e, ok := byID[sessionID]
	if !ok || e.expired(time.Now()) {
		return nil, storage.ErrSessionNotFound
	}
	return e.Record.Clone(), nil
}

// DeleteSession removes the record; absent records are not an error.
func (s *Store) DeleteSession(ctx context.Context, identity, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.sessions[identity]
	if !ok {
		return nil
	}
	if _, ok := byID[sessionID]; !ok {
		return nil
	}
	delete(byID, sessionID)
	if len(byID) == 0 {
		delete(s.sessions, identity)
	}
	return s.save()
}

// ListSessions returns all live records for an identity.
func (s *Store) ListSessions(ctx context.Context, identity string) ([]*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		records = append(records, e.Record.Clone())
	}
	return records, nil
}

// Get retrieves a live value; nil when absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.kv[key]
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}
	value := make([]byte, len(e.Value))
	copy(value, e.Value)
	return value, nil
}

// Set stores a value with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.kv[key] = &persistedEntry{Value: stored, ExpiresAt: deadline(ttl)}
	return s.save()
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
	s.kv[key] = &persistedEntry{Value: stored, ExpiresAt: deadline(ttl)}
	if err := s.save(); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.kv[key]; !ok {
		return nil
	}
	delete(s.kv, key)
	return s.save()
}

// CleanupExpiredSessions sweeps expired entries and persists the result.
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

	if removed == 0 {
		return 0, nil
	}
	if err := s.save(); err != nil {
		return removed, err
	}
	logging.Debug("FileStore", "Swept %d expired entries", removed)
	return removed, nil
}

// Close stops the watcher. The snapshot on disk stays behind.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.watcher.Close()
}
