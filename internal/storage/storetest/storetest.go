// Package storetest runs the storage.Store contract against any backend.
// Each backend's test package wires its constructor into Run so the
// write-discipline and TTL invariants are checked once, uniformly.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcprelay/internal/storage"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

func record(identity, sessionID string) *storage.SessionRecord {
	return &storage.SessionRecord{
		SessionID:   sessionID,
		Identity:    identity,
		ServerID:    "srv-1",
		ServerName:  "Weather",
		ServerURL:   "https://weather.example/mcp",
		CallbackURL: "https://app.example/cb",
		Transport:   storage.TransportStreamableHTTP,
		CreatedAt:   time.Now().UTC(),
	}
}

// Run executes the full contract suite.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateThenGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		rec := record("alice", "sess-1")
		require.NoError(t, s.CreateSession(ctx, rec, 0))

		got, err := s.GetSession(ctx, "alice", "sess-1")
		require.NoError(t, err)
		assert.Equal(t, rec.ServerID, got.ServerID)
		assert.Equal(t, rec.ServerURL, got.ServerURL)
		assert.Equal(t, rec.Transport, got.Transport)
	})

	t.Run("CreateDuplicateFails", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.CreateSession(ctx, record("alice", "sess-1"), 0))
		err := s.CreateSession(ctx, record("alice", "sess-1"), 0)
		assert.ErrorIs(t, err, storage.ErrSessionExists)

		// Same session id under another identity is a separate record.
		assert.NoError(t, s.CreateSession(ctx, record("bob", "sess-1"), 0))
	})

	t.Run("UpdateMissingFails", func(t *testing.T) {
		s := factory(t)
		err := s.UpdateSession(context.Background(), record("alice", "never-created"), 0)
		assert.ErrorIs(t, err, storage.ErrSessionNotFound)
	})

	t.Run("UpdateReplacesRecord", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		rec := record("alice", "sess-1")
		require.NoError(t, s.CreateSession(ctx, rec, 0))

		rec.Transport = storage.TransportSSE
		require.NoError(t, s.UpdateSession(ctx, rec, 0))

		got, err := s.GetSession(ctx, "alice", "sess-1")
		require.NoError(t, err)
		assert.Equal(t, storage.TransportSSE, got.Transport)
	})

	t.Run("DeleteSession", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.CreateSession(ctx, record("alice", "sess-1"), 0))
		require.NoError(t, s.DeleteSession(ctx, "alice", "sess-1"))

		_, err := s.GetSession(ctx, "alice", "sess-1")
		assert.ErrorIs(t, err, storage.ErrSessionNotFound)

		// Deleting again is not an error.
		assert.NoError(t, s.DeleteSession(ctx, "alice", "sess-1"))
	})

	t.Run("ListSessionsPerIdentity", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.CreateSession(ctx, record("alice", "sess-1"), 0))
		require.NoError(t, s.CreateSession(ctx, record("alice", "sess-2"), 0))
		require.NoError(t, s.CreateSession(ctx, record("bob", "sess-3"), 0))

		records, err := s.ListSessions(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, records, 2)

		ids := map[string]bool{}
		for _, r := range records {
			ids[r.SessionID] = true
		}
		assert.True(t, ids["sess-1"])
		assert.True(t, ids["sess-2"])

		records, err = s.ListSessions(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("SessionTTLExpiry", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.CreateSession(ctx, record("alice", "sess-1"), time.Second))
		time.Sleep(1100 * time.Millisecond)

		_, err := s.GetSession(ctx, "alice", "sess-1")
		assert.ErrorIs(t, err, storage.ErrSessionNotFound)

		// An expired record no longer blocks re-creation.
		assert.NoError(t, s.CreateSession(ctx, record("alice", "sess-1"), 0))
	})

	t.Run("KVRoundTrip", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		key := storage.CredentialKey("alice", "srv-1", "client-1", "tokens")
		require.NoError(t, s.Set(ctx, key, []byte(`{"access_token":"at"}`), 0))

		value, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"access_token":"at"}`), value)

		require.NoError(t, s.Delete(ctx, key))
		value, err = s.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("KVMissingIsNil", func(t *testing.T) {
		s := factory(t)
		value, err := s.Get(context.Background(), "cred:absent")
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("SetIfAbsentFirstWriteWins", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		key := storage.CredentialKey("alice", "srv-1", "client-1", "code_verifier")
		written, err := s.SetIfAbsent(ctx, key, []byte("first"), 0)
		require.NoError(t, err)
		assert.True(t, written)

		written, err = s.SetIfAbsent(ctx, key, []byte("second"), 0)
		require.NoError(t, err)
		assert.False(t, written)

		value, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), value)

		// After an explicit delete the next save wins again.
		require.NoError(t, s.Delete(ctx, key))
		written, err = s.SetIfAbsent(ctx, key, []byte("third"), 0)
		require.NoError(t, err)
		assert.True(t, written)
	})

	t.Run("KVTTLExpiry", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "state:alice:srv-1:n1", []byte("1"), time.Second))
		time.Sleep(1100 * time.Millisecond)

		value, err := s.Get(ctx, "state:alice:srv-1:n1")
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("ValidateRejectsBadRecords", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		err := s.CreateSession(ctx, &storage.SessionRecord{Identity: "alice"}, 0)
		require.Error(t, err)
		assert.False(t, errors.Is(err, storage.ErrSessionExists))

		err = s.CreateSession(ctx, &storage.SessionRecord{
			Identity:  "alice",
			SessionID: "sess-1",
			Transport: storage.TransportKind("carrier-pigeon"),
		}, 0)
		require.Error(t, err)
	})
}
