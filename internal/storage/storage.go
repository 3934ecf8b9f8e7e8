// Package storage defines the durable persistence contract shared by all
// backends: session records keyed by (identity, session id) plus a generic
// namespaced key/value surface for OAuth credential material.
//
// The two surfaces are deliberately independent so that credential
// lifecycle can be managed without touching connection metadata. Backends
// are interchangeable and selected at startup by configuration.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransportKind identifies the negotiated wire transport for a session.
type TransportKind string

const (
	// TransportStreamableHTTP is the modern streaming HTTP transport.
	TransportStreamableHTTP TransportKind = "streamable_http"

	// TransportSSE is the legacy server-sent-events transport.
	TransportSSE TransportKind = "sse"
)

// Valid reports whether the kind is one of the supported transports.
// An empty kind is valid and means "not yet negotiated".
func (k TransportKind) Valid() bool {
	return k == "" || k == TransportStreamableHTTP || k == TransportSSE
}

// Session TTLs. A record pending an OAuth redirect is only worth keeping
// long enough for the user to complete the flow; a fully connected record
// survives a working day.
const (
	// PendingSessionTTL bounds the lifetime of a record persisted before
	// the OAuth redirect completes.
	PendingSessionTTL = 10 * time.Minute

	// ConnectedSessionTTL bounds the lifetime of a fully connected record.
	ConnectedSessionTTL = 12 * time.Hour
)

// SessionRecord is one persisted logical connection between an identity
// and a remote server. The session id is stable across reconnects and
// process restarts; transient client state is always rebuilt from this
// record.
type SessionRecord struct {
	// SessionID is the primary key within an identity.
	SessionID string `json:"sessionId"`

	// Identity is the end-user or tenant owning the session.
	Identity string `json:"identity"`

	// ServerID identifies the remote server within the identity's set.
	ServerID string `json:"serverId"`

	// ServerName is the human-readable server name.
	ServerName string `json:"serverName"`

	// ServerURL is the remote server endpoint.
	ServerURL string `json:"serverUrl"`

	// CallbackURL is the OAuth redirect target for this session.
	CallbackURL string `json:"callbackUrl"`

	// Transport is the pinned transport kind, empty until negotiated.
	Transport TransportKind `json:"transport,omitempty"`

	// Headers are per-connection custom headers.
	Headers map[string]string `json:"headers,omitempty"`

	// CreatedAt is when the record was first persisted.
	CreatedAt time.Time `json:"createdAt"`
}

// Complete reports whether the record carries everything needed to
// re-establish the connection without caller-supplied metadata.
func (r *SessionRecord) Complete() bool {
	return r != nil && r.ServerID != "" && r.ServerURL != "" && r.CallbackURL != ""
}

// Clone returns a deep copy so callers can mutate records without
// aliasing backend-internal state.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Headers != nil {
		clone.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			clone.Headers[k] = v
		}
	}
	return &clone
}

// Validate checks the record's identifying fields before a write.
func (r *SessionRecord) Validate() error {
	if r == nil {
		return errors.New("session record is nil")
	}
	if r.Identity == "" {
		return errors.New("session record missing identity")
	}
	if r.SessionID == "" {
		return errors.New("session record missing session id")
	}
	if !r.Transport.Valid() {
		return fmt.Errorf("invalid transport kind %q", r.Transport)
	}
	return nil
}

// Write-discipline errors. Create-on-existing and update-on-missing are
// programmer errors and never silently corrected.
var (
	// ErrSessionExists is returned by CreateSession when a record with the
	// same (identity, session id) already exists.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned when a record does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// Store is the durable storage contract.
//
// CreateSession and UpdateSession distinguish first write from mutation:
// creation is an atomic compare-and-set, updates are an atomic
// read-merge-write. Get/Set/SetIfAbsent/Delete form the generic key/value
// surface used for OAuth credential material.
//
// All TTLs are advisory for backends without native expiry; such backends
// provide a best-effort CleanupExpiredSessions sweep instead.
type Store interface {
	// CreateSession persists a new session record. Fails with
	// ErrSessionExists if a record with the same (identity, session id)
	// is already present.
	CreateSession(ctx context.Context, record *SessionRecord, ttl time.Duration) error

	// UpdateSession replaces an existing record. Fails with
	// ErrSessionNotFound if the record does not exist; it never creates.
	UpdateSession(ctx context.Context, record *SessionRecord, ttl time.Duration) error

	// GetSession returns the record or ErrSessionNotFound.
	GetSession(ctx context.Context, identity, sessionID string) (*SessionRecord, error)

	// DeleteSession removes the record. Deleting an absent record is not
	// an error.
	DeleteSession(ctx context.Context, identity, sessionID string) error

	// ListSessions returns all records for an identity in no guaranteed
	// order.
	ListSessions(ctx context.Context, identity string) ([]*SessionRecord, error)

	// Get retrieves a value from the key/value surface; nil when the key
	// is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional TTL (0 = no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores a value only when the key has no live value.
	// Returns true when this call performed the write.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a key; absent keys are not an error.
	Delete(ctx context.Context, key string) error

	// CleanupExpiredSessions sweeps expired entries on backends without
	// native expiry. Returns the number of entries removed.
	CleanupExpiredSessions(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// Key layout helpers. All backends share the logical layout; backends
// may additionally prefix keys (e.g. the redis backend's configured
// prefix).

// SessionKey builds the primary key for a session record.
func SessionKey(identity, sessionID string) string {
	return fmt.Sprintf("sess:%s:%s", identity, sessionID)
}

// SessionIndexKey builds the key of the per-identity session id index.
func SessionIndexKey(identity string) string {
	return fmt.Sprintf("sessidx:%s", identity)
}

// CredentialKey builds a key in the credential namespace. Kind is one of
// "tokens", "client_info", or "code_verifier".
func CredentialKey(identity, serverID, clientKey, kind string) string {
	return fmt.Sprintf("cred:%s:%s:%s:%s", identity, serverID, clientKey, kind)
}

// StateKey builds the key of a short-lived OAuth state nonce entry.
func StateKey(identity, serverID, nonce string) string {
	return fmt.Sprintf("state:%s:%s:%s", identity, serverID, nonce)
}
