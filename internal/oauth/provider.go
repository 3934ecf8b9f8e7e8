// Package oauth binds stored OAuth credential material to a single
// session. A SessionProvider reads and writes tokens, the dynamic client
// registration, the PKCE verifier, and the state nonce through the
// generic key/value surface of storage.Store, keyed per
// (identity, server, client).
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mcprelay/internal/storage"
	"mcprelay/pkg/logging"
	"mcprelay/pkg/oauth"
)

// Credential kinds in the key/value namespace.
const (
	kindTokens       = "tokens"
	kindClientInfo   = "client_info"
	kindCodeVerifier = "code_verifier"
)

// StateTTL bounds how long an authorization redirect may stay in flight.
const StateTTL = storage.PendingSessionTTL

// InvalidationScope selects which credential material to drop.
type InvalidationScope string

const (
	ScopeAll      InvalidationScope = "all"
	ScopeTokens   InvalidationScope = "tokens"
	ScopeVerifier InvalidationScope = "verifier"
	ScopeClient   InvalidationScope = "client"
)

// SessionProvider exposes the credential capability set for one session.
// Client registration and tokens are shared per (identity, server,
// client key) so every session against the same server reuses them.
type SessionProvider struct {
	store     storage.Store
	identity  string
	serverID  string
	sessionID string

	// clientKey namespaces credentials by the registering client, so a
	// renamed relay re-registers instead of presenting a stale client id.
	clientKey string
	metadata  oauth.ClientMetadata
}

// Config assembles a SessionProvider.
type Config struct {
	Store     storage.Store
	Identity  string
	ServerID  string
	SessionID string

	// ClientName is the OAuth client name used for dynamic registration
	// and as the credential namespace key.
	ClientName string

	// RedirectURI receives the authorization code.
	RedirectURI string

	// Scopes requested during authorization (optional).
	Scopes string
}

// NewSessionProvider validates cfg and builds the provider.
func NewSessionProvider(cfg Config) (*SessionProvider, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Identity == "" || cfg.ServerID == "" {
		return nil, errors.New("identity and server id are required")
	}
	if cfg.ClientName == "" {
		return nil, errors.New("client name is required")
	}
	return &SessionProvider{
		store:     cfg.Store,
		identity:  cfg.Identity,
		serverID:  cfg.ServerID,
		sessionID: cfg.SessionID,
		clientKey: cfg.ClientName,
		metadata: oauth.ClientMetadata{
			ClientName:              cfg.ClientName,
			RedirectURIs:            []string{cfg.RedirectURI},
			GrantTypes:              []string{"authorization_code", "refresh_token"},
			ResponseTypes:           []string{"code"},
			TokenEndpointAuthMethod: "none",
			Scope:                   cfg.Scopes,
		},
	}, nil
}

func (p *SessionProvider) key(kind string) string {
	return storage.CredentialKey(p.identity, p.serverID, p.clientKey, kind)
}

// ClientMetadata returns the registration request body for this client.
func (p *SessionProvider) ClientMetadata() oauth.ClientMetadata {
	return p.metadata
}

// RedirectURI returns the registered authorization redirect target.
func (p *SessionProvider) RedirectURI() string {
	if len(p.metadata.RedirectURIs) == 0 {
		return ""
	}
	return p.metadata.RedirectURIs[0]
}

// ClientInformation returns the stored registration result, or nil when
// this client has not registered with the server yet.
func (p *SessionProvider) ClientInformation(ctx context.Context) (*oauth.ClientInformation, error) {
	data, err := p.store.Get(ctx, p.key(kindClientInfo))
	if err != nil {
		return nil, fmt.Errorf("failed to load client information: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var info oauth.ClientInformation
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse stored client information: %w", err)
	}
	return &info, nil
}

// SaveClientInformation persists a registration result.
func (p *SessionProvider) SaveClientInformation(ctx context.Context, info *oauth.ClientInformation) error {
	if info == nil || info.ClientID == "" {
		return errors.New("client information missing client_id")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal client information: %w", err)
	}
	return p.store.Set(ctx, p.key(kindClientInfo), data, 0)
}

// Tokens returns the stored token set, or nil when none exists.
func (p *SessionProvider) Tokens(ctx context.Context) (*oauth.Token, error) {
	data, err := p.store.Get(ctx, p.key(kindTokens))
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var token oauth.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to parse stored tokens: %w", err)
	}
	return &token, nil
}

// SaveTokens persists a token set. Relative lifetimes are converted to
// an absolute expiry before the write so restarts cannot resurrect an
// expired token.
func (p *SessionProvider) SaveTokens(ctx context.Context, token *oauth.Token) error {
	if token == nil || token.AccessToken == "" {
		return errors.New("token missing access_token")
	}
	token.SetExpiresAtFromExpiresIn()
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	return p.store.Set(ctx, p.key(kindTokens), data, 0)
}

// CodeVerifier returns the PKCE verifier for the in-flight flow, or ""
// when no flow is pending.
func (p *SessionProvider) CodeVerifier(ctx context.Context) (string, error) {
	data, err := p.store.Get(ctx, p.key(kindCodeVerifier))
	if err != nil {
		return "", fmt.Errorf("failed to load code verifier: %w", err)
	}
	return string(data), nil
}

// SaveCodeVerifier stores the PKCE verifier for an authorization flow.
// The first save wins: a concurrent second attempt for the same flow
// must not rotate the verifier out from under the pending redirect.
func (p *SessionProvider) SaveCodeVerifier(ctx context.Context, verifier string) error {
	if verifier == "" {
		return errors.New("code verifier is empty")
	}
	written, err := p.store.SetIfAbsent(ctx, p.key(kindCodeVerifier), []byte(verifier), StateTTL)
	if err != nil {
		return fmt.Errorf("failed to save code verifier: %w", err)
	}
	if !written {
		logging.Debug("OAuthProvider", "Code verifier already present for %s/%s, keeping existing", p.identity, p.serverID)
	}
	return nil
}

// DeleteCodeVerifier removes the verifier once the flow completed or was
// abandoned.
func (p *SessionProvider) DeleteCodeVerifier(ctx context.Context) error {
	return p.store.Delete(ctx, p.key(kindCodeVerifier))
}

// State generates and stores a fresh single-use state nonce.
func (p *SessionProvider) State(ctx context.Context) (string, error) {
	nonce, err := oauth.GenerateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	key := storage.StateKey(p.identity, p.serverID, nonce)
	if err := p.store.Set(ctx, key, []byte(p.sessionID), StateTTL); err != nil {
		return "", fmt.Errorf("failed to store state: %w", err)
	}
	return nonce, nil
}

// ValidateState consumes a state nonce. A nonce validates exactly once;
// replays and unknown nonces fail.
func (p *SessionProvider) ValidateState(ctx context.Context, nonce string) error {
	if nonce == "" {
		return errors.New("state parameter is empty")
	}
	key := storage.StateKey(p.identity, p.serverID, nonce)
	data, err := p.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if data == nil {
		return fmt.Errorf("unknown or expired state %q", nonce)
	}
	return p.store.Delete(ctx, key)
}

// InvalidateCredentials drops stored credential material by scope.
func (p *SessionProvider) InvalidateCredentials(ctx context.Context, scope InvalidationScope) error {
	var keys []string
	switch scope {
	case ScopeAll:
		keys = []string{p.key(kindTokens), p.key(kindCodeVerifier), p.key(kindClientInfo)}
	case ScopeTokens:
		keys = []string{p.key(kindTokens)}
	case ScopeVerifier:
		keys = []string{p.key(kindCodeVerifier)}
	case ScopeClient:
		keys = []string{p.key(kindClientInfo)}
	default:
		return fmt.Errorf("unknown invalidation scope %q", scope)
	}
	for _, key := range keys {
		if err := p.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to invalidate %s: %w", key, err)
		}
	}
	logging.Debug("OAuthProvider", "Invalidated %s credentials for %s/%s", scope, p.identity, p.serverID)
	return nil
}
