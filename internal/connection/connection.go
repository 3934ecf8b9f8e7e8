// Package connection manages the lifecycle of one authenticated
// connection between an identity and a remote MCP server: transport
// negotiation, OAuth demand handling, capability discovery, and the
// remote tool/prompt/resource operations.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"mcprelay/internal/events"
	intoauth "mcprelay/internal/oauth"
	"mcprelay/internal/storage"
	"mcprelay/pkg/logging"
	"mcprelay/pkg/oauth"
)

// transportPreference is tried in order when no kind is pinned. An
// authentication demand on one kind is final and never triggers the next.
var transportPreference = []storage.TransportKind{
	storage.TransportStreamableHTTP,
	storage.TransportSSE,
}

// StateChange is the payload of a state_changed event.
type StateChange struct {
	Previous State  `json:"previous"`
	New      State  `json:"new"`
	ServerID string `json:"serverId"`
}

// AuthRequired is the payload of an auth_required event.
type AuthRequired struct {
	ServerID         string `json:"serverId"`
	AuthorizationURL string `json:"authorizationUrl"`
}

// ToolsDiscovered is the payload of a tools_discovered event.
type ToolsDiscovered struct {
	ServerID string     `json:"serverId"`
	Tools    []mcp.Tool `json:"tools"`
}

// ToolCalled is the payload of a tool_called observability event.
type ToolCalled struct {
	ServerID string                 `json:"serverId"`
	Tool     string                 `json:"tool"`
	Args     map[string]interface{} `json:"args,omitempty"`
	Success  bool                   `json:"success"`
	Error    string                 `json:"error,omitempty"`
}

// Config assembles a Connection.
type Config struct {
	Store storage.Store
	Bus   *events.Bus

	// OAuth performs metadata discovery, registration, and token
	// exchanges. Shared across connections for its metadata cache.
	OAuth *oauth.Client

	Identity  string
	SessionID string

	// ClientName and Scopes parameterize dynamic client registration.
	ClientName string
	Scopes     string

	// Record optionally seeds connection metadata; anything missing is
	// loaded from the store.
	Record *storage.SessionRecord
}

// Connection is one live authenticated connection. All exported methods
// are safe for concurrent use.
type Connection struct {
	store      storage.Store
	bus        *events.Bus
	oauth      *oauth.Client
	identity   string
	sessionID  string
	clientName string
	scopes     string

	mu       sync.Mutex
	state    State
	record   *storage.SessionRecord
	provider *intoauth.SessionProvider
	client   MCPClient

	// newClient is swappable in tests.
	newClient clientFactory
}

// New creates a Connection in the DISCONNECTED state.
func New(cfg Config) (*Connection, error) {
	if cfg.Store == nil || cfg.Bus == nil || cfg.OAuth == nil {
		return nil, errors.New("store, bus, and oauth client are required")
	}
	if cfg.Identity == "" || cfg.SessionID == "" {
		return nil, errors.New("identity and session id are required")
	}
	if cfg.ClientName == "" {
		return nil, errors.New("client name is required")
	}
	record := cfg.Record.Clone()
	if record != nil {
		record.Identity = cfg.Identity
		record.SessionID = cfg.SessionID
	}
	return &Connection{
		store:      cfg.Store,
		bus:        cfg.Bus,
		oauth:      cfg.OAuth,
		identity:   cfg.Identity,
		sessionID:  cfg.SessionID,
		clientName: cfg.ClientName,
		scopes:     cfg.Scopes,
		state:      StateDisconnected,
		record:     record,
		newClient:  newRemoteClient,
	}, nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session id this connection serves.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// Record returns a copy of the current session record, or nil before
// metadata has been loaded.
func (c *Connection) Record() *storage.SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Clone()
}

// setStateLocked transitions the state machine and publishes the
// state_changed event. Caller must hold c.mu.
func (c *Connection) setStateLocked(next State) {
	if c.state == next {
		return
	}
	previous := c.state
	c.state = next

	serverID := ""
	if c.record != nil {
		serverID = c.record.ServerID
	}
	logging.Debug("Connection", "Session %s: %s -> %s", logging.TruncateSessionID(c.sessionID), previous, next)
	c.bus.Publish(events.Event{
		Category:  events.CategoryConnection,
		Type:      events.TypeStateChanged,
		Identity:  c.identity,
		SessionID: c.sessionID,
		Payload:   StateChange{Previous: previous, New: next, ServerID: serverID},
	})
}

// ensureRecordLocked loads missing connection metadata from the store.
func (c *Connection) ensureRecordLocked(ctx context.Context) error {
	if c.record.Complete() {
		return nil
	}

	stored, err := c.store.GetSession(ctx, c.identity, c.sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) && c.record != nil {
			// Caller-supplied metadata only; nothing persisted yet.
			if c.record.Complete() {
				return nil
			}
			return &ValidationError{Reason: fmt.Sprintf("session %s has incomplete metadata", c.sessionID)}
		}
		return &ValidationError{Reason: "failed to load session record", Err: err}
	}

	if c.record == nil {
		c.record = stored
	} else {
		// Caller-supplied fields win over the stored snapshot.
		if c.record.ServerID == "" {
			c.record.ServerID = stored.ServerID
		}
		if c.record.ServerName == "" {
			c.record.ServerName = stored.ServerName
		}
		if c.record.ServerURL == "" {
			c.record.ServerURL = stored.ServerURL
		}
		if c.record.CallbackURL == "" {
			c.record.CallbackURL = stored.CallbackURL
		}
		if c.record.Transport == "" {
			c.record.Transport = stored.Transport
		}
		if c.record.Headers == nil {
			c.record.Headers = stored.Headers
		}
		if c.record.CreatedAt.IsZero() {
			c.record.CreatedAt = stored.CreatedAt
		}
	}

	if !c.record.Complete() {
		return &ValidationError{Reason: fmt.Sprintf("session %s has incomplete metadata", c.sessionID)}
	}
	return nil
}

func (c *Connection) ensureProviderLocked() error {
	if c.provider != nil {
		return nil
	}
	provider, err := intoauth.NewSessionProvider(intoauth.Config{
		Store:       c.store,
		Identity:    c.identity,
		ServerID:    c.record.ServerID,
		SessionID:   c.sessionID,
		ClientName:  c.clientName,
		RedirectURI: c.record.CallbackURL,
		Scopes:      c.scopes,
	})
	if err != nil {
		return err
	}
	c.provider = provider
	return nil
}

// persistRecordLocked writes the current record, creating it when it
// does not exist yet.
func (c *Connection) persistRecordLocked(ctx context.Context, ttl time.Duration) error {
	err := c.store.UpdateSession(ctx, c.record, ttl)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return c.store.CreateSession(ctx, c.record, ttl)
	}
	return err
}

// Connect establishes the connection. Idempotent while live.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx, StateInitializing)
}

// Restore re-establishes a previously persisted session, entering
// VALIDATING while the stored metadata and credentials are checked.
func (c *Connection) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx, StateValidating)
}

func (c *Connection) connectLocked(ctx context.Context, entry State) error {
	if c.state.Live() && c.client != nil {
		return nil
	}

	c.setStateLocked(entry)

	if err := c.ensureRecordLocked(ctx); err != nil {
		c.setStateLocked(StateFailed)
		return err
	}
	if err := c.ensureProviderLocked(); err != nil {
		c.setStateLocked(StateFailed)
		return err
	}

	tokens, err := c.provider.Tokens(ctx)
	if err != nil {
		logging.Warn("Connection", "Failed to load tokens for session %s: %v", logging.TruncateSessionID(c.sessionID), err)
		tokens = nil
	}
	if tokens != nil && tokens.IsExpiredWithMargin(oauth.TokenRefreshThreshold) && tokens.RefreshToken != "" {
		// Refresh failure is non-fatal: the connect attempt proceeds and
		// falls through to a full authorization redirect on 401.
		if c.refreshTokensLocked(ctx) {
			if refreshed, err := c.provider.Tokens(ctx); err == nil && refreshed != nil {
				tokens = refreshed
			}
		} else {
			logging.Debug("Connection", "Token refresh failed for session %s, continuing without", logging.TruncateSessionID(c.sessionID))
		}
	}

	order := transportPreference
	if c.record.Transport != "" {
		order = []storage.TransportKind{c.record.Transport}
	}

	c.setStateLocked(StateConnecting)

	headers := c.buildHeadersLocked()
	var oauthCfg *transport.OAuthConfig
	if tokens != nil && tokens.AccessToken != "" {
		oauthCfg = c.transportOAuthConfigLocked(ctx)
	}
	var lastErr error
	for _, kind := range order {
		cl := c.newClient(kind, c.record.ServerURL, headers, oauthCfg)
		err := cl.Initialize(ctx)
		if err == nil {
			c.client = cl
			c.setStateLocked(StateConnected)
			if err := c.pinTransportLocked(ctx, kind); err != nil {
				logging.Warn("Connection", "Failed to persist transport pin for session %s: %v", logging.TruncateSessionID(c.sessionID), err)
			}
			return nil
		}

		if isAuthRequired(err) {
			return c.handleAuthRequiredLocked(ctx, err)
		}
		if isTimeout(err) {
			lastErr = &TimeoutError{Op: "connect", Err: err}
		} else {
			lastErr = &ConnectError{Transport: string(kind), Err: err}
		}
		logging.Debug("Connection", "Transport %s failed for session %s: %v", kind, logging.TruncateSessionID(c.sessionID), err)
	}

	c.setStateLocked(StateFailed)
	return lastErr
}

// pinTransportLocked persists the winning transport kind, writing only
// when it differs from what was last saved.
func (c *Connection) pinTransportLocked(ctx context.Context, kind storage.TransportKind) error {
	stored, err := c.store.GetSession(ctx, c.identity, c.sessionID)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return err
	}
	c.record.Transport = kind
	if stored != nil && stored.Transport == kind {
		return nil
	}
	return c.persistRecordLocked(ctx, storage.ConnectedSessionTTL)
}

// handleAuthRequiredLocked persists a short-TTL pending record, emits
// auth_required, and surfaces the control-flow signal.
func (c *Connection) handleAuthRequiredLocked(ctx context.Context, cause error) error {
	c.setStateLocked(StateAuthenticating)

	authURL := c.buildAuthorizationURLLocked(ctx)

	if err := c.persistRecordLocked(ctx, storage.PendingSessionTTL); err != nil {
		logging.Warn("Connection", "Failed to persist pending session %s: %v", logging.TruncateSessionID(c.sessionID), err)
	}

	c.bus.Publish(events.Event{
		Category:  events.CategoryConnection,
		Type:      events.TypeAuthRequired,
		Identity:  c.identity,
		SessionID: c.sessionID,
		Payload:   AuthRequired{ServerID: c.record.ServerID, AuthorizationURL: authURL},
	})

	return &AuthRequiredError{
		ServerURL:        c.record.ServerURL,
		AuthorizationURL: authURL,
		Err:              cause,
	}
}

// buildAuthorizationURLLocked assembles the redirect URL, registering
// the client on first contact. Best effort: any gap yields "".
func (c *Connection) buildAuthorizationURLLocked(ctx context.Context) string {
	metadata, err := c.discoverServerMetadataLocked(ctx)
	if err != nil {
		logging.Debug("Connection", "Authorization server discovery failed for %s: %v", c.record.ServerURL, err)
		return ""
	}

	info, err := c.ensureClientRegisteredLocked(ctx, metadata)
	if err != nil {
		logging.Debug("Connection", "Client registration failed for %s: %v", c.record.ServerURL, err)
		return ""
	}

	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return ""
	}
	if err := c.provider.SaveCodeVerifier(ctx, pkce.CodeVerifier); err != nil {
		logging.Debug("Connection", "Failed to save code verifier: %v", err)
		return ""
	}
	// The first saved verifier wins; rebuild the challenge from whatever
	// is actually stored so the redirect and the token exchange agree.
	verifier, err := c.provider.CodeVerifier(ctx)
	if err != nil || verifier == "" {
		return ""
	}
	pkce = oauth.ChallengeFromVerifier(verifier)

	nonce, err := c.provider.State(ctx)
	if err != nil {
		return ""
	}

	authURL, err := c.oauth.BuildAuthorizationURL(metadata.AuthorizationEndpoint, info.ClientID, c.provider.RedirectURI(), nonce, c.scopes, pkce)
	if err != nil {
		return ""
	}
	return authURL
}

// discoverServerMetadataLocked resolves the remote's authorization
// server metadata. The 401 challenge is consulted first: its
// resource_metadata parameter or realm name the issuer directly
// (RFC 9728). Without a usable challenge, discovery falls back to the
// well-known protected resource path and finally to treating the server
// itself as the issuer.
func (c *Connection) discoverServerMetadataLocked(ctx context.Context) (*oauth.Metadata, error) {
	challenge, err := c.oauth.DiscoverChallenge(ctx, c.record.ServerURL)
	if err != nil {
		logging.Debug("Connection", "Challenge probe failed for %s: %v", c.record.ServerURL, err)
		challenge = nil
	}
	if challenge.IsOAuthChallenge() {
		if challenge.ResourceMetadataURL != "" {
			if prm, err := c.oauth.FetchProtectedResource(ctx, challenge.ResourceMetadataURL); err == nil {
				if server := prm.AuthorizationServer(); server != "" {
					return c.oauth.DiscoverMetadata(ctx, server)
				}
			} else {
				logging.Debug("Connection", "Challenge resource metadata fetch failed for %s: %v", c.record.ServerURL, err)
			}
		}
		if issuer := challenge.GetIssuer(); issuer != "" {
			return c.oauth.DiscoverMetadata(ctx, issuer)
		}
	}

	issuer := oauth.NormalizeServerURL(c.record.ServerURL)
	if prm, err := c.oauth.DiscoverProtectedResource(ctx, c.record.ServerURL); err == nil {
		if server := prm.AuthorizationServer(); server != "" {
			issuer = server
		}
	}
	return c.oauth.DiscoverMetadata(ctx, issuer)
}

// ensureClientRegisteredLocked returns the stored registration or
// performs dynamic registration.
func (c *Connection) ensureClientRegisteredLocked(ctx context.Context, metadata *oauth.Metadata) (*oauth.ClientInformation, error) {
	info, err := c.provider.ClientInformation(ctx)
	if err != nil {
		return nil, err
	}
	if info != nil {
		return info, nil
	}

	clientMeta := c.provider.ClientMetadata()
	info, err = c.oauth.Register(ctx, metadata.RegistrationEndpoint, &clientMeta)
	if err != nil {
		return nil, err
	}
	if err := c.provider.SaveClientInformation(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

// FinishAuth exchanges the single-use authorization code for tokens and
// performs a fresh connect. A non-empty state is the nonce from the
// authorization redirect and is consumed exactly once; a replayed or
// unknown nonce aborts the exchange. The session is persisted with the
// long TTL once connected.
func (c *Connection) FinishAuth(ctx context.Context, code, state string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if code == "" {
		return &AuthError{Op: "exchange", Err: errors.New("authorization code is empty")}
	}

	if err := c.ensureRecordLocked(ctx); err != nil {
		return err
	}
	if err := c.ensureProviderLocked(); err != nil {
		return err
	}

	if state != "" {
		if err := c.provider.ValidateState(ctx, state); err != nil {
			return &AuthError{Op: "state", Err: err}
		}
	}

	c.setStateLocked(StateAuthenticating)

	metadata, err := c.discoverServerMetadataLocked(ctx)
	if err != nil {
		c.setStateLocked(StateFailed)
		return &AuthError{Op: "discovery", Err: err}
	}

	info, err := c.provider.ClientInformation(ctx)
	if err != nil {
		c.setStateLocked(StateFailed)
		return &AuthError{Op: "exchange", Err: err}
	}
	if info == nil {
		c.setStateLocked(StateFailed)
		return &AuthError{Op: "exchange", Err: errors.New("no client registration for pending flow")}
	}

	verifier, err := c.provider.CodeVerifier(ctx)
	if err != nil {
		c.setStateLocked(StateFailed)
		return &AuthError{Op: "exchange", Err: err}
	}

	token, err := c.oauth.ExchangeCode(ctx, metadata.TokenEndpoint, code, c.provider.RedirectURI(), info.ClientID, info.ClientSecret, verifier)
	if err != nil {
		c.setStateLocked(StateFailed)
		return &AuthError{Op: "exchange", Err: err}
	}

	if err := c.provider.SaveTokens(ctx, token); err != nil {
		c.setStateLocked(StateFailed)
		return &AuthError{Op: "exchange", Err: err}
	}
	if err := c.provider.DeleteCodeVerifier(ctx); err != nil {
		logging.Warn("Connection", "Failed to delete code verifier for session %s: %v", logging.TruncateSessionID(c.sessionID), err)
	}

	c.setStateLocked(StateAuthenticated)

	if err := c.connectLocked(ctx, StateInitializing); err != nil {
		return err
	}

	return c.persistRecordLocked(ctx, storage.ConnectedSessionTTL)
}

// RefreshTokens exchanges the stored refresh token for a new token set.
// Returns false instead of an error so callers can fall back to a full
// re-authorization flow.
func (c *Connection) RefreshTokens(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureRecordLocked(ctx); err != nil {
		return false
	}
	if err := c.ensureProviderLocked(); err != nil {
		return false
	}
	return c.refreshTokensLocked(ctx)
}

func (c *Connection) refreshTokensLocked(ctx context.Context) bool {
	tokens, err := c.provider.Tokens(ctx)
	if err != nil || tokens == nil || tokens.RefreshToken == "" {
		return false
	}

	metadata, err := c.discoverServerMetadataLocked(ctx)
	if err != nil {
		logging.Debug("Connection", "Refresh discovery failed for %s: %v", c.record.ServerURL, err)
		return false
	}

	info, err := c.provider.ClientInformation(ctx)
	if err != nil || info == nil {
		return false
	}

	refreshed, err := c.oauth.RefreshToken(ctx, metadata.TokenEndpoint, tokens.RefreshToken, info.ClientID, info.ClientSecret)
	if err != nil {
		logging.Debug("Connection", "Token refresh failed for %s: %v", c.record.ServerURL, err)
		return false
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}

	if err := c.provider.SaveTokens(ctx, refreshed); err != nil {
		logging.Warn("Connection", "Failed to persist refreshed tokens: %v", err)
		return false
	}
	return true
}

func (c *Connection) buildHeadersLocked() map[string]string {
	headers := make(map[string]string)
	if c.record != nil {
		for k, v := range c.record.Headers {
			headers[k] = v
		}
	}
	return headers
}

// transportOAuthConfigLocked hands the session's stored credentials to
// mcp-go's OAuth transport. The transport owns bearer injection and
// refresh-on-401; TokenStoreAdapter persists whatever it writes back.
func (c *Connection) transportOAuthConfigLocked(ctx context.Context) *transport.OAuthConfig {
	cfg := &transport.OAuthConfig{
		TokenStore:  intoauth.NewTokenStoreAdapter(c.provider),
		RedirectURI: c.provider.RedirectURI(),
		Scopes:      strings.Fields(c.scopes),
		PKCEEnabled: true,
	}
	if info, err := c.provider.ClientInformation(ctx); err == nil && info != nil {
		cfg.ClientID = info.ClientID
		cfg.ClientSecret = info.ClientSecret
	}
	return cfg
}

// ListTools lists the remote server's tools, transitioning through
// DISCOVERING and emitting tools_discovered.
func (c *Connection) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || !c.state.Live() {
		return nil, ErrNotConnected
	}

	c.setStateLocked(StateDiscovering)
	tools, err := c.client.ListTools(ctx)
	if err != nil {
		c.setStateLocked(StateConnected)
		return nil, err
	}
	c.setStateLocked(StateReady)

	c.bus.Publish(events.Event{
		Category:  events.CategoryConnection,
		Type:      events.TypeToolsDiscovered,
		Identity:  c.identity,
		SessionID: c.sessionID,
		Payload:   ToolsDiscovered{ServerID: c.record.ServerID, Tools: tools},
	})
	return tools, nil
}

// CallTool invokes a remote tool. Success and failure both produce a
// tool_called observability event; failures never change state.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || !c.state.Live() {
		return nil, ErrNotConnected
	}

	result, err := c.client.CallTool(ctx, name, args)

	payload := ToolCalled{
		ServerID: c.record.ServerID,
		Tool:     name,
		Args:     args,
		Success:  err == nil,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	c.bus.Publish(events.Event{
		Category:  events.CategoryObservability,
		Type:      events.TypeToolCalled,
		Identity:  c.identity,
		SessionID: c.sessionID,
		Payload:   payload,
	})

	return result, err
}

// ListPrompts lists the remote server's prompts.
func (c *Connection) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || !c.state.Live() {
		return nil, ErrNotConnected
	}

	c.setStateLocked(StateDiscovering)
	prompts, err := c.client.ListPrompts(ctx)
	if err != nil {
		c.setStateLocked(StateConnected)
		return nil, err
	}
	c.setStateLocked(StateReady)
	return prompts, nil
}

// GetPrompt retrieves a specific prompt.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || !c.state.Live() {
		return nil, ErrNotConnected
	}
	return c.client.GetPrompt(ctx, name, args)
}

// ListResources lists the remote server's resources.
func (c *Connection) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || !c.state.Live() {
		return nil, ErrNotConnected
	}

	c.setStateLocked(StateDiscovering)
	resources, err := c.client.ListResources(ctx)
	if err != nil {
		c.setStateLocked(StateConnected)
		return nil, err
	}
	c.setStateLocked(StateReady)
	return resources, nil
}

// ReadResource retrieves a specific resource.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || !c.state.Live() {
		return nil, ErrNotConnected
	}
	return c.client.ReadResource(ctx, uri)
}

// Disconnect tears down the in-memory client and emits disconnected.
// The durable session record is kept.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Connection) disconnectLocked() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	c.setStateLocked(StateDisconnected)

	serverID := ""
	if c.record != nil {
		serverID = c.record.ServerID
	}
	c.bus.Publish(events.Event{
		Category:  events.CategoryConnection,
		Type:      events.TypeDisconnected,
		Identity:  c.identity,
		SessionID: c.sessionID,
		Payload:   map[string]string{"serverId": serverID},
	})
	return err
}

// ClearSession disconnects, invalidates all stored credentials, and
// deletes the durable session record.
func (c *Connection) ClearSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	disconnectErr := c.disconnectLocked()

	if c.provider == nil {
		if err := c.ensureRecordLocked(ctx); err == nil {
			_ = c.ensureProviderLocked()
		}
	}
	if c.provider != nil {
		if err := c.provider.InvalidateCredentials(ctx, intoauth.ScopeAll); err != nil {
			logging.Warn("Connection", "Failed to invalidate credentials for session %s: %v", logging.TruncateSessionID(c.sessionID), err)
		}
	}

	if err := c.store.DeleteSession(ctx, c.identity, c.sessionID); err != nil {
		return err
	}
	return disconnectErr
}
