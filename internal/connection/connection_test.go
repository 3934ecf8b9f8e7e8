package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcprelay/internal/events"
	"mcprelay/internal/storage"
	"mcprelay/internal/storage/memory"
	"mcprelay/pkg/oauth"
)

type fakeClient struct {
	initErr   error
	tools     []mcp.Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource
	callErr   error
	closed    bool
}

func (f *fakeClient) Initialize(ctx context.Context) error { return f.initErr }
func (f *fakeClient) Close() error                         { f.closed = true; return nil }
func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}
func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.CallToolResult{}, nil
}
func (f *fakeClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return f.resources, nil
}
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}
func (f *fakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return f.prompts, nil
}
func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

// fakeFactory hands out per-transport fakes and records attempt order
// plus the OAuth configuration each attempt carried.
type fakeFactory struct {
	mu        sync.Mutex
	clients   map[storage.TransportKind]*fakeClient
	attempts  []storage.TransportKind
	oauthCfgs []*transport.OAuthConfig
}

func (f *fakeFactory) new(kind storage.TransportKind, url string, headers map[string]string, oauthCfg *transport.OAuthConfig) MCPClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, kind)
	f.oauthCfgs = append(f.oauthCfgs, oauthCfg)
	if c, ok := f.clients[kind]; ok {
		return c
	}
	return &fakeClient{initErr: errors.New("no fake for transport")}
}

type testFixture struct {
	store   *memory.Store
	bus     *events.Bus
	conn    *Connection
	factory *fakeFactory
	sub     *events.Subscription
}

// discoveryStub serves 404s for every well-known path so authorization
// URL discovery fails fast without real network access.
func discoveryStub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)
	return server
}

func newFixture(t *testing.T, serverURL string, factory *fakeFactory) *testFixture {
	t.Helper()

	store := memory.New()
	bus := events.NewBus()
	t.Cleanup(func() {
		bus.Close()
		_ = store.Close()
	})

	record := &storage.SessionRecord{
		SessionID:   "sess-1",
		Identity:    "alice",
		ServerID:    "srv-1",
		ServerName:  "Weather",
		ServerURL:   serverURL,
		CallbackURL: "https://app.example/cb",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateSession(context.Background(), record, 0))

	conn, err := New(Config{
		Store:      store,
		Bus:        bus,
		OAuth:      oauth.NewClient(),
		Identity:   "alice",
		SessionID:  "sess-1",
		ClientName: "mcprelay",
	})
	require.NoError(t, err)
	conn.newClient = factory.new

	return &testFixture{
		store:   store,
		bus:     bus,
		conn:    conn,
		factory: factory,
		sub:     bus.Subscribe("alice"),
	}
}

func drainEvents(sub *events.Subscription) []events.Event {
	var collected []events.Event
	for {
		select {
		case event := <-sub.C:
			collected = append(collected, event)
		default:
			return collected
		}
	}
}

func eventTypes(collected []events.Event) []string {
	types := make([]string, len(collected))
	for i, event := range collected {
		types[i] = event.Type
	}
	return types
}

func TestConnectNegotiatesTransportOrder(t *testing.T) {
	stub := discoveryStub(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {},
	}}
	f := newFixture(t, stub.URL+"/mcp", factory)

	require.NoError(t, f.conn.Connect(context.Background()))
	assert.Equal(t, StateConnected, f.conn.State())
	assert.Equal(t, []storage.TransportKind{storage.TransportStreamableHTTP}, factory.attempts)
}

func TestConnectFallsBackToLegacyTransportAndPins(t *testing.T) {
	stub := discoveryStub(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {initErr: errors.New("connection refused")},
		storage.TransportSSE:            {},
	}}
	f := newFixture(t, stub.URL+"/mcp", factory)
	ctx := context.Background()

	require.NoError(t, f.conn.Connect(ctx))

	assert.Equal(t, []storage.TransportKind{storage.TransportStreamableHTTP, storage.TransportSSE}, factory.attempts)

	stored, err := f.store.GetSession(ctx, "alice", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, storage.TransportSSE, stored.Transport, "winning transport is pinned")
}

func TestConnectUsesPinnedTransportOnly(t *testing.T) {
	stub := discoveryStub(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportSSE: {},
	}}
	f := newFixture(t, stub.URL+"/mcp", factory)
	ctx := context.Background()

	stored, err := f.store.GetSession(ctx, "alice", "sess-1")
	require.NoError(t, err)
	stored.Transport = storage.TransportSSE
	require.NoError(t, f.store.UpdateSession(ctx, stored, 0))

	require.NoError(t, f.conn.Connect(ctx))
	assert.Equal(t, []storage.TransportKind{storage.TransportSSE}, factory.attempts)
}

func TestConnectAuthRequiredShortCircuitsNegotiation(t *testing.T) {
	stub := discoveryStub(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {initErr: errors.New("request failed with status 401: Unauthorized")},
		storage.TransportSSE:            {},
	}}
	f := newFixture(t, stub.URL+"/mcp", factory)
	ctx := context.Background()

	err := f.conn.Connect(ctx)

	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, []storage.TransportKind{storage.TransportStreamableHTTP}, factory.attempts,
		"auth demand must never trigger the next transport kind")
	assert.Equal(t, StateAuthenticating, f.conn.State())

	collected := drainEvents(f.sub)
	assert.Contains(t, eventTypes(collected), events.TypeAuthRequired)

	// The pending record survives with metadata intact.
	stored, err := f.store.GetSession(ctx, "alice", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", stored.ServerID)
}

func TestConnectIdempotentWhenLive(t *testing.T) {
	stub := discoveryStub(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {},
	}}
	f := newFixture(t, stub.URL+"/mcp", factory)
	ctx := context.Background()

	require.NoError(t, f.conn.Connect(ctx))
	require.NoError(t, f.conn.Connect(ctx))
	assert.Len(t, factory.attempts, 1, "second connect is a no-op")
}

func TestConnectAllTransportsFail(t *testing.T) {
	stub := discoveryStub(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {initErr: errors.New("connection refused")},
		storage.TransportSSE:            {initErr: errors.New("connection refused")},
	}}
	f := newFixture(t, stub.URL+"/mcp", factory)

	err := f.conn.Connect(context.Background())
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StateFailed, f.conn.State())
}

func TestConnectIncompleteRecordFailsValidation(t *testing.T) {
	store := memory.New()
	bus := events.NewBus()
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, &storage.SessionRecord{
		SessionID: "sess-1",
		Identity:  "alice",
		ServerID:  "srv-1",
		CreatedAt: time.Now(),
	}, 0))

	conn, err := New(Config{
		Store:      store,
		Bus:        bus,
		OAuth:      oauth.NewClient(),
		Identity:   "alice",
		SessionID:  "sess-1",
		ClientName: "mcprelay",
	})
	require.NoError(t, err)

	err = conn.Connect(ctx)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, StateFailed, conn.State())
}

func TestListToolsEmitsDiscoveryEvent(t *testing.T) {
	stub := discoveryStub(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {tools: []mcp.Tool{{Name: "forecast"}, {Name: "alerts"}}},
	}}
	f := newFixture(t, stub.URL+"/mcp", factory)
	ctx := context.Background()

	require.NoError(t, f.conn.Connect(ctx))
	drainEvents(f.sub)

	tools, err := f.conn.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 2)
	assert.Equal(t, StateReady, f.conn.State())

	collected := drainEvents(f.sub)
	types := eventTypes(collected)
	assert.Contains(t, types, events.TypeToolsDiscovered)

	for _, event := range collected {
		if event.Type == events.TypeToolsDiscovered {
			payload := event.Payload.(ToolsDiscovered)
			assert.Equal(t, "srv-1", payload.ServerID)
			assert.Len(t, payload.Tools, 2)
		}
	}
}

func TestListToolsRequiresLiveClient(t *testing.T) {
	stub := discoveryStub(t)
	f := newFixture(t, stub.URL+"/mcp", &fakeFactory{})

	_, err := f.conn.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCallToolEmitsObservabilityOnSuccessAndFailure(t *testing.T) {
	stub := discoveryStub(t)
	fake := &fakeClient{}
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: fake,
	}}
	f := newFixture(t, stub.URL+"/mcp", factory)
	ctx := context.Background()

	require.NoError(t, f.conn.Connect(ctx))
	drainEvents(f.sub)

	_, err := f.conn.CallTool(ctx, "forecast", map[string]interface{}{"city": "Berlin"})
	require.NoError(t, err)

	fake.callErr = errors.New("tool exploded")
	_, err = f.conn.CallTool(ctx, "forecast", nil)
	require.Error(t, err)

	var calls []ToolCalled
	for _, event := range drainEvents(f.sub) {
		if event.Type == events.TypeToolCalled {
			calls = append(calls, event.Payload.(ToolCalled))
		}
	}
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Success)
	assert.Equal(t, "forecast", calls[0].Tool)
	assert.False(t, calls[1].Success)
	assert.Contains(t, calls[1].Error, "tool exploded")

	// Tool failures never change connection state.
	assert.Equal(t, StateConnected, f.conn.State())
}

func TestDisconnectKeepsRecordClearSessionRemovesIt(t *testing.T) {
	stub := discoveryStub(t)
	fake := &fakeClient{}
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: fake,
	}}
	f := newFixture(t, stub.URL+"/mcp", factory)
	ctx := context.Background()

	require.NoError(t, f.conn.Connect(ctx))
	require.NoError(t, f.conn.Disconnect())
	assert.True(t, fake.closed)
	assert.Equal(t, StateDisconnected, f.conn.State())

	_, err := f.store.GetSession(ctx, "alice", "sess-1")
	require.NoError(t, err, "disconnect keeps the durable record")

	collected := drainEvents(f.sub)
	assert.Contains(t, eventTypes(collected), events.TypeDisconnected)

	require.NoError(t, f.conn.ClearSession(ctx))
	_, err = f.store.GetSession(ctx, "alice", "sess-1")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestStateChangeEventsCarryPreviousAndNew(t *testing.T) {
	stub := discoveryStub(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {},
	}}
	f := newFixture(t, stub.URL+"/mcp", factory)

	require.NoError(t, f.conn.Connect(context.Background()))

	var changes []StateChange
	for _, event := range drainEvents(f.sub) {
		if event.Type == events.TypeStateChanged {
			changes = append(changes, event.Payload.(StateChange))
		}
	}
	require.NotEmpty(t, changes)
	assert.Equal(t, StateDisconnected, changes[0].Previous)
	assert.Equal(t, StateInitializing, changes[0].New)
	last := changes[len(changes)-1]
	assert.Equal(t, StateConnected, last.New)
	for _, change := range changes {
		assert.Equal(t, "srv-1", change.ServerID)
	}
}

// oauthServer is a minimal authorization server supporting discovery,
// registration, and the token endpoint.
func oauthServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                        server.URL,
			"authorization_endpoint":        server.URL + "/authorize",
			"token_endpoint":                server.URL + "/token",
			"registration_endpoint":         server.URL + "/register",
			"code_challenge_methods_supported": []string{"S256"},
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"client_id": "client-xyz"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("grant_type") == "authorization_code" && r.Form.Get("code") == "good-code" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "fresh-at", "token_type": "Bearer",
				"refresh_token": "fresh-rt", "expires_in": 3600,
			})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestAuthRequiredBuildsAuthorizationURL(t *testing.T) {
	authSrv := oauthServer(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {initErr: errors.New("401 unauthorized")},
	}}
	f := newFixture(t, authSrv.URL+"/mcp", factory)

	err := f.conn.Connect(context.Background())

	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	require.NotEmpty(t, authErr.AuthorizationURL)

	parsed, parseErr := url.Parse(authErr.AuthorizationURL)
	require.NoError(t, parseErr)
	assert.True(t, strings.HasPrefix(authErr.AuthorizationURL, authSrv.URL+"/authorize"))
	query := parsed.Query()
	assert.Equal(t, "client-xyz", query.Get("client_id"))
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.NotEmpty(t, query.Get("code_challenge"))
	assert.NotEmpty(t, query.Get("state"))
}

func TestAuthDiscoveryFollowsChallengeResourceMetadata(t *testing.T) {
	authSrv := oauthServer(t)

	// The resource server advertises its metadata only through the
	// WWW-Authenticate challenge; the well-known path is not served.
	mux := http.NewServeMux()
	var resourceSrv *httptest.Server
	mux.HandleFunc("/meta/prm", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"resource":              resourceSrv.URL,
			"authorization_servers": []string{authSrv.URL},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf("Bearer resource_metadata=%q", resourceSrv.URL+"/meta/prm"))
		w.WriteHeader(http.StatusUnauthorized)
	})
	resourceSrv = httptest.NewServer(mux)
	t.Cleanup(resourceSrv.Close)

	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {initErr: errors.New("401 unauthorized")},
	}}
	f := newFixture(t, resourceSrv.URL+"/mcp", factory)

	err := f.conn.Connect(context.Background())
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	require.NotEmpty(t, authErr.AuthorizationURL)
	assert.True(t, strings.HasPrefix(authErr.AuthorizationURL, authSrv.URL+"/authorize"),
		"authorization URL %q must come from the challenge-advertised issuer", authErr.AuthorizationURL)
}

func TestFinishAuthExchangesCodeAndConnects(t *testing.T) {
	authSrv := oauthServer(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {initErr: errors.New("401 unauthorized")},
	}}
	f := newFixture(t, authSrv.URL+"/mcp", factory)
	ctx := context.Background()

	err := f.conn.Connect(ctx)
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)

	// The server accepts the connection once a token exists.
	factory.mu.Lock()
	factory.clients[storage.TransportStreamableHTTP].initErr = nil
	factory.mu.Unlock()

	require.NoError(t, f.conn.FinishAuth(ctx, "good-code", ""))
	assert.Equal(t, StateConnected, f.conn.State())

	// Tokens were persisted with an absolute expiry.
	provider := f.conn.provider
	token, err := provider.Tokens(ctx)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "fresh-at", token.AccessToken)
	assert.False(t, token.ExpiresAt.IsZero())

	// The verifier was consumed.
	verifier, err := provider.CodeVerifier(ctx)
	require.NoError(t, err)
	assert.Empty(t, verifier)
}

func TestConnectWithStoredTokensUsesOAuthTransport(t *testing.T) {
	authSrv := oauthServer(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {initErr: errors.New("401 unauthorized")},
	}}
	f := newFixture(t, authSrv.URL+"/mcp", factory)
	ctx := context.Background()

	var authErr *AuthRequiredError
	require.ErrorAs(t, f.conn.Connect(ctx), &authErr)

	// No token yet, so the first attempt runs without an OAuth config.
	require.Len(t, factory.oauthCfgs, 1)
	assert.Nil(t, factory.oauthCfgs[0])

	factory.mu.Lock()
	factory.clients[storage.TransportStreamableHTTP].initErr = nil
	factory.mu.Unlock()
	require.NoError(t, f.conn.FinishAuth(ctx, "good-code", ""))

	// The reconnect after the code exchange hands the stored credentials
	// to the transport's token store.
	require.Len(t, factory.oauthCfgs, 2)
	cfg := factory.oauthCfgs[1]
	require.NotNil(t, cfg)
	require.NotNil(t, cfg.TokenStore)
	token, err := cfg.TokenStore.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-at", token.AccessToken)
	assert.Equal(t, "client-xyz", cfg.ClientID)
	assert.True(t, cfg.PKCEEnabled)
}

func TestFinishAuthValidatesStateNonce(t *testing.T) {
	authSrv := oauthServer(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {initErr: errors.New("401 unauthorized")},
	}}
	f := newFixture(t, authSrv.URL+"/mcp", factory)
	ctx := context.Background()

	var authErr *AuthRequiredError
	require.ErrorAs(t, f.conn.Connect(ctx), &authErr)
	parsed, err := url.Parse(authErr.AuthorizationURL)
	require.NoError(t, err)
	nonce := parsed.Query().Get("state")
	require.NotEmpty(t, nonce)

	// An unknown nonce aborts before the code exchange.
	var stateErr *AuthError
	require.ErrorAs(t, f.conn.FinishAuth(ctx, "good-code", "forged"), &stateErr)
	assert.Equal(t, "state", stateErr.Op)

	factory.mu.Lock()
	factory.clients[storage.TransportStreamableHTTP].initErr = nil
	factory.mu.Unlock()

	require.NoError(t, f.conn.FinishAuth(ctx, "good-code", nonce))

	// The nonce validates exactly once, so a replay fails.
	require.ErrorAs(t, f.conn.FinishAuth(ctx, "good-code", nonce), &stateErr)
	assert.Equal(t, "state", stateErr.Op)
}

func TestFinishAuthBadCodeIsAuthError(t *testing.T) {
	authSrv := oauthServer(t)
	factory := &fakeFactory{clients: map[storage.TransportKind]*fakeClient{
		storage.TransportStreamableHTTP: {initErr: errors.New("401 unauthorized")},
	}}
	f := newFixture(t, authSrv.URL+"/mcp", factory)
	ctx := context.Background()

	var authErr *AuthRequiredError
	require.ErrorAs(t, f.conn.Connect(ctx), &authErr)

	err := f.conn.FinishAuth(ctx, "bad-code", "")
	var exchangeErr *AuthError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, StateFailed, f.conn.State())
}

func TestIsAuthRequiredClassification(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("request failed with status 401: Unauthorized"), true},
		{errors.New("error: invalid_token"), true},
		{fmt.Errorf("wrap: %w", &AuthRequiredError{ServerURL: "x"}), true},
		{errors.New("connection refused"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isAuthRequired(tt.err), "err=%v", tt.err)
	}
}
