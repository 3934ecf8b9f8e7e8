package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDiscoverMetadataRFC8414(t *testing.T) {
	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&fetches, 1)
		json.NewEncoder(w).Encode(Metadata{
			Issuer:                "https://issuer.example",
			AuthorizationEndpoint: "https://issuer.example/authorize",
			TokenEndpoint:         "https://issuer.example/token",
		})
	}))
	defer server.Close()

	c := NewClient()
	metadata, err := c.DiscoverMetadata(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("DiscoverMetadata failed: %v", err)
	}
	if metadata.TokenEndpoint != "https://issuer.example/token" {
		t.Errorf("TokenEndpoint = %q", metadata.TokenEndpoint)
	}

	// Second call must be served from cache
	if _, err := c.DiscoverMetadata(context.Background(), server.URL); err != nil {
		t.Fatalf("cached DiscoverMetadata failed: %v", err)
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("expected 1 fetch, got %d", n)
	}
}

func TestDiscoverMetadataOIDCFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/openid-configuration" {
			json.NewEncoder(w).Encode(Metadata{
				Issuer:        "https://issuer.example",
				TokenEndpoint: "https://issuer.example/oidc/token",
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := NewClient()
	metadata, err := c.DiscoverMetadata(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("DiscoverMetadata failed: %v", err)
	}
	if metadata.TokenEndpoint != "https://issuer.example/oidc/token" {
		t.Errorf("TokenEndpoint = %q", metadata.TokenEndpoint)
	}
}

func TestDiscoverProtectedResource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-protected-resource" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(ProtectedResourceMetadata{
			Resource:             "https://mcp.example",
			AuthorizationServers: []string{"https://issuer.example"},
		})
	}))
	defer server.Close()

	c := NewClient()
	// Transport suffix must be stripped before hitting the well-known path
	metadata, err := c.DiscoverProtectedResource(context.Background(), server.URL+"/mcp")
	if err != nil {
		t.Fatalf("DiscoverProtectedResource failed: %v", err)
	}
	if metadata.AuthorizationServer() != "https://issuer.example" {
		t.Errorf("AuthorizationServer() = %q", metadata.AuthorizationServer())
	}
}

func TestDiscoverChallengeParses401(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate",
			`Bearer realm="https://issuer.example", resource_metadata="https://mcp.example/.well-known/oauth-protected-resource"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient()
	challenge, err := c.DiscoverChallenge(context.Background(), server.URL+"/mcp")
	if err != nil {
		t.Fatalf("DiscoverChallenge failed: %v", err)
	}
	if !challenge.IsOAuthChallenge() {
		t.Fatalf("challenge = %+v, want OAuth challenge", challenge)
	}
	if challenge.Realm != "https://issuer.example" {
		t.Errorf("Realm = %q", challenge.Realm)
	}
	if challenge.ResourceMetadataURL != "https://mcp.example/.well-known/oauth-protected-resource" {
		t.Errorf("ResourceMetadataURL = %q", challenge.ResourceMetadataURL)
	}
}

func TestDiscoverChallengeNon401IsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient()
	challenge, err := c.DiscoverChallenge(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("DiscoverChallenge failed: %v", err)
	}
	if challenge != nil {
		t.Errorf("challenge = %+v, want nil for a server that needs no auth", challenge)
	}
}

func TestRegister(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var metadata ClientMetadata
		if err := json.NewDecoder(r.Body).Decode(&metadata); err != nil {
			t.Errorf("bad registration body: %v", err)
		}
		if metadata.ClientName != "mcprelay" {
			t.Errorf("ClientName = %q", metadata.ClientName)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(ClientInformation{
			ClientID:       "client-123",
			ClientMetadata: metadata,
		})
	}))
	defer server.Close()

	c := NewClient()
	info, err := c.Register(context.Background(), server.URL, &ClientMetadata{
		ClientName:   "mcprelay",
		RedirectURIs: []string{"https://app.example/cb"},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if info.ClientID != "client-123" {
		t.Errorf("ClientID = %q", info.ClientID)
	}
}

func TestRegisterNoEndpoint(t *testing.T) {
	c := NewClient()
	if _, err := c.Register(context.Background(), "", &ClientMetadata{}); err == nil {
		t.Fatal("expected error when registration endpoint is absent")
	}
}

func TestExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("bad form: %v", err)
		}
		if r.Form.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("code_verifier") != "verifier-1" {
			t.Errorf("code_verifier = %q", r.Form.Get("code_verifier"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"token_type":    "Bearer",
			"refresh_token": "rt-1",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	c := NewClient()
	token, err := c.ExchangeCode(context.Background(), server.URL, "code-1", "https://app.example/cb", "client-123", "", "verifier-1")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}
	if token.AccessToken != "at-1" || token.RefreshToken != "rt-1" {
		t.Errorf("unexpected token: %+v", token)
	}
	if token.ExpiresAt.IsZero() {
		t.Error("expected absolute expiry to be derived from expires_in")
	}
}

func TestRefreshTokenErrorTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer server.Close()

	c := NewClient()
	_, err := c.RefreshToken(context.Background(), server.URL, "rt-1", "client-123", "")
	if err == nil {
		t.Fatal("expected error")
	}

	var tokenErr *TokenRequestError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("expected TokenRequestError, got %T", err)
	}
	if tokenErr.Code != "invalid_grant" {
		t.Errorf("Code = %q", tokenErr.Code)
	}
}

func TestBuildAuthorizationURL(t *testing.T) {
	c := NewClient()
	pkce, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}

	authURL, err := c.BuildAuthorizationURL("https://issuer.example/authorize", "client-123", "https://app.example/cb", "state-1", "openid", pkce)
	if err != nil {
		t.Fatalf("BuildAuthorizationURL failed: %v", err)
	}

	for _, want := range []string{"response_type=code", "client_id=client-123", "state=state-1", "code_challenge_method=S256"} {
		if !strings.Contains(authURL, want) {
			t.Errorf("authorization URL missing %q: %s", want, authURL)
		}
	}
}

func TestGeneratePKCE(t *testing.T) {
	a, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}
	b, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}
	if a.CodeVerifier == b.CodeVerifier {
		t.Error("verifiers must be unique")
	}
	if a.CodeChallengeMethod != "S256" {
		t.Errorf("CodeChallengeMethod = %q", a.CodeChallengeMethod)
	}
	if len(a.CodeVerifier) < 43 {
		t.Errorf("verifier too short: %d chars", len(a.CodeVerifier))
	}
}

func TestMetadataCacheTTLExpiry(t *testing.T) {
	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		json.NewEncoder(w).Encode(Metadata{Issuer: "https://issuer.example"})
	}))
	defer server.Close()

	c := NewClient(WithMetadataCacheTTL(time.Nanosecond))
	ctx := context.Background()
	if _, err := c.DiscoverMetadata(ctx, server.URL); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := c.DiscoverMetadata(ctx, server.URL); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&fetches); n != 2 {
		t.Errorf("expected re-fetch after TTL, got %d fetches", n)
	}
}
