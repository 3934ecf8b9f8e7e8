package oauth

import (
	"testing"
	"time"
)

func TestTokenIsExpired(t *testing.T) {
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"no expiry never expires", time.Time{}, false},
		{"future token valid", time.Now().Add(1 * time.Hour), false},
		{"past token expired", time.Now().Add(-1 * time.Hour), true},
		{"within margin counts as expired", time.Now().Add(10 * time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := &Token{AccessToken: "x", ExpiresAt: tt.expires}
			if got := tok.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenSetExpiresAtFromExpiresIn(t *testing.T) {
	tok := &Token{AccessToken: "x", ExpiresIn: 3600}
	tok.SetExpiresAtFromExpiresIn()

	if tok.ExpiresAt.IsZero() {
		t.Fatal("expected ExpiresAt to be set")
	}
	want := time.Now().Add(time.Hour)
	if tok.ExpiresAt.Before(want.Add(-time.Minute)) || tok.ExpiresAt.After(want.Add(time.Minute)) {
		t.Errorf("ExpiresAt %v not near %v", tok.ExpiresAt, want)
	}

	// Must not overwrite an explicit absolute expiry
	fixed := time.Now().Add(2 * time.Hour)
	tok2 := &Token{ExpiresIn: 60, ExpiresAt: fixed}
	tok2.SetExpiresAtFromExpiresIn()
	if !tok2.ExpiresAt.Equal(fixed) {
		t.Errorf("explicit ExpiresAt was overwritten: %v", tok2.ExpiresAt)
	}
}

func TestTokenScopes(t *testing.T) {
	tok := &Token{Scope: "openid profile email"}
	scopes := tok.Scopes()
	if len(scopes) != 3 || scopes[0] != "openid" {
		t.Errorf("unexpected scopes: %v", scopes)
	}
	if (&Token{}).Scopes() != nil {
		t.Error("empty scope should yield nil")
	}
}

func TestMetadataSupportsPKCE(t *testing.T) {
	m := &Metadata{CodeChallengeMethodsSupported: []string{"plain"}}
	if m.SupportsPKCE() {
		t.Error("plain-only server must not report S256 support")
	}
	m = &Metadata{CodeChallengeMethodsSupported: []string{"plain", "S256"}}
	if !m.SupportsPKCE() {
		t.Error("expected S256 support")
	}
	// Unspecified means assume supported (OAuth 2.1)
	if !(&Metadata{}).SupportsPKCE() {
		t.Error("unspecified methods should assume S256")
	}
}

func TestAuthChallengeGetIssuer(t *testing.T) {
	c := &AuthChallenge{Scheme: "Bearer", Realm: "https://auth.example.com"}
	if got := c.GetIssuer(); got != "https://auth.example.com" {
		t.Errorf("GetIssuer() = %q", got)
	}
	c = &AuthChallenge{Scheme: "Bearer", Realm: "protected-area"}
	if got := c.GetIssuer(); got != "" {
		t.Errorf("non-URL realm should not be an issuer, got %q", got)
	}
}

func TestNormalizeServerURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://weather.example/mcp", "https://weather.example"},
		{"https://weather.example/sse", "https://weather.example"},
		{"https://weather.example/", "https://weather.example"},
		{"https://weather.example", "https://weather.example"},
	}
	for _, tt := range tests {
		if got := NormalizeServerURL(tt.in); got != tt.want {
			t.Errorf("NormalizeServerURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProtectedResourceAuthorizationServer(t *testing.T) {
	m := &ProtectedResourceMetadata{AuthorizationServers: []string{"https://a", "https://b"}}
	if m.AuthorizationServer() != "https://a" {
		t.Errorf("expected first advertised server")
	}
	if (&ProtectedResourceMetadata{}).AuthorizationServer() != "" {
		t.Error("expected empty string when none advertised")
	}
}
