package oauth

import (
	"context"

	"github.com/mark3labs/mcp-go/client/transport"

	"mcprelay/pkg/oauth"
)

// TokenStoreAdapter is a thin binder that implements mcp-go's
// transport.TokenStore on top of a SessionProvider. It has no storage of
// its own. mcp-go owns 401 handling and token refresh over its transport;
// the adapter returns the current token as-is and persists whatever
// mcp-go writes back.
type TokenStoreAdapter struct {
	provider *SessionProvider
}

// NewTokenStoreAdapter binds the provider into mcp-go's token store
// contract.
func NewTokenStoreAdapter(provider *SessionProvider) *TokenStoreAdapter {
	return &TokenStoreAdapter{provider: provider}
}

// GetToken returns the stored token. transport.ErrNoToken signals mcp-go
// to initiate its OAuth flow.
func (a *TokenStoreAdapter) GetToken(ctx context.Context) (*transport.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	token, err := a.provider.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	if token == nil || token.AccessToken == "" {
		return nil, transport.ErrNoToken
	}

	return &transport.Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
		ExpiresAt:    token.ExpiresAt,
	}, nil
}

// SaveToken persists a token written back by mcp-go after a refresh.
func (a *TokenStoreAdapter) SaveToken(ctx context.Context, token *transport.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if token == nil || token.AccessToken == "" {
		return nil
	}

	return a.provider.SaveTokens(ctx, &oauth.Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
		ExpiresAt:    token.ExpiresAt,
	})
}

var _ transport.TokenStore = (*TokenStoreAdapter)(nil)
