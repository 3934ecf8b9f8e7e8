package oauth

import (
	"net/http"
	"regexp"
	"strings"
)

var wwwAuthParamRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate parses a WWW-Authenticate header value. It supports
// the Bearer scheme with OAuth 2.0 and RFC 9728 parameters.
//
// Example header:
//
//	Bearer realm="https://auth.example.com",
//	       scope="openid profile",
//	       resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"
func ParseWWWAuthenticate(header string) *AuthChallenge {
	if header == "" {
		return nil
	}

	challenge := &AuthChallenge{}

	parts := strings.SplitN(header, " ", 2)
	challenge.Scheme = strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return challenge
	}

	for _, match := range wwwAuthParamRegex.FindAllStringSubmatch(parts[1], -1) {
		if len(match) != 3 {
			continue
		}
		value := match[2]
		switch strings.ToLower(match[1]) {
		case "realm":
			challenge.Realm = value
		case "scope":
			challenge.Scope = value
		case "error":
			challenge.Error = value
		case "error_description":
			challenge.ErrorDescription = value
		case "resource_metadata":
			challenge.ResourceMetadataURL = value
		}
	}

	return challenge
}

// ParseWWWAuthenticateFromResponse extracts the auth challenge from a 401
// response. Returns nil when no WWW-Authenticate header is present.
func ParseWWWAuthenticateFromResponse(resp *http.Response) *AuthChallenge {
	if resp == nil {
		return nil
	}
	return ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))
}
