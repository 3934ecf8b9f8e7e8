package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// codeVerifierLength is the number of random bytes in a code verifier.
// 32 bytes yields a 43-character base64url string, the RFC 7636 minimum.
const codeVerifierLength = 32

// GeneratePKCE generates a new PKCE code verifier and challenge.
// The code challenge is the S256 (SHA256) hash of the verifier.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifierBytes := make([]byte, codeVerifierLength)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}, nil
}

// ChallengeFromVerifier rebuilds the S256 challenge for a previously
// stored code verifier, so a flow resumed from storage signs the
// authorization request with the verifier that will later be presented
// at the token endpoint.
func ChallengeFromVerifier(verifier string) *PKCEChallenge {
	hash := sha256.Sum256([]byte(verifier))
	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       base64.RawURLEncoding.EncodeToString(hash[:]),
		CodeChallengeMethod: "S256",
	}
}

// GenerateState generates a random state parameter for OAuth. The state
// links the authorization callback to the original request and provides
// CSRF protection.
func GenerateState() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(nonce), nil
}
