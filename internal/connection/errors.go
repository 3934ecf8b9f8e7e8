package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
)

// ErrNotConnected is returned by remote operations when no live client
// handle exists.
var ErrNotConnected = errors.New("client not connected")

// AuthRequiredError signals that the remote server demands OAuth before
// it will accept a connection. It is control flow, not a failure: the
// caller redirects the user to AuthorizationURL and resumes with
// FinishAuth. It is never retried across transport kinds.
type AuthRequiredError struct {
	ServerURL string

	// AuthorizationURL is the redirect target, or "" when the
	// authorization endpoint could not be discovered yet.
	AuthorizationURL string

	Err error
}

func (e *AuthRequiredError) Error() string {
	if e.AuthorizationURL != "" {
		return fmt.Sprintf("authorization required for %s: %s", e.ServerURL, e.AuthorizationURL)
	}
	return fmt.Sprintf("authorization required for %s", e.ServerURL)
}

func (e *AuthRequiredError) Unwrap() error { return e.Err }

// ConnectError is a transport or network failure. Retryable across
// transport kinds during negotiation.
type ConnectError struct {
	Transport string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection failed on %s transport: %v", e.Transport, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ValidationError is a malformed or unexpected remote response; the
// connection is marked FAILED.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AuthError is a token exchange or refresh failure, distinct from
// AuthRequiredError.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s failed: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TimeoutError marks an operation that exceeded its deadline. During
// transport negotiation it is retryable exactly like a ConnectError.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// authRequiredPatterns are the substrings a transport-level 401 shows up
// as once mcp-go has flattened the HTTP response into an error string.
var authRequiredPatterns = []string{
	"401",
	"unauthorized",
	"invalid_token",
	"authorization required",
	"token expired",
	"token has expired",
}

// isAuthRequired classifies an initialize/request error as a demand for
// authentication. mcp-go's OAuth transport reports 401s as a typed
// error; plain transports flatten the HTTP response into the error
// string.
func isAuthRequired(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthRequiredError
	if errors.As(err, &authErr) {
		return true
	}
	if client.IsOAuthAuthorizationRequiredError(err) {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, pattern := range authRequiredPatterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}

// isTimeout classifies deadline and cancellation errors.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
