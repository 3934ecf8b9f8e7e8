package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"mcprelay/internal/events"
	"mcprelay/internal/storage"
	"mcprelay/pkg/logging"
	"mcprelay/pkg/oauth"
)

// Authenticator verifies a caller-supplied token for an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, identity, token string) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, identity, token string) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, identity, token string) error {
	return f(ctx, identity, token)
}

// RegistryConfig assembles a Registry.
type RegistryConfig struct {
	Store storage.Store
	Bus   *events.Bus
	OAuth *oauth.Client

	Authenticator Authenticator

	ClientName      string
	Scopes          string
	CallbackBaseURL string

	HeartbeatInterval time.Duration

	Sessions SessionSettings
}

// Registry owns the live relays, one per identity. Opening a second
// stream for an identity disposes the previous relay.
type Registry struct {
	cfg RegistryConfig

	mu     sync.Mutex
	relays map[string]*Relay
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil || cfg.Bus == nil || cfg.OAuth == nil {
		return nil, errors.New("store, bus, and oauth client are required")
	}
	return &Registry{
		cfg:    cfg,
		relays: make(map[string]*Relay),
	}, nil
}

// Open authenticates the caller and binds a new relay for the identity
// to the sink.
func (g *Registry) Open(ctx context.Context, identity, token string, sink Sink) (*Relay, error) {
	if identity == "" {
		return nil, &Error{Code: CodeMissingIdentity, Message: "identity is required"}
	}
	if g.cfg.Authenticator != nil {
		if err := g.cfg.Authenticator.Authenticate(ctx, identity, token); err != nil {
			return nil, &Error{Code: CodeUnauthorized, Message: err.Error()}
		}
	}

	relay, err := New(Config{
		Store:             g.cfg.Store,
		Bus:               g.cfg.Bus,
		OAuth:             g.cfg.OAuth,
		Identity:          identity,
		Sink:              sink,
		ClientName:        g.cfg.ClientName,
		Scopes:            g.cfg.Scopes,
		CallbackBaseURL:   g.cfg.CallbackBaseURL,
		HeartbeatInterval: g.cfg.HeartbeatInterval,
		Sessions:          g.cfg.Sessions,
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		relay.Dispose()
		return nil, errors.New("registry is shut down")
	}
	previous := g.relays[identity]
	g.relays[identity] = relay
	g.mu.Unlock()

	if previous != nil {
		logging.Info("Relay", "Replacing live relay for identity %s", identity)
		previous.Dispose()
	}

	// Restore the identity's persisted sessions without holding the
	// stream open; auth_required and state events land on the sink as
	// each one settles. Dispose cancels the relay context.
	go func() {
		if _, err := relay.EstablishSessions(relay.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn("Relay", "Session establishment failed for identity %s: %v", identity, err)
		}
	}()

	return relay, nil
}

// Submit routes one request to the identity's live relay.
func (g *Registry) Submit(ctx context.Context, identity string, req Request) Response {
	if identity == "" {
		return fail(req.ID, CodeMissingIdentity, "identity is required")
	}

	g.mu.Lock()
	relay := g.relays[identity]
	g.mu.Unlock()

	if relay == nil {
		return fail(req.ID, CodeNoConnection, "no open relay for identity")
	}
	return relay.Handle(ctx, req)
}

// Close disposes the identity's relay if it is the one given. A stale
// handle from a replaced stream is ignored.
func (g *Registry) Close(identity string, relay *Relay) {
	g.mu.Lock()
	current := g.relays[identity]
	if current == relay {
		delete(g.relays, identity)
	}
	g.mu.Unlock()

	if relay != nil {
		relay.Dispose()
	}
}

// Shutdown disposes every live relay.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	g.closed = true
	relays := g.relays
	g.relays = make(map[string]*Relay)
	g.mu.Unlock()

	for _, relay := range relays {
		relay.Dispose()
	}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}
