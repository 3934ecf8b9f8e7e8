// Package aggregator establishes many per-server connections for one
// identity with bounded concurrency and merges their advertised tools
// into a single prefixed namespace.
package aggregator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"mcprelay/internal/connection"
	"mcprelay/internal/events"
	"mcprelay/internal/storage"
	"mcprelay/pkg/logging"
	"mcprelay/pkg/oauth"
)

// NamingPolicy controls how a server id becomes a tool-name prefix.
type NamingPolicy string

const (
	// NamingSanitized replaces any character outside [a-zA-Z0-9_] with
	// an underscore.
	NamingSanitized NamingPolicy = "sanitized"

	// NamingCompact strips hyphens from the server id.
	NamingCompact NamingPolicy = "compact"
)

// Establishment defaults.
const (
	DefaultBatchSize      = 5
	DefaultConnectTimeout = 15 * time.Second
	DefaultMaxRetries     = 2
	DefaultRetryDelay     = time.Second
)

// Session is the slice of a connection the aggregator drives.
// *connection.Connection satisfies it.
type Session interface {
	SessionID() string
	State() connection.State
	Restore(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	Disconnect() error
}

// SessionFactory builds a Session for a stored record. A caller that
// already tracks connections supplies one to share them with the
// aggregator instead of dialing a parallel set.
type SessionFactory func(record *storage.SessionRecord) (Session, error)

// Config assembles an Aggregator.
type Config struct {
	Store storage.Store
	Bus   *events.Bus
	OAuth *oauth.Client

	Identity   string
	ClientName string
	Scopes     string

	// SessionFactory overrides connection construction. Leave nil to
	// dial real connections.
	SessionFactory SessionFactory

	// BatchSize bounds concurrent connection attempts. This is
	// backpressure against remote servers and local resources, not an
	// optimization.
	BatchSize      int
	ConnectTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration

	Naming NamingPolicy
}

// AggregatedTool is one tool in the merged namespace, carrying enough
// origin information to route an invocation back.
type AggregatedTool struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	InputSchema mcp.ToolInputSchema `json:"inputSchema"`
	SessionID   string              `json:"sessionId"`
	ServerID    string              `json:"serverId"`
}

// SessionStatus summarizes one tracked connection.
type SessionStatus struct {
	SessionID string           `json:"sessionId"`
	ServerID  string           `json:"serverId"`
	State     connection.State `json:"state"`
}

// Aggregator tracks the live connections of one identity.
type Aggregator struct {
	cfg Config

	mu          sync.RWMutex
	connections map[string]Session
	serverIDs   map[string]string

	newSession SessionFactory
}

// New creates an Aggregator, applying establishment defaults.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Store == nil || cfg.Bus == nil || cfg.OAuth == nil {
		return nil, errors.New("store, bus, and oauth client are required")
	}
	if cfg.Identity == "" {
		return nil, errors.New("identity is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Naming == "" {
		cfg.Naming = NamingSanitized
	}

	a := &Aggregator{
		cfg:         cfg,
		connections: make(map[string]Session),
		serverIDs:   make(map[string]string),
	}
	a.newSession = a.buildConnection
	if cfg.SessionFactory != nil {
		a.newSession = cfg.SessionFactory
	}
	return a, nil
}

func (a *Aggregator) buildConnection(record *storage.SessionRecord) (Session, error) {
	return connection.New(connection.Config{
		Store:      a.cfg.Store,
		Bus:        a.cfg.Bus,
		OAuth:      a.cfg.OAuth,
		Identity:   a.cfg.Identity,
		SessionID:  record.SessionID,
		ClientName: a.cfg.ClientName,
		Scopes:     a.cfg.Scopes,
		Record:     record,
	})
}

// EstablishSessions restores every complete session record for the
// identity, at most BatchSize at a time. One session's failure never
// aborts the others; exhausted sessions are logged and skipped. A
// pending authorization is a valid outcome and is not retried.
func (a *Aggregator) EstablishSessions(ctx context.Context) ([]Session, error) {
	records, err := a.cfg.Store.ListSessions(ctx, a.cfg.Identity)
	if err != nil {
		return nil, err
	}

	var candidates []*storage.SessionRecord
	for _, record := range records {
		if !record.Complete() {
			logging.Debug("Aggregator", "Skipping session %s with incomplete metadata", logging.TruncateSessionID(record.SessionID))
			continue
		}
		candidates = append(candidates, record)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.BatchSize)

	for _, record := range candidates {
		record := record
		g.Go(func() error {
			a.establishOne(gctx, record)
			return nil
		})
	}
	// Workers swallow their errors; Wait only observes ctx cancellation.
	_ = g.Wait()

	return a.live(), nil
}

func (a *Aggregator) establishOne(ctx context.Context, record *storage.SessionRecord) {
	a.mu.RLock()
	existing := a.connections[record.SessionID]
	a.mu.RUnlock()

	if existing != nil && existing.State().Live() {
		return
	}

	session := existing
	if session == nil {
		var err error
		session, err = a.newSession(record)
		if err != nil {
			logging.Error("Aggregator", err, "Failed to build connection for session %s", logging.TruncateSessionID(record.SessionID))
			return
		}
	}

	attempts := a.cfg.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
		err := session.Restore(connectCtx)
		cancel()

		if err == nil {
			a.track(record, session)
			return
		}

		var authErr *connection.AuthRequiredError
		if errors.As(err, &authErr) {
			// Keep the connection so FinishAuth can resume it.
			logging.Info("Aggregator", "Session %s awaiting authorization", logging.TruncateSessionID(record.SessionID))
			a.track(record, session)
			return
		}

		logging.Warn("Aggregator", "Connect attempt %d/%d failed for session %s: %v",
			attempt, attempts, logging.TruncateSessionID(record.SessionID), err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.RetryDelay):
			}
		}
	}

	logging.Warn("Aggregator", "Giving up on session %s after %d attempts", logging.TruncateSessionID(record.SessionID), attempts)
}

func (a *Aggregator) track(record *storage.SessionRecord, session Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connections[record.SessionID] = session
	a.serverIDs[record.SessionID] = record.ServerID
}

func (a *Aggregator) live() []Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Session
	for _, session := range a.connections {
		if session.State().Live() {
			out = append(out, session)
		}
	}
	return out
}

// Connections returns all tracked sessions, live or pending.
func (a *Aggregator) Connections() []Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Session, 0, len(a.connections))
	for _, session := range a.connections {
		out = append(out, session)
	}
	return out
}

// AggregateTools merges the advertised tools of every live connection
// under the configured prefix policy. A connection whose tool fetch
// fails contributes an empty set instead of failing the merge.
func (a *Aggregator) AggregateTools(ctx context.Context) []AggregatedTool {
	a.mu.RLock()
	sessions := make(map[string]Session, len(a.connections))
	servers := make(map[string]string, len(a.serverIDs))
	for id, session := range a.connections {
		sessions[id] = session
		servers[id] = a.serverIDs[id]
	}
	a.mu.RUnlock()

	var merged []AggregatedTool
	for sessionID, session := range sessions {
		if !session.State().Live() {
			continue
		}
		tools, err := session.ListTools(ctx)
		if err != nil {
			logging.Warn("Aggregator", "Tool fetch failed for session %s: %v", logging.TruncateSessionID(sessionID), err)
			continue
		}
		serverID := servers[sessionID]
		prefix := a.prefixFor(serverID)
		for _, tool := range tools {
			merged = append(merged, AggregatedTool{
				Name:        prefix + "_" + tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				SessionID:   sessionID,
				ServerID:    serverID,
			})
		}
	}
	return merged
}

// prefixFor derives the tool-name prefix from a server id.
func (a *Aggregator) prefixFor(serverID string) string {
	if a.cfg.Naming == NamingCompact {
		return strings.ReplaceAll(serverID, "-", "")
	}
	return sanitizeName(serverID)
}

func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Status reports a per-connection summary.
func (a *Aggregator) Status() []SessionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]SessionStatus, 0, len(a.connections))
	for sessionID, session := range a.connections {
		out = append(out, SessionStatus{
			SessionID: sessionID,
			ServerID:  a.serverIDs[sessionID],
			State:     session.State(),
		})
	}
	return out
}

// DisconnectAll tears down every tracked connection.
func (a *Aggregator) DisconnectAll() {
	a.mu.Lock()
	sessions := a.connections
	a.connections = make(map[string]Session)
	a.serverIDs = make(map[string]string)
	a.mu.Unlock()

	for sessionID, session := range sessions {
		if err := session.Disconnect(); err != nil {
			logging.Debug("Aggregator", "Disconnect failed for session %s: %v", logging.TruncateSessionID(sessionID), err)
		}
	}
}
