// Package relay multiplexes one identity's live connections onto a
// single outbound event sink and routes inbound requests to them by
// method name.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcprelay/internal/aggregator"
	"mcprelay/internal/connection"
	"mcprelay/internal/events"
	"mcprelay/internal/storage"
	"mcprelay/pkg/logging"
	"mcprelay/pkg/oauth"
)

// DefaultHeartbeatInterval paces the keep-alive event.
const DefaultHeartbeatInterval = 30 * time.Second

// Error codes surfaced to the stream layer.
const (
	CodeMissingIdentity = "MISSING_IDENTITY"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNoConnection    = "NO_CONNECTION"
	CodeUnknownMethod   = "UNKNOWN_METHOD"
	CodeInvalidParams   = "INVALID_PARAMS"
	CodeExecutionError  = "EXECUTION_ERROR"
)

// Request is one inbound routed call.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the correlated reply. It is returned synchronously and
// re-emitted on the sink as an rpc-response event.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *Error      `json:"error,omitempty"`
}

// Error is a coded request failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Sink is the outbound event stream handle. It must stay open for the
// relay's lifetime.
type Sink interface {
	Send(event events.Event) error
}

// SessionSettings parameterizes bulk session establishment and the
// merged tool namespace.
type SessionSettings struct {
	BatchSize      int
	ConnectTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	Naming         aggregator.NamingPolicy
}

// Config assembles a Relay.
type Config struct {
	Store storage.Store
	Bus   *events.Bus
	OAuth *oauth.Client

	Identity string
	Sink     Sink

	ClientName string
	Scopes     string

	// CallbackBaseURL is the default OAuth redirect target for connect
	// requests that do not carry their own.
	CallbackBaseURL string

	HeartbeatInterval time.Duration

	Sessions SessionSettings
}

// Relay serves one identity over one sink.
type Relay struct {
	cfg      Config
	identity string
	sink     Sink

	mu          sync.Mutex
	connections map[string]*connection.Connection
	disposed    bool

	// aggregator shares the relay's connections through adoptSession.
	aggregator *aggregator.Aggregator

	sub    *events.Subscription
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Relay, subscribes it to the identity's events, and
// starts the heartbeat.
func New(cfg Config) (*Relay, error) {
	if cfg.Store == nil || cfg.Bus == nil || cfg.OAuth == nil {
		return nil, errors.New("store, bus, and oauth client are required")
	}
	if cfg.Identity == "" {
		return nil, errors.New("identity is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:         cfg,
		identity:    cfg.Identity,
		sink:        cfg.Sink,
		connections: make(map[string]*connection.Connection),
		sub:         cfg.Bus.Subscribe(cfg.Identity),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	agg, err := aggregator.New(aggregator.Config{
		Store:          cfg.Store,
		Bus:            cfg.Bus,
		OAuth:          cfg.OAuth,
		Identity:       cfg.Identity,
		ClientName:     cfg.ClientName,
		Scopes:         cfg.Scopes,
		BatchSize:      cfg.Sessions.BatchSize,
		ConnectTimeout: cfg.Sessions.ConnectTimeout,
		MaxRetries:     cfg.Sessions.MaxRetries,
		RetryDelay:     cfg.Sessions.RetryDelay,
		Naming:         cfg.Sessions.Naming,
		SessionFactory: r.adoptSession,
	})
	if err != nil {
		cancel()
		r.sub.Unsubscribe()
		return nil, err
	}
	r.aggregator = agg

	r.wg.Add(2)
	go r.forwardEvents()
	go r.heartbeat()

	return r, nil
}

// EstablishSessions restores every persisted session of the identity
// with bounded concurrency, adopting each connection into the relay's
// routing table.
func (r *Relay) EstablishSessions(ctx context.Context) ([]aggregator.Session, error) {
	return r.aggregator.EstablishSessions(ctx)
}

func (r *Relay) buildConnection(sessionID string, record *storage.SessionRecord) (*connection.Connection, error) {
	return connection.New(connection.Config{
		Store:      r.cfg.Store,
		Bus:        r.cfg.Bus,
		OAuth:      r.cfg.OAuth,
		Identity:   r.identity,
		SessionID:  sessionID,
		ClientName: r.cfg.ClientName,
		Scopes:     r.cfg.Scopes,
		Record:     record,
	})
}

// forwardEvents copies the identity's bus events onto the sink.
func (r *Relay) forwardEvents() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.sub.C:
			if !ok {
				return
			}
			if err := r.sink.Send(event); err != nil {
				logging.Debug("Relay", "Sink send failed for identity %s: %v", r.identity, err)
			}
		}
	}
}

// heartbeat emits a periodic keep-alive observability event.
func (r *Relay) heartbeat() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			event := events.Event{
				Category:  events.CategoryObservability,
				Type:      events.TypeHeartbeat,
				Identity:  r.identity,
				Timestamp: time.Now().UTC(),
			}
			if err := r.sink.Send(event); err != nil {
				logging.Debug("Relay", "Heartbeat send failed for identity %s: %v", r.identity, err)
			}
		}
	}
}

// Handle dispatches one request. The response is also re-emitted on the
// sink as an rpc-response event.
func (r *Relay) Handle(ctx context.Context, req Request) Response {
	resp := r.dispatch(ctx, req)

	echo := events.Event{
		Category:  events.CategoryRPCResponse,
		Type:      events.TypeRPCResponse,
		Identity:  r.identity,
		Timestamp: time.Now().UTC(),
		Payload:   resp,
	}
	if err := r.sink.Send(echo); err != nil {
		logging.Debug("Relay", "Response echo failed for request %s: %v", req.ID, err)
	}
	return resp
}

func (r *Relay) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "getSessions":
		return r.handleGetSessions(ctx, req)
	case "connect":
		return r.handleConnect(ctx, req)
	case "disconnect":
		return r.handleDisconnect(ctx, req)
	case "restoreSession":
		return r.handleRestoreSession(ctx, req)
	case "finishAuth":
		return r.handleFinishAuth(ctx, req)
	case "aggregateTools":
		return r.handleAggregateTools(ctx, req)
	case "listTools":
		return r.handleListTools(ctx, req)
	case "callTool":
		return r.handleCallTool(ctx, req)
	case "listPrompts":
		return r.handleListPrompts(ctx, req)
	case "getPrompt":
		return r.handleGetPrompt(ctx, req)
	case "listResources":
		return r.handleListResources(ctx, req)
	case "readResource":
		return r.handleReadResource(ctx, req)
	default:
		return fail(req.ID, CodeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func ok(id string, result interface{}) Response {
	return Response{ID: id, Result: result}
}

func fail(id, code, message string) Response {
	return Response{ID: id, Error: &Error{Code: code, Message: message}}
}

// failFromError maps an operation error onto the response taxonomy.
func failFromError(id string, err error) Response {
	if errors.Is(err, connection.ErrNotConnected) {
		return fail(id, CodeNoConnection, err.Error())
	}
	return fail(id, CodeExecutionError, err.Error())
}

type connectParams struct {
	ServerID    string            `json:"serverId"`
	ServerName  string            `json:"serverName"`
	ServerURL   string            `json:"serverUrl"`
	CallbackURL string            `json:"callbackUrl"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type callToolParams struct {
	SessionID string                 `json:"sessionId"`
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

type promptParams struct {
	SessionID string                 `json:"sessionId"`
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

type resourceParams struct {
	SessionID string `json:"sessionId"`
	URI       string `json:"uri"`
}

type finishAuthParams struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`

	// State is the nonce echoed back on the authorization redirect.
	// Optional for servers that do not round-trip it.
	State string `json:"state,omitempty"`
}

// SessionSummary is one entry of a getSessions result.
type SessionSummary struct {
	SessionID  string                `json:"sessionId"`
	ServerID   string                `json:"serverId"`
	ServerName string                `json:"serverName"`
	ServerURL  string                `json:"serverUrl"`
	Transport  storage.TransportKind `json:"transport,omitempty"`
	State      connection.State      `json:"state"`
}

func (r *Relay) handleGetSessions(ctx context.Context, req Request) Response {
	records, err := r.cfg.Store.ListSessions(ctx, r.identity)
	if err != nil {
		return fail(req.ID, CodeExecutionError, err.Error())
	}

	summaries := make([]SessionSummary, 0, len(records))
	for _, rec := range records {
		state := connection.StateDisconnected
		r.mu.Lock()
		if conn, tracked := r.connections[rec.SessionID]; tracked {
			state = conn.State()
		}
		r.mu.Unlock()
		summaries = append(summaries, SessionSummary{
			SessionID:  rec.SessionID,
			ServerID:   rec.ServerID,
			ServerName: rec.ServerName,
			ServerURL:  rec.ServerURL,
			Transport:  rec.Transport,
			State:      state,
		})
	}
	return ok(req.ID, summaries)
}

func (r *Relay) handleConnect(ctx context.Context, req Request) Response {
	var params connectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return fail(req.ID, CodeInvalidParams, err.Error())
	}
	if params.CallbackURL == "" {
		params.CallbackURL = r.cfg.CallbackBaseURL
	}
	if params.ServerID == "" || params.ServerURL == "" || params.CallbackURL == "" {
		return fail(req.ID, CodeInvalidParams, "serverId, serverUrl, and callbackUrl are required")
	}

	// Duplicate-connection guard: one session per server.
	existing, err := r.cfg.Store.ListSessions(ctx, r.identity)
	if err != nil {
		return fail(req.ID, CodeExecutionError, err.Error())
	}
	for _, rec := range existing {
		if rec.ServerID == params.ServerID || rec.ServerURL == params.ServerURL {
			return fail(req.ID, CodeExecutionError,
				fmt.Sprintf("a session for server %s already exists", rec.ServerID))
		}
	}

	sessionID := uuid.NewString()
	record := &storage.SessionRecord{
		SessionID:   sessionID,
		Identity:    r.identity,
		ServerID:    params.ServerID,
		ServerName:  params.ServerName,
		ServerURL:   params.ServerURL,
		CallbackURL: params.CallbackURL,
		Headers:     params.Headers,
		CreatedAt:   time.Now().UTC(),
	}

	conn, err := r.buildConnection(sessionID, record)
	if err != nil {
		return fail(req.ID, CodeExecutionError, err.Error())
	}

	r.mu.Lock()
	r.connections[sessionID] = conn
	r.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		var authErr *connection.AuthRequiredError
		if errors.As(err, &authErr) {
			return ok(req.ID, map[string]interface{}{
				"sessionId":        sessionID,
				"success":          false,
				"pendingAuth":      true,
				"authorizationUrl": authErr.AuthorizationURL,
			})
		}
		r.untrack(sessionID)
		return failFromError(req.ID, err)
	}

	// Fan discovery out to the sink before the response lands.
	if _, err := conn.ListTools(ctx); err != nil {
		logging.Warn("Relay", "Initial tool discovery failed for session %s: %v", logging.TruncateSessionID(sessionID), err)
	}

	return ok(req.ID, map[string]interface{}{
		"sessionId": sessionID,
		"success":   true,
	})
}

func (r *Relay) handleDisconnect(ctx context.Context, req Request) Response {
	var params sessionParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		return fail(req.ID, CodeInvalidParams, "sessionId is required")
	}

	r.mu.Lock()
	conn := r.connections[params.SessionID]
	delete(r.connections, params.SessionID)
	r.mu.Unlock()

	if conn == nil {
		// Orphaned pending record: remove it without building a client.
		if err := r.cfg.Store.DeleteSession(ctx, r.identity, params.SessionID); err != nil {
			return fail(req.ID, CodeExecutionError, err.Error())
		}
		return ok(req.ID, map[string]interface{}{"success": true})
	}

	if err := conn.ClearSession(ctx); err != nil {
		return fail(req.ID, CodeExecutionError, err.Error())
	}
	return ok(req.ID, map[string]interface{}{"success": true})
}

func (r *Relay) handleRestoreSession(ctx context.Context, req Request) Response {
	var params sessionParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		return fail(req.ID, CodeInvalidParams, "sessionId is required")
	}

	conn, err := r.getOrCreate(params.SessionID)
	if err != nil {
		return fail(req.ID, CodeExecutionError, err.Error())
	}
	if err := conn.Restore(ctx); err != nil {
		var authErr *connection.AuthRequiredError
		if errors.As(err, &authErr) {
			return ok(req.ID, map[string]interface{}{
				"sessionId":        params.SessionID,
				"success":          false,
				"pendingAuth":      true,
				"authorizationUrl": authErr.AuthorizationURL,
			})
		}
		return failFromError(req.ID, err)
	}
	return ok(req.ID, map[string]interface{}{
		"sessionId": params.SessionID,
		"success":   true,
	})
}

func (r *Relay) handleFinishAuth(ctx context.Context, req Request) Response {
	var params finishAuthParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" || params.Code == "" {
		return fail(req.ID, CodeInvalidParams, "sessionId and code are required")
	}

	conn, err := r.getOrCreate(params.SessionID)
	if err != nil {
		return fail(req.ID, CodeExecutionError, err.Error())
	}
	if err := conn.FinishAuth(ctx, params.Code, params.State); err != nil {
		return failFromError(req.ID, err)
	}
	return ok(req.ID, map[string]interface{}{
		"sessionId": params.SessionID,
		"success":   true,
	})
}

// connected returns the session's connection, lazily constructing and
// connecting one when none is tracked.
func (r *Relay) connected(ctx context.Context, sessionID string) (*connection.Connection, error) {
	conn, err := r.getOrCreate(sessionID)
	if err != nil {
		return nil, err
	}
	if !conn.State().Live() {
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// getOrCreate returns the tracked connection or builds an unconnected
// one from the stored record.
func (r *Relay) getOrCreate(sessionID string) (*connection.Connection, error) {
	return r.track(sessionID, nil)
}

// adoptSession is the aggregator's session factory: established
// connections land in the relay's own routing table.
func (r *Relay) adoptSession(record *storage.SessionRecord) (aggregator.Session, error) {
	return r.track(record.SessionID, record)
}

func (r *Relay) track(sessionID string, record *storage.SessionRecord) (*connection.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return nil, errors.New("relay is disposed")
	}
	if conn, tracked := r.connections[sessionID]; tracked {
		return conn, nil
	}
	conn, err := r.buildConnection(sessionID, record)
	if err != nil {
		return nil, err
	}
	r.connections[sessionID] = conn
	return conn, nil
}

func (r *Relay) untrack(sessionID string) {
	r.mu.Lock()
	delete(r.connections, sessionID)
	r.mu.Unlock()
}

// handleAggregateTools re-establishes any persisted sessions that are
// not yet live, then merges the tools of every live connection into the
// prefixed namespace.
func (r *Relay) handleAggregateTools(ctx context.Context, req Request) Response {
	if _, err := r.aggregator.EstablishSessions(ctx); err != nil {
		return fail(req.ID, CodeExecutionError, err.Error())
	}
	tools := r.aggregator.AggregateTools(ctx)
	return ok(req.ID, map[string]interface{}{"tools": tools})
}

func (r *Relay) handleListTools(ctx context.Context, req Request) Response {
	var params sessionParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		return fail(req.ID, CodeInvalidParams, "sessionId is required")
	}
	conn, err := r.connected(ctx, params.SessionID)
	if err != nil {
		return failFromError(req.ID, err)
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return failFromError(req.ID, err)
	}
	return ok(req.ID, map[string]interface{}{"tools": tools})
}

func (r *Relay) handleCallTool(ctx context.Context, req Request) Response {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" || params.Name == "" {
		return fail(req.ID, CodeInvalidParams, "sessionId and name are required")
	}
	conn, err := r.connected(ctx, params.SessionID)
	if err != nil {
		return failFromError(req.ID, err)
	}
	result, err := conn.CallTool(ctx, params.Name, params.Args)
	if err != nil {
		return failFromError(req.ID, err)
	}
	return ok(req.ID, result)
}

func (r *Relay) handleListPrompts(ctx context.Context, req Request) Response {
	var params sessionParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		return fail(req.ID, CodeInvalidParams, "sessionId is required")
	}
	conn, err := r.connected(ctx, params.SessionID)
	if err != nil {
		return failFromError(req.ID, err)
	}
	prompts, err := conn.ListPrompts(ctx)
	if err != nil {
		return failFromError(req.ID, err)
	}
	return ok(req.ID, map[string]interface{}{"prompts": prompts})
}

func (r *Relay) handleGetPrompt(ctx context.Context, req Request) Response {
	var params promptParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" || params.Name == "" {
		return fail(req.ID, CodeInvalidParams, "sessionId and name are required")
	}
	conn, err := r.connected(ctx, params.SessionID)
	if err != nil {
		return failFromError(req.ID, err)
	}
	result, err := conn.GetPrompt(ctx, params.Name, params.Args)
	if err != nil {
		return failFromError(req.ID, err)
	}
	return ok(req.ID, result)
}

func (r *Relay) handleListResources(ctx context.Context, req Request) Response {
	var params sessionParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		return fail(req.ID, CodeInvalidParams, "sessionId is required")
	}
	conn, err := r.connected(ctx, params.SessionID)
	if err != nil {
		return failFromError(req.ID, err)
	}
	resources, err := conn.ListResources(ctx)
	if err != nil {
		return failFromError(req.ID, err)
	}
	return ok(req.ID, map[string]interface{}{"resources": resources})
}

func (r *Relay) handleReadResource(ctx context.Context, req Request) Response {
	var params resourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" || params.URI == "" {
		return fail(req.ID, CodeInvalidParams, "sessionId and uri are required")
	}
	conn, err := r.connected(ctx, params.SessionID)
	if err != nil {
		return failFromError(req.ID, err)
	}
	result, err := conn.ReadResource(ctx, params.URI)
	if err != nil {
		return failFromError(req.ID, err)
	}
	return ok(req.ID, result)
}

// Dispose stops the heartbeat, unsubscribes from the bus, and
// disconnects every tracked connection. Durable records are kept.
func (r *Relay) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	connections := r.connections
	r.connections = make(map[string]*connection.Connection)
	r.mu.Unlock()

	r.cancel()
	close(r.done)
	r.sub.Unsubscribe()
	r.wg.Wait()

	for sessionID, conn := range connections {
		if err := conn.Disconnect(); err != nil {
			logging.Debug("Relay", "Disconnect failed for session %s: %v", logging.TruncateSessionID(sessionID), err)
		}
	}
}
