package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"mcprelay/internal/config"
	"mcprelay/internal/events"
	"mcprelay/internal/relay"
	"mcprelay/pkg/logging"
)

const maxRequestBody = 1 << 20

// newHandler builds the HTTP front: an SSE event stream and an RPC
// endpoint, both scoped per identity.
func newHandler(cfg config.Config, registry *relay.Registry) http.Handler {
	front := &frontend{cfg: cfg, registry: registry}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/{identity}/stream", front.handleStream)
	mux.HandleFunc("POST /v1/{identity}/rpc", front.handleRPC)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type frontend struct {
	cfg      config.Config
	registry *relay.Registry
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// sseSink writes relay events to one response stream. Heartbeats, bus
// forwards, and RPC echoes arrive from separate goroutines.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (f *frontend) handleStream(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	flusher, supported := w.(http.Flusher)
	if !supported {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sink := &sseSink{w: w, flusher: flusher}

	// Headers must land before the relay's first event.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	liveRelay, err := f.registry.Open(r.Context(), identity, bearerToken(r), sink)
	if err != nil {
		writeRelayError(w, err)
		return
	}
	defer f.registry.Close(identity, liveRelay)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logging.Info("App", "Event stream opened for identity %s", identity)
	<-r.Context().Done()
	logging.Info("App", "Event stream closed for identity %s", identity)
}

func (f *frontend) handleRPC(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	if f.cfg.Server.AuthToken != "" && bearerToken(r) != f.cfg.Server.AuthToken {
		writeResponse(w, http.StatusUnauthorized, relay.Response{
			Error: &relay.Error{Code: relay.CodeUnauthorized, Message: "invalid bearer token"},
		})
		return
	}

	var req relay.Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, relay.Response{
			Error: &relay.Error{Code: relay.CodeInvalidParams, Message: err.Error()},
		})
		return
	}

	resp := f.registry.Submit(r.Context(), identity, req)
	writeResponse(w, http.StatusOK, resp)
}

// writeRelayError maps the registry's coded errors onto HTTP statuses.
func writeRelayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var relayErr *relay.Error
	if errors.As(err, &relayErr) {
		switch relayErr.Code {
		case relay.CodeMissingIdentity:
			status = http.StatusBadRequest
		case relay.CodeUnauthorized:
			status = http.StatusUnauthorized
		}
		writeResponse(w, status, relay.Response{Error: relayErr})
		return
	}
	http.Error(w, err.Error(), status)
}

func writeResponse(w http.ResponseWriter, status int, resp relay.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Debug("App", "Response write failed: %v", err)
	}
}
