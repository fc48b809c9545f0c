package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/alfredjeanlab/gatebus/internal/bus"
	"github.com/alfredjeanlab/gatebus/internal/gateway"
)

// tracePropagator reads W3C traceparent headers on publish, whether or not
// a tracer provider is installed.
var tracePropagator = propagation.TraceContext{}

// maxPublishBody bounds the size of a POST /v1/events request.
const maxPublishBody = 1 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health and the
// gateway upgrade, which authenticates itself) must include a valid
// Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handlePublish)
	mux.HandleFunc("GET /v1/resources/{id}/events", s.handleResync)
	mux.HandleFunc("GET /v1/resources/{id}/sequence", s.handleGetSequence)
	mux.HandleFunc("GET /v1/resources/{id}/stream", s.handleResourceStream)
	mux.HandleFunc("GET /v1/sequences", s.handleGetSequences)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/gateway", s.handleGateway)
	return AuthMiddleware(authToken, mux)
}

// handlePublish handles POST /v1/events.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req bus.PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := tracePropagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer("gatebus/server").Start(ctx, "publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("gatebus.resource_id", req.ResourceID),
		attribute.String("gatebus.event_type", string(req.Type)),
	)

	env, err := s.bus.Publish(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if env.Sequence == 0 {
			writeError(w, statusFor(err), err.Error())
			return
		}
		// The envelope is sequenced and logged; only live delivery failed,
		// and clients will pick it up on their next resync.
		s.logger.Warn("publish: broadcast failed", "resource_id", env.ResourceID, "sequence", env.Sequence, "error", err)
		writeJSON(w, http.StatusAccepted, env)
		return
	}
	span.SetAttributes(attribute.Int64("gatebus.sequence", env.Sequence))
	writeJSON(w, http.StatusCreated, env)
}

// handleResync handles GET /v1/resources/{id}/events?after=&limit=.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := queryInt64(q.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "after must be an integer")
		return
	}
	limit, err := queryInt64(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	res, err := s.bus.Resync(r.Context(), r.PathValue("id"), after, int(limit))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetSequence handles GET /v1/resources/{id}/sequence.
func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	seq, err := s.bus.GetSequence(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resource_id": id, "sequence": seq})
}

// handleGetSequences handles GET /v1/sequences?resource=a,b. The parameter
// may also be repeated.
func (s *Server) handleGetSequences(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, v := range r.URL.Query()["resource"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}

	seqs, err := s.bus.GetSequences(r.Context(), ids)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequences": seqs})
}

// handleListSessions handles GET /v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.gateway.Roster()
	if sessions == nil {
		sessions = []gateway.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleGetSession handles GET /v1/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.gateway.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDeleteSession handles DELETE /v1/sessions/{id}. The session is
// destroyed and can no longer be resumed.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.gateway.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.gateway.Logout(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleStats handles GET /v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	sessions := s.gateway.Roster()
	byState := make(map[gateway.State]int)
	for _, sess := range sessions {
		byState[sess.State]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bus":      s.bus.Stats(),
		"sessions": byState,
	})
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.bus.Ready()
	if err := s.bus.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unavailable",
			"bus_ready": ready,
			"error":     err.Error(),
		})
		return
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting", "bus_ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "bus_ready": true})
}

// queryInt64 parses an optional integer query parameter; empty means 0.
func queryInt64(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.New("not an integer")
	}
	return n, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
