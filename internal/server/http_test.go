package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alfredjeanlab/gatebus/internal/bus"
	"github.com/alfredjeanlab/gatebus/internal/events"
	"github.com/alfredjeanlab/gatebus/internal/gateway"
	"github.com/alfredjeanlab/gatebus/internal/model"
)

// doJSON performs a request against h and returns the recorder.
func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rec.Body.String())
	}
}

func TestHandlePublish(t *testing.T) {
	_, _, h := newTestServer(t, "")

	rec := doJSON(t, h, http.MethodPost, "/v1/events", map[string]any{
		"type":        "message.created",
		"resource_id": "channel:1",
		"actor_id":    "u-alice",
		"payload":     map[string]string{"content": "hi"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d; body: %s", rec.Code, rec.Body.String())
	}

	var env model.Envelope
	decodeBody(t, rec, &env)
	if env.Sequence != 1 || env.ResourceID != "channel:1" || env.Type != model.EventMessageCreated {
		t.Errorf("unexpected envelope %+v", env)
	}
	if env.ActorID == nil || *env.ActorID != "u-alice" {
		t.Errorf("ActorID = %v, want u-alice", env.ActorID)
	}
	if !strings.HasPrefix(env.ID, "evt_") {
		t.Errorf("ID = %q, want evt_ prefix", env.ID)
	}
}

func TestHandlePublish_TraceParent(t *testing.T) {
	_, _, h := newTestServer(t, "")

	body := `{"type":"message.created","resource_id":"channel:1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d; body: %s", rec.Code, rec.Body.String())
	}

	var env model.Envelope
	decodeBody(t, rec, &env)
	if env.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("TraceID = %q, want the traceparent trace id", env.TraceID)
	}
	if env.ActorID != nil {
		t.Errorf("ActorID = %v, want nil for a system event", *env.ActorID)
	}
}

func TestHandlePublish_InvalidInput(t *testing.T) {
	_, _, h := newTestServer(t, "")

	for _, tc := range []struct {
		name string
		body any
	}{
		{"unknown type", map[string]any{"type": "message.exploded", "resource_id": "channel:1"}},
		{"bad resource", map[string]any{"type": "message.created", "resource_id": "nope"}},
		{"not json", "{{{"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if s, ok := tc.body.(string); ok {
				req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(s))
				rec = httptest.NewRecorder()
				h.ServeHTTP(rec, req)
			} else {
				rec = doJSON(t, h, http.MethodPost, "/v1/events", tc.body)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d; body: %s", rec.Code, rec.Body.String())
			}
			var resp map[string]string
			decodeBody(t, rec, &resp)
			if resp["error"] == "" {
				t.Error("expected error message in body")
			}
		})
	}
}

func TestHandleResync(t *testing.T) {
	_, b, h := newTestServer(t, "")
	publishN(t, b, "channel:A", 5)

	rec := doJSON(t, h, http.MethodGet, "/v1/resources/channel:A/events?after=2&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body.String())
	}
	var res bus.ResyncResult
	decodeBody(t, rec, &res)
	if len(res.Events) != 2 || res.Events[0].Sequence != 3 || res.Events[1].Sequence != 4 {
		t.Fatalf("unexpected events %+v", res.Events)
	}
	if !res.HasMore {
		t.Error("expected has_more=true when the page is full")
	}
}

func TestHandleResync_EmptyIsArray(t *testing.T) {
	_, _, h := newTestServer(t, "")

	rec := doJSON(t, h, http.MethodGet, "/v1/resources/channel:none/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"events":[]`) {
		t.Errorf("expected empty events array, got %s", rec.Body.String())
	}
}

func TestHandleResync_BadParams(t *testing.T) {
	_, _, h := newTestServer(t, "")

	for _, target := range []string{
		"/v1/resources/channel:A/events?after=x",
		"/v1/resources/channel:A/events?limit=ten",
		"/v1/resources/bogus/events",
	} {
		rec := doJSON(t, h, http.MethodGet, target, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestHandleSequences(t *testing.T) {
	_, b, h := newTestServer(t, "")
	publishN(t, b, "channel:A", 3)
	publishN(t, b, "dm:a:b", 1)

	rec := doJSON(t, h, http.MethodGet, "/v1/resources/channel:A/sequence", nil)
	var one struct {
		ResourceID string `json:"resource_id"`
		Sequence   int64  `json:"sequence"`
	}
	decodeBody(t, rec, &one)
	if one.ResourceID != "channel:A" || one.Sequence != 3 {
		t.Errorf("unexpected sequence response %+v", one)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/sequences?resource=channel:A,dm:a:b&resource=user:none", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body.String())
	}
	var many struct {
		Sequences map[string]int64 `json:"sequences"`
	}
	decodeBody(t, rec, &many)
	want := map[string]int64{"channel:A": 3, "dm:a:b": 1, "user:none": 0}
	for k, v := range want {
		if many.Sequences[k] != v {
			t.Errorf("sequences[%s] = %d, want %d", k, many.Sequences[k], v)
		}
	}
}

func TestHandleSessions(t *testing.T) {
	srv, _, h := newTestServer(t, "")

	_, hello := srv.gateway.Connect(gateway.User{ID: "u-alice"})
	if _, err := srv.gateway.Identify(context.Background(), hello.SessionID, []string{"channel:A"}); err != nil {
		t.Fatalf("Identify: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/sessions", nil)
	var list struct {
		Sessions []gateway.Session `json:"sessions"`
	}
	decodeBody(t, rec, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != hello.SessionID {
		t.Fatalf("unexpected roster %+v", list.Sessions)
	}
	if list.Sessions[0].State != gateway.StateReady {
		t.Errorf("state = %q, want ready", list.Sessions[0].State)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+hello.SessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/sessions/"+hello.SessionID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete session: expected 204, got %d", rec.Code)
	}
	if _, ok := srv.gateway.Get(hello.SessionID); ok {
		t.Error("session still present after delete")
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/sessions/"+hello.SessionID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	_, b, h := newTestServer(t, "secret")

	rec := doJSON(t, h, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeBody(t, rec, &resp)
	if resp["status"] != "ok" || resp["bus_ready"] != true {
		t.Errorf("unexpected health %v", resp)
	}

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("after shutdown: expected 503, got %d", rec.Code)
	}
}

func TestHandleStats(t *testing.T) {
	_, b, h := newTestServer(t, "")
	publishN(t, b, "channel:A", 1)

	rec := doJSON(t, h, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Bus bus.Stats `json:"bus"`
	}
	decodeBody(t, rec, &resp)
	if resp.Bus.Listeners != 0 {
		t.Errorf("listeners = %d, want 0", resp.Bus.Listeners)
	}
}

func TestHandleStats_FanoutDropped(t *testing.T) {
	fan := events.NewLocalFanout()
	_, b, h := newTestServerWithFanout(t, "", fan)

	// A subscriber that never reads overflows after its buffer fills.
	if _, _, err := fan.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	publishN(t, b, "channel:A", 260)

	rec := doJSON(t, h, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Bus map[string]any `json:"bus"`
	}
	decodeBody(t, rec, &resp)
	if got, ok := resp.Bus["fanout_dropped"].(float64); !ok || got < 4 {
		t.Errorf("fanout_dropped = %v, want at least 4", resp.Bus["fanout_dropped"])
	}
}

func TestHTTPHandler_RequiresToken(t *testing.T) {
	_, _, h := newTestServer(t, "secret")

	rec := doJSON(t, h, http.MethodGet, "/v1/sequences?resource=channel:A", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sequences?resource=channel:A", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}
