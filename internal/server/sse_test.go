package server

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/events"
	"github.com/alfredjeanlab/gatebus/internal/model"
)

// sseEventParsed represents a single parsed SSE event from the stream.
type sseEventParsed struct {
	ID    string
	Event string
	Data  string
}

// sseReader reads SSE events from an HTTP response body using a bufio.Scanner.
// It sends parsed events to the returned channel and stops when the context is cancelled
// or the body is closed.
func sseReader(ctx context.Context, resp *http.Response) <-chan sseEventParsed {
	ch := make(chan sseEventParsed, 32)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		var current sseEventParsed
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id:"):
				current.ID = strings.TrimPrefix(line, "id:")
			case strings.HasPrefix(line, "event:"):
				current.Event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				current.Data = strings.TrimPrefix(line, "data:")
			case line == "":
				// Empty line marks end of SSE event block.
				if current.Event != "" || current.Data != "" {
					ch <- current
					current = sseEventParsed{}
				}
			}
		}
	}()
	return ch
}

// startSSEClient opens a stream on resourceID. lastEventID, when non-empty,
// is sent as the Last-Event-ID header.
func startSSEClient(t *testing.T, serverURL, resourceID, lastEventID string) <-chan sseEventParsed {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/v1/resources/"+resourceID+"/stream", nil)
	if err != nil {
		cancel()
		t.Fatalf("failed to create SSE request: %v", err)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("failed to connect to SSE stream: %v", err)
	}
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		resp.Body.Close()
		cancel()
		t.Fatalf("expected Content-Type=text/event-stream, got %q", resp.Header.Get("Content-Type"))
	}

	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return sseReader(ctx, resp)
}

// nextSSE returns the next event or fails after timeout.
func nextSSE(t *testing.T, ch <-chan sseEventParsed, timeout time.Duration) sseEventParsed {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("SSE channel closed before receiving an event")
		}
		return evt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for SSE event")
	}
	return sseEventParsed{}
}

// waitForListeners blocks until the bus has n registered listeners.
func waitForListeners(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.bus.Stats().Listeners < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d listeners", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResourceStream_Live(t *testing.T) {
	srv, b, h := newTestServer(t, "")
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	events := startSSEClient(t, ts.URL, "channel:A", "")
	waitForListeners(t, srv, 1)

	publishN(t, b, "channel:B", 1)
	published := publishN(t, b, "channel:A", 2)

	for i, want := range published {
		evt := nextSSE(t, events, 2*time.Second)
		if evt.ID != strconv.FormatInt(want.Sequence, 10) {
			t.Errorf("event %d id = %q, want %d", i, evt.ID, want.Sequence)
		}
		if evt.Event != string(model.EventMessageCreated) {
			t.Errorf("event %d type = %q", i, evt.Event)
		}
		env, err := model.DecodeEnvelope([]byte(evt.Data))
		if err != nil {
			t.Fatalf("decode data: %v", err)
		}
		if env.ID != want.ID || env.ResourceID != "channel:A" {
			t.Errorf("event %d = %+v, want %s", i, env, want.ID)
		}
	}
}

func TestResourceStream_ReplaysAfterLastEventID(t *testing.T) {
	srv, b, h := newTestServer(t, "")
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	publishN(t, b, "channel:A", 4)
	events := startSSEClient(t, ts.URL, "channel:A", "2")

	for _, want := range []string{"3", "4"} {
		if got := nextSSE(t, events, 2*time.Second).ID; got != want {
			t.Fatalf("replayed id = %q, want %q", got, want)
		}
	}

	waitForListeners(t, srv, 1)
	publishN(t, b, "channel:A", 1)
	if got := nextSSE(t, events, 2*time.Second).ID; got != "5" {
		t.Fatalf("live id = %q, want 5", got)
	}
}

func TestResourceStream_BadRequest(t *testing.T) {
	_, _, h := newTestServer(t, "")

	for _, tc := range []struct {
		target string
		lastID string
	}{
		{"/v1/resources/nope/stream", ""},
		{"/v1/resources/channel:A/stream", "abc"},
	} {
		req := httptest.NewRequest(http.MethodGet, tc.target, nil)
		if tc.lastID != "" {
			req.Header.Set("Last-Event-ID", tc.lastID)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s (Last-Event-ID %q): expected 400, got %d", tc.target, tc.lastID, rec.Code)
		}
	}
}

func TestResourceStream_EndsOnClose(t *testing.T) {
	srv, _, h := newTestServer(t, "")
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	events := startSSEClient(t, ts.URL, "channel:A", "")
	waitForListeners(t, srv, 1)

	srv.Close()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("unexpected event after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after Close")
	}
}

func TestResourceStream_WritesOutOfOrderEnvelopes(t *testing.T) {
	fan := events.NewLocalFanout()
	srv, b, h := newTestServerWithFanout(t, "", fan)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	publishN(t, b, "channel:A", 4)
	stream := startSSEClient(t, ts.URL, "channel:A", "2")
	for _, want := range []string{"3", "4"} {
		if got := nextSSE(t, stream, 2*time.Second).ID; got != want {
			t.Fatalf("replayed id = %q, want %q", got, want)
		}
	}
	waitForListeners(t, srv, 1)

	// Two publishers racing on one resource can reach the fan-out as 6, 5.
	for _, seq := range []int64{6, 5} {
		env := model.Envelope{
			ID:         fmt.Sprintf("evt_%d", seq),
			Type:       model.EventMessageCreated,
			ResourceID: "channel:A",
			Sequence:   seq,
			Timestamp:  time.Now().UTC(),
		}
		if err := fan.Broadcast(context.Background(), env); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}
	for _, want := range []string{"6", "5"} {
		if got := nextSSE(t, stream, 2*time.Second).ID; got != want {
			t.Fatalf("live id = %q, want %q", got, want)
		}
	}
}
