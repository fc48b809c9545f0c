package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

const (
	// sseClientBuffer is how many live envelopes a stream may fall behind
	// before it is closed. The client reconnects with Last-Event-ID.
	sseClientBuffer = 256

	// sseKeepaliveInterval is how often keepalive comments are sent to
	// prevent connection timeouts.
	sseKeepaliveInterval = 15 * time.Second
)

// handleResourceStream handles GET /v1/resources/{id}/stream (SSE endpoint).
// Event ids are resource sequences. A Last-Event-ID header (or ?after=)
// replays the retained log after that sequence before live envelopes follow.
func (s *Server) handleResourceStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	resourceID := r.PathValue("id")
	if err := model.ValidateResourceID(resourceID); err != nil {
		writeError(w, http.StatusBadRequest, "resource_id "+err.Error())
		return
	}

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("after")
	}
	replay := lastID != ""
	var after int64
	if replay {
		n, err := strconv.ParseInt(lastID, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Last-Event-ID must be a sequence number")
			return
		}
		after = n
	}

	ctx, cancel := s.streamContext(r.Context())
	defer cancel()

	// Register before replaying so nothing published during the replay is
	// missed. Live envelopes the client already has (at or below
	// Last-Event-ID, or written by the replay) are skipped. Concurrent
	// publishers may deliver a resource's envelopes out of sequence order;
	// those are all written.
	live := make(chan model.Envelope, sseClientBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	sub := s.bus.OnEnvelope(func(env model.Envelope) {
		if env.ResourceID != resourceID {
			return
		}
		select {
		case live <- env:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	last := after
	replayed := make(map[int64]struct{})
	if replay {
		for {
			res, err := s.bus.Resync(ctx, resourceID, last, s.bus.MaxResyncLimit())
			if err != nil {
				s.logger.Warn("sse: replay failed", "resource_id", resourceID, "after", last, "error", err)
				return
			}
			for _, env := range res.Events {
				writeSSEEnvelope(w, env)
				replayed[env.Sequence] = struct{}{}
				last = env.Sequence
			}
			if !res.HasMore {
				break
			}
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-overflow:
			s.logger.Info("sse: closing slow stream", "resource_id", resourceID, "last_sequence", last)
			return
		case env := <-live:
			if env.Sequence <= after {
				continue
			}
			if _, ok := replayed[env.Sequence]; ok {
				delete(replayed, env.Sequence)
				continue
			}
			writeSSEEnvelope(w, env)
			last = max(last, env.Sequence)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEnvelope writes a single envelope as an SSE event.
func writeSSEEnvelope(w http.ResponseWriter, env model.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id:%d\n", env.Sequence)
	fmt.Fprintf(w, "event:%s\n", env.Type)
	fmt.Fprintf(w, "data:%s\n\n", data)
}
