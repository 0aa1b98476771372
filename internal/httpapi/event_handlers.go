package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/eventlog"
)

// handlePublicEvents implements §6's bounded-history read:
// GET /public/events?domain=&since=&limit=.
func (s *Server) handlePublicEvents(w http.ResponseWriter, r *http.Request) {
	domain := eventlog.Domain(r.URL.Query().Get("domain"))
	since := parseInt64(r.URL.Query().Get("since"), 0)
	limit := parseLimit(r, 100, 256)

	events, err := eventlog.ListSince(r.Context(), s.engine.DB(), s.serverID, domain, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleEventsStream implements §6's live fan-out: GET /events/stream?domain=
// over Server-Sent Events, since httpapi has no WebSocket upgrade of its
// own (that lives in connmgr's session abstraction). A dropped-events gap
// is surfaced to the client as a "lag" SSE event rather than silently
// skipped, mirroring the Log's LagSentinel contract for subscribers.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	domain := eventlog.Domain(r.URL.Query().Get("domain"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.Internal, "response writer does not support streaming"))
		return
	}

	ch, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			switch v := msg.(type) {
			case *eventlog.Event:
				if domain != "" && v.Domain != domain {
					continue
				}
				writeSSE(w, "event", v)
			case eventlog.LagSentinel:
				writeSSE(w, "lag", v)
			default:
				continue
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}
