package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/crmq/internal/events"
)

// keepAliveInterval spaces SSE comment lines on an idle stream.
var keepAliveInterval = 15 * time.Second

// eventFilter narrows the stream to some event types and/or one job. The zero
// value passes everything.
type eventFilter struct {
	types map[string]bool
	jobID string
}

// parseEventFilter reads ?type=job.failed,job.succeeded and ?job_id=.
func parseEventFilter(r *http.Request) (eventFilter, error) {
	f := eventFilter{jobID: strings.TrimSpace(r.URL.Query().Get("job_id"))}
	for _, raw := range r.URL.Query()["type"] {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if !events.Known(t) {
				return eventFilter{}, fmt.Errorf("unknown event type %q", t)
			}
			if f.types == nil {
				f.types = make(map[string]bool)
			}
			f.types[t] = true
		}
	}
	return f, nil
}

// jobRefs is the subset of event payloads that names jobs.
type jobRefs struct {
	JobID  string   `json:"job_id"`
	JobIDs []string `json:"job_ids"`
}

func (f eventFilter) match(ev events.Event) bool {
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	if f.jobID == "" {
		return true
	}
	var refs jobRefs
	if err := json.Unmarshal(ev.Data, &refs); err != nil {
		return false
	}
	return refs.JobID == f.jobID || slices.Contains(refs.JobIDs, f.jobID)
}

// handleEvents handles GET /v1/events as a server-sent event stream. Clients
// reconnecting with Last-Event-ID get the buffered events they missed. The
// type and job_id query parameters apply to replayed and live events alike.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the snapshot so nothing published in between is lost;
	// IDs at or below the last replayed one are skipped on the live side.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	seen := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.hub.SnapshotSince(seen) {
		seen = ev.ID
		if !filter.match(ev) {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= seen || !filter.match(ev) {
				continue
			}
			seen = ev.ID
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data); err != nil {
		return err
	}
	return nil
}
