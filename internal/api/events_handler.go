package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/cpucom/internal/auth"
	"github.com/mattjoyce/cpucom/internal/events"
)

// handleStream serves GET /v1/callers/{caller}/stream. The stream lives as
// long as the connection; when it ends the caller is disconnected and its
// session is reclaimed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	caller := chi.URLParam(r, "caller")
	principal, _ := auth.PrincipalFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	st := newStream(caller, principal.Name, s.config.StreamBuffer)
	if err := s.streams.add(st); err != nil {
		if errors.Is(err, errStreamExists) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() {
		// Disconnect before removal so the destroy is queued ahead of any
		// request made through a replacement stream.
		st.sig.Disconnect()
		s.streams.remove(st)
		s.logger.Info("stream closed", "caller", caller, "listener", st.id)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.logger.Info("stream opened", "caller", caller, "listener", st.id, "principal", principal.Name)
	if err := st.push("ready", ReadyEvent{Caller: caller, Listener: st.id}); err != nil {
		return
	}

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-st.done:
			return
		case ev := <-st.events:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleFeed serves GET /v1/events?caller=, the operator event feed.
// Buffered events newer than Last-Event-ID are replayed first.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		s.writeError(w, http.StatusNotFound, "event feed disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	caller := r.URL.Query().Get("caller")

	// Subscribe before the snapshot so nothing falls between the two.
	ch, cancel := s.feed.Subscribe(caller, s.config.StreamBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.feed.SnapshotSince(caller, lastID) {
		if err := writeFeedEvent(w, ev); err != nil {
			return
		}
		lastID = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			if err := writeFeedEvent(w, ev); err != nil {
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

func writeFeedEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSE(w, Event{ID: ev.ID, Type: ev.Type, At: ev.At, Data: data})
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

func writeSSE(w http.ResponseWriter, ev Event) error {
	// SSE framing: https://html.spec.whatwg.org/multipage/server-sent-events.html
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Data must be on "data:" lines; our payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
