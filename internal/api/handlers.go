package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/cpucom/internal/auth"
	"github.com/mattjoyce/cpucom/internal/journal"
	"github.com/mattjoyce/cpucom/internal/service"
	"github.com/mattjoyce/cpucom/internal/session"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Streams:       s.streams.count(),
		PendingTasks:  s.sessions.Pending(),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSend handles POST /v1/callers/{caller}/send. Sending needs no open
// stream: callers without a session write through the anonymous one.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	caller := chi.URLParam(r, "caller")
	principal, _ := auth.PrincipalFromContext(r.Context())

	req, ok := s.decodeCommands(w, r)
	if !ok {
		return
	}

	id := session.Identity{ID: caller, Principal: principal}
	var errs []error
	for _, raw := range req.raws() {
		if err := s.service.Send(id, raw); err != nil {
			errs = append(errs, err)
		}
	}
	s.respondAccepted(w, len(req.Commands), errs)
}

// handleSubscribe handles POST /v1/callers/{caller}/subscribe.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	st, id, req, ok := s.streamRequest(w, r)
	if !ok {
		return
	}
	err := s.service.SubscribeMany(id, req.raws(), st)
	s.respondAccepted(w, len(req.Commands), unjoin(err))
}

// handleUnsubscribe handles POST /v1/callers/{caller}/unsubscribe.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	st, id, req, ok := s.streamRequest(w, r)
	if !ok {
		return
	}
	err := s.service.UnsubscribeMany(id, req.raws(), st)
	s.respondAccepted(w, len(req.Commands), unjoin(err))
}

// handleSetErrorListener handles PUT /v1/callers/{caller}/error-listener.
// The caller's stream becomes its error listener.
func (s *Server) handleSetErrorListener(w http.ResponseWriter, r *http.Request) {
	st, ok := s.callerStream(w, r)
	if !ok {
		return
	}
	id := s.streamIdentity(r, st)
	if err := s.service.SetErrorListener(id, st); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, AcceptedResponse{Accepted: 1})
}

// handleClearErrorListener handles DELETE /v1/callers/{caller}/error-listener.
func (s *Server) handleClearErrorListener(w http.ResponseWriter, r *http.Request) {
	st, ok := s.callerStream(w, r)
	if !ok {
		return
	}
	if err := s.service.SetErrorListener(s.streamIdentity(r, st), nil); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, AcceptedResponse{Accepted: 1})
}

// handleSessions handles GET /v1/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("failed to snapshot sessions", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "session registry unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

// handleJournal handles GET /v1/journal?caller=&kind=&limit=.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	q := r.URL.Query()
	f := journal.Filter{Caller: q.Get("caller"), Kind: journal.Kind(q.Get("kind"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	entries, err := s.journal.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list journal")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) decodeCommands(w http.ResponseWriter, r *http.Request) (CommandsRequest, bool) {
	var req CommandsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return req, false
	}
	if len(req.Commands) == 0 {
		s.writeError(w, http.StatusBadRequest, "commands must be non-empty")
		return req, false
	}
	return req, true
}

// callerStream finds the caller's stream and checks that the request comes
// from the principal that opened it.
func (s *Server) callerStream(w http.ResponseWriter, r *http.Request) (*stream, bool) {
	caller := chi.URLParam(r, "caller")
	principal, _ := auth.PrincipalFromContext(r.Context())

	st, ok := s.streams.get(caller)
	if !ok {
		s.writeError(w, http.StatusNotFound, "caller has no open stream")
		return nil, false
	}
	if st.principal != principal.Name {
		s.writeError(w, http.StatusForbidden, "stream belongs to another principal")
		return nil, false
	}
	return st, true
}

func (s *Server) streamRequest(w http.ResponseWriter, r *http.Request) (*stream, session.Identity, CommandsRequest, bool) {
	st, ok := s.callerStream(w, r)
	if !ok {
		return nil, session.Identity{}, CommandsRequest{}, false
	}
	req, ok := s.decodeCommands(w, r)
	if !ok {
		return nil, session.Identity{}, req, false
	}
	if req.Listener != "" && req.Listener != st.id {
		s.writeError(w, http.StatusConflict, "listener does not match the open stream")
		return nil, session.Identity{}, req, false
	}
	return st, s.streamIdentity(r, st), req, true
}

func (s *Server) streamIdentity(r *http.Request, st *stream) session.Identity {
	principal, _ := auth.PrincipalFromContext(r.Context())
	return session.Identity{ID: st.caller, Principal: principal, Liveness: st.sig}
}

// respondAccepted answers 202 when anything was queued. When every command
// was rejected it answers 403 if a rejection was a denial, 400 otherwise.
func (s *Server) respondAccepted(w http.ResponseWriter, total int, errs []error) {
	resp := AcceptedResponse{Accepted: total - len(errs)}
	denied := false
	for _, err := range errs {
		resp.Errors = append(resp.Errors, err.Error())
		if errors.Is(err, service.ErrPermissionDenied) {
			denied = true
		}
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
		if denied {
			status = http.StatusForbidden
		}
	}
	respondJSON(w, status, resp)
}

// unjoin splits an errors.Join result back into its parts.
func unjoin(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
