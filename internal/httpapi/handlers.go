package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/observe"
	"github.com/MrWong99/agentline/internal/orchestrator"
	"github.com/MrWong99/agentline/internal/session"
	"github.com/MrWong99/agentline/internal/token"
	"github.com/MrWong99/agentline/pkg/transport"
)

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status int    `json:"status,omitempty"`
	Body   string `json:"body,omitempty"`
}

type tokenRequest struct {
	Channel    string `json:"channel"`
	UID        int64  `json:"uid"`
	Role       string `json:"role"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type sessionRequest struct {
	Channel    string `json:"channel"`
	UID        int64  `json:"uid"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type sessionResponse struct {
	Session    session.Snapshot `json:"session"`
	Credential token.Credential `json:"credential"`
}

type connectionRequest struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
}

type renewRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type transcriptResponse struct {
	SessionID string `json:"session_id"`
	Events    any    `json:"events"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status its fault kind maps to.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := fault.HTTPStatus(err)
	code := string(fault.KindOf(err))
	if code == "" {
		code = "internal"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = "timeout"
		}
	}
	upStatus, upBody := fault.Upstream(err)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Warn("request failed", "path", r.URL.Path, "status", status, "err", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{
		Error:  err.Error(),
		Code:   code,
		Status: upStatus,
		Body:   upBody,
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fault.Validation("httpapi.decode", "malformed request body: %v", err)
	}
	return nil
}

// maxSeconds is the largest whole-second count a time.Duration can hold.
const maxSeconds = int64(math.MaxInt64 / time.Second)

func ttl(seconds int64) (time.Duration, error) {
	if seconds < 0 {
		return 0, fault.Validation("httpapi.ttl", "ttl_seconds must not be negative")
	}
	if seconds > maxSeconds {
		return 0, fault.Validation("httpapi.ttl", "ttl_seconds %d is out of range", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

// parseWait accepts a Go duration ("5s") or whole seconds ("5").
func parseWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fault.Validation("httpapi.wait", "wait must not be negative")
		}
		if n > maxSeconds {
			return 0, fault.Validation("httpapi.wait", "wait %d is out of range", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fault.Validation("httpapi.wait", "wait must be seconds or a duration, got %q", s)
	}
	return d, nil
}

func parseSince(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fault.Validation("httpapi.since", "since must be an integer, got %q", s)
	}
	return n, nil
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	role, err := token.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := ttl(req.TTLSeconds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cred, err := s.o.IssueToken(req.Channel, req.UID, role, d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := ttl(req.TTLSeconds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, cred, err := s.o.StartSession(r.Context(), req.Channel, req.UID, d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: snap, Credential: cred})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.o.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) reportConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := transport.ParseState(req.State)
	if err != nil {
		writeError(w, r, fault.Wrap(fault.KindValidation, "httpapi.connection", err))
		return
	}
	snap, err := s.o.ReportConnection(r.Context(), chi.URLParam(r, "id"), st, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) joinChannel(w http.ResponseWriter, r *http.Request) {
	snap, err := s.o.JoinChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) renewToken(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := ttl(req.TTLSeconds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cred, err := s.o.RenewToken(r.Context(), chi.URLParam(r, "id"), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.AgentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.o.StartAgent(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	snap, err := s.o.StopAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.o.StopSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) submitText(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ex, err := s.o.SubmitText(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) transcript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	since, err := parseSince(q.Get("since"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	wait, err := parseWait(q.Get("wait"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.o.Transcript(r.Context(), id, since, wait)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Events: events})
}

func (s *Server) ingestWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, r, fault.Validation("httpapi.webhook", "read body: %v", err))
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, r, fault.Validation("httpapi.webhook", "body exceeds %d bytes", maxBodyBytes))
		return
	}
	res, err := s.o.IngestWebhook(r.Context(), r.Header, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
