package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"tabguard/pkg/audit"
	"tabguard/pkg/auth"
	"tabguard/pkg/events"
	"tabguard/pkg/guard"
	"tabguard/pkg/httpx"
	"tabguard/pkg/metrics"
	"tabguard/pkg/ratelimit"
)

type Server struct {
	Guard              *guard.Service
	Metrics            *metrics.Registry
	Hub                *events.Hub
	Audit              *audit.Writer
	Limiter            ratelimit.Limiter
	RateLimitPerMinute int
}

type tabRequest struct {
	TabID string `json:"tabId"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	httpx.WriteJSON(w, http.StatusOK, s.Guard.Status(p.Subject))
}

// handleEvaluate runs one admission check for a fronting proxy that cannot
// mount the guard middleware in-process (nginx auth_request and the like).
// Allowed verdicts come back 200, denials 403, both with the verdict body.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Route string `json:"route"`
		TabID string `json:"tabId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Route == "" {
		httpx.Error(w, http.StatusBadRequest, "route is required")
		return
	}
	verdict, err := s.Guard.Evaluate(r.Context(), guard.Request{
		UserID:    p.Subject,
		Roles:     p.Roles,
		SessionID: p.SessionID,
		Route:     body.Route,
		TabID:     body.TabID,
		UserAgent: r.UserAgent(),
		IP:        guard.ClientIP(r),
	})
	if err != nil {
		s.writeGuardError(w, err)
		return
	}
	status := http.StatusOK
	if !verdict.Allowed {
		status = http.StatusForbidden
	}
	httpx.WriteJSON(w, status, verdict)
}

func (s *Server) handleCloseTab(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	body, ok := s.decodeTabRequest(w, r)
	if !ok {
		return
	}
	err := s.Guard.CloseTab(r.Context(), guard.Request{
		UserID:    p.Subject,
		SessionID: p.SessionID,
		TabID:     body.TabID,
	})
	if err != nil {
		s.writeGuardError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	body, ok := s.decodeTabRequest(w, r)
	if !ok {
		return
	}
	err := s.Guard.Heartbeat(r.Context(), guard.Request{
		UserID:    p.Subject,
		SessionID: p.SessionID,
		TabID:     body.TabID,
	})
	if err != nil {
		s.writeGuardError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTabInfo(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	info, err := s.Guard.TabInfo(r.Context(), guard.Request{
		UserID:    p.Subject,
		SessionID: p.SessionID,
	})
	if err != nil {
		s.writeGuardError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, info)
}

// handleViolations serves the audit trail to operators.
func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !auth.HasAnyRole(p, "operator", "admin") {
		httpx.Error(w, http.StatusForbidden, "operator role required")
		return
	}
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotFound, "audit storage not configured")
		return
	}
	records, err := s.Audit.Recent(r.Context(), r.URL.Query().Get("user"), 100)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"violations": records})
}

// streamEvents feeds live guard events over a websocket.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || !auth.HasAnyRole(p, "operator", "admin") {
		httpx.Error(w, http.StatusForbidden, "operator role required")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ch := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// requireUser enforces authentication and the per-user API rate limit for
// the registry-touching endpoints.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.Subject == "" {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	if s.Limiter != nil {
		if decision := s.Limiter.Allow("api:"+p.Subject, s.RateLimitPerMinute); !decision.Allowed {
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return auth.Principal{}, false
		}
	}
	return p, true
}

func (s *Server) decodeTabRequest(w http.ResponseWriter, r *http.Request) (tabRequest, bool) {
	var body tabRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return tabRequest{}, false
	}
	return body, true
}

func (s *Server) writeGuardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, guard.ErrUnauthenticated):
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, guard.ErrValidation):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, guard.ErrStoreUnavailable):
		httpx.Error(w, http.StatusServiceUnavailable, "tab store unavailable")
	default:
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// observe records per-endpoint latency and status metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs for hijacking.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
