package guard

import (
	"fmt"
	"html"
	"net"
	"net/http"
	"strings"

	"tabguard/pkg/auth"
	"tabguard/pkg/httpx"
	"tabguard/pkg/models"
)

// TabIDHeader carries the tab id between the browser-side script and the
// guard: inbound on requests, outbound after a registration.
const TabIDHeader = "X-Tab-ID"

// RequestFromHTTP assembles the evaluator input from an HTTP request and
// the principal established by the auth middleware.
func RequestFromHTTP(r *http.Request, route string) Request {
	p, _ := auth.PrincipalFromContext(r.Context())
	return Request{
		UserID:    p.Subject,
		Roles:     p.Roles,
		Route:     route,
		SessionID: p.SessionID,
		UserAgent: r.UserAgent(),
		IP:        ClientIP(r),
		TabID:     strings.TrimSpace(r.Header.Get(TabIDHeader)),
	}
}

// Middleware guards the wrapped handler under the given route name and
// renders denials per the response config (json, redirect or view).
func (s *Service) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.ShouldGuard(route) {
				next.ServeHTTP(w, r)
				return
			}
			req := RequestFromHTTP(r, route)
			if req.UserID == "" {
				next.ServeHTTP(w, r)
				return
			}
			if req.TabID == "" {
				req.TabID = NewTabID(req.SessionID, req.UserAgent, req.IP)
			}
			w.Header().Set(TabIDHeader, req.TabID)
			verdict, err := s.Evaluate(r.Context(), req)
			if err != nil {
				httpx.Error(w, http.StatusInternalServerError, "tab evaluation failed")
				return
			}
			if verdict.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			s.renderDenial(w, r, verdict)
		})
	}
}

func (s *Service) renderDenial(w http.ResponseWriter, r *http.Request, verdict models.Verdict) {
	switch s.Config.Response.Type {
	case "redirect":
		target := s.Config.Response.RedirectURL
		if target == "" {
			target = "/"
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
	case "view":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintf(w, limitExceededPage, html.EscapeString(verdict.Message))
	default:
		httpx.WriteJSON(w, http.StatusForbidden, map[string]any{
			"success":    false,
			"code":       "TAB_LIMIT_EXCEEDED",
			"message":    verdict.Message,
			"validation": verdict,
		})
	}
}

const limitExceededPage = `<!DOCTYPE html>
<html>
<head><title>Tab Limit Exceeded</title></head>
<body>
<h1>Tab limit exceeded</h1>
<p>%s</p>
<p>Close an existing tab and try again.</p>
</body>
</html>
`

// ClientIP resolves the caller address: the first X-Forwarded-For hop
// when present, otherwise the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			xff = xff[:idx]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
