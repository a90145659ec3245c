package guard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tabguard/pkg/auth"
)

func doGuarded(t *testing.T, svc *Service, route string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	handler := svc.Middleware(route)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{
		Subject:   "u1",
		SessionID: "s1",
	}))
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAllowsAndEchoesTabID(t *testing.T) {
	svc, _ := newTestService(t, nil)

	rec := doGuarded(t, svc, "dashboard", func(r *http.Request) {
		r.Header.Set(TabIDHeader, "t1")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get(TabIDHeader) != "t1" {
		t.Fatalf("tab id header = %q", rec.Header().Get(TabIDHeader))
	}

	// Without an inbound id the middleware mints one and returns it.
	rec = doGuarded(t, svc, "dashboard", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(rec.Header().Get(TabIDHeader)) != 64 {
		t.Fatalf("generated tab id header = %q", rec.Header().Get(TabIDHeader))
	}
}

func TestMiddlewareJSONDenial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Global.MaxTabs = 1
	svc, _ := newTestService(t, cfg)

	doGuarded(t, svc, "dashboard", func(r *http.Request) { r.Header.Set(TabIDHeader, "t1") })
	rec := doGuarded(t, svc, "dashboard", func(r *http.Request) { r.Header.Set(TabIDHeader, "t2") })
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Success || body.Code != "TAB_LIMIT_EXCEEDED" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if !strings.Contains(body.Message, "(1)") {
		t.Fatalf("message not rendered: %q", body.Message)
	}
}

func TestMiddlewareRedirectDenial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Global.MaxTabs = 1
	cfg.Response = ResponseConfig{Type: "redirect", RedirectURL: "/too-many-tabs"}
	svc, _ := newTestService(t, cfg)

	doGuarded(t, svc, "dashboard", func(r *http.Request) { r.Header.Set(TabIDHeader, "t1") })
	rec := doGuarded(t, svc, "dashboard", func(r *http.Request) { r.Header.Set(TabIDHeader, "t2") })
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/too-many-tabs" {
		t.Fatalf("location = %q", loc)
	}
}

func TestMiddlewareViewDenial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Global.MaxTabs = 1
	cfg.Response = ResponseConfig{Type: "view"}
	svc, _ := newTestService(t, cfg)

	doGuarded(t, svc, "dashboard", func(r *http.Request) { r.Header.Set(TabIDHeader, "t1") })
	rec := doGuarded(t, svc, "dashboard", func(r *http.Request) { r.Header.Set(TabIDHeader, "t2") })
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "Tab limit exceeded") {
		t.Fatalf("unexpected page: %s", rec.Body.String())
	}
}

func TestMiddlewarePassesUnauthenticated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Global.MaxTabs = 1
	svc, _ := newTestService(t, cfg)

	handler := svc.Middleware("dashboard")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("anonymous request %d: status %d", i, rec.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4123"
	if got := ClientIP(req); got != "192.0.2.7" {
		t.Fatalf("ClientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("ClientIP with XFF = %q", got)
	}
}

func TestNewTabIDUnique(t *testing.T) {
	a := NewTabID("s1", "agent", "10.0.0.1")
	b := NewTabID("s1", "agent", "10.0.0.1")
	if len(a) != 64 || len(b) != 64 {
		t.Fatalf("tab ids %q %q are not sha256 hex digests", a, b)
	}
	if a == b {
		t.Fatal("tab ids must be unique per call")
	}
}
