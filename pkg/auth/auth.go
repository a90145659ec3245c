package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Principal is the authenticated caller: subject, the roles the identity
// provider granted (in provider order), and the ambient session id.
type Principal struct {
	Subject   string
	Roles     []string
	SessionID string
}

type contextKey string

const principalContextKey contextKey = "tabguard.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// SessionCookie is the cookie consulted when neither the token nor the
// X-Session-ID header carries a session id.
const SessionCookie = "tab_guard_session"

func sessionIDFromRequest(r *http.Request, claimed string) string {
	if claimed != "" {
		return claimed
	}
	if v := strings.TrimSpace(r.Header.Get("X-Session-ID")); v != "" {
		return v
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// Middleware resolves the request principal. Modes:
//
//	off:        no identity; requests pass through unauthenticated.
//	header:     trust X-User-ID / X-User-Roles set by a fronting gateway.
//	oidc_hs256: verify an HS256 bearer token against the shared secret.
//
// Requests without credentials are never rejected here: the guard treats
// unauthenticated traffic as unguarded, and the endpoints that require
// identity refuse it themselves.
func Middleware(mode, secret string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			switch mode {
			case "header":
				p.Subject = strings.TrimSpace(r.Header.Get("X-User-ID"))
				for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
					if role = strings.TrimSpace(role); role != "" {
						p.Roles = append(p.Roles, role)
					}
				}
			case "oidc_hs256":
				header := strings.TrimSpace(r.Header.Get("Authorization"))
				if strings.HasPrefix(strings.ToLower(header), "bearer ") {
					token := strings.TrimSpace(header[len("Bearer "):])
					claims, err := VerifyHS256Token(token, secret, time.Now().UTC())
					if err != nil {
						http.Error(w, "invalid token", http.StatusUnauthorized)
						return
					}
					p = Principal{Subject: claims.Sub, Roles: claims.Roles, SessionID: claims.SID}
				}
			}
			p.SessionID = sessionIDFromRequest(r, p.SessionID)
			if p.Subject == "" {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

type TokenClaims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles"`
	SID   string   `json:"sid,omitempty"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
}

func VerifyHS256Token(token, secret string, now time.Time) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return TokenClaims{}, err
	}
	if claims.Exp > 0 && now.Unix() >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf > 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not yet valid")
	}
	if claims.Sub == "" {
		return TokenClaims{}, errors.New("sub claim required")
	}
	return claims, nil
}
