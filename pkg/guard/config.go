package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GlobalRule is the whole-application ceiling.
type GlobalRule struct {
	Enabled        bool     `json:"enabled"`
	MaxTabs        int      `json:"max_tabs"`
	ExcludedRoutes []string `json:"excluded_routes"`
}

// ModuleRule is one named module ceiling under a role. Modules are a list,
// not a map: first-match denial depends on declaration order.
type ModuleRule struct {
	Name    string   `json:"module"`
	Enabled bool     `json:"enabled"`
	MaxTabs int      `json:"max_tabs"`
	Routes  []string `json:"routes"`
}

// RouteRule is a standalone per-route-pattern ceiling, independent of roles.
type RouteRule struct {
	Pattern string `json:"pattern"`
	Enabled bool   `json:"enabled"`
	MaxTabs int    `json:"max_tabs"`
	Message string `json:"message,omitempty"`
}

type SessionConfig struct {
	KeyPrefix          string `json:"key_prefix"`
	TabTimeoutSec      int    `json:"tab_timeout"`
	CleanupIntervalSec int    `json:"cleanup_interval"`
	SessionTTLSec      int    `json:"session_ttl"`
}

type SecurityConfig struct {
	PreventIncognitoBypass bool `json:"prevent_incognito_bypass"`
}

type LoggingConfig struct {
	Enabled       bool `json:"enabled"`
	LogAttempts   bool `json:"log_attempts"`
	LogViolations bool `json:"log_violations"`
}

// ResponseConfig controls how the HTTP middleware renders a denial.
type ResponseConfig struct {
	Type        string `json:"type"` // json, redirect or view
	RedirectURL string `json:"redirect_url"`
}

type Messages struct {
	GlobalLimitExceeded string `json:"global_limit_exceeded"`
	RoleLimitExceeded   string `json:"role_limit_exceeded"`
	RouteLimitExceeded  string `json:"route_limit_exceeded"`
	StoreUnavailable    string `json:"store_unavailable"`
}

// Config is the rule set, loaded once per process and read-only afterwards.
type Config struct {
	Enabled        bool                    `json:"enabled"`
	Global         GlobalRule              `json:"global"`
	Roles          map[string][]ModuleRule `json:"roles"`
	Routes         []RouteRule             `json:"routes"`
	Session        SessionConfig           `json:"session"`
	Security       SecurityConfig          `json:"security"`
	Logging        LoggingConfig           `json:"logging"`
	Response       ResponseConfig          `json:"response"`
	Messages       Messages                `json:"messages"`
	EvictOnDeny    bool                    `json:"evict_on_deny"`
	FailOpen       bool                    `json:"fail_open"`
	SerializeUsers bool                    `json:"serialize_users"`
}

func (c *Config) TabTimeout() time.Duration {
	return time.Duration(c.Session.TabTimeoutSec) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.SessionTTLSec) * time.Second
}

// DefaultConfig mirrors the shipped package defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Global: GlobalRule{
			Enabled:        true,
			MaxTabs:        5,
			ExcludedRoutes: []string{"login", "logout", "password.*", "register"},
		},
		Roles:  map[string][]ModuleRule{},
		Routes: nil,
		Session: SessionConfig{
			KeyPrefix:          "tab_guard",
			TabTimeoutSec:      1800,
			CleanupIntervalSec: 300,
			SessionTTLSec:      86400,
		},
		Security: SecurityConfig{PreventIncognitoBypass: true},
		Logging:  LoggingConfig{Enabled: true, LogAttempts: true, LogViolations: true},
		Response: ResponseConfig{Type: "json"},
		Messages: Messages{
			GlobalLimitExceeded: "You have reached the maximum number of allowed tabs (:max) for this application.",
			RoleLimitExceeded:   "You have reached the maximum number of allowed tabs (:max) for this section.",
			RouteLimitExceeded:  "You have reached the maximum number of allowed tabs (:max) for this page.",
			StoreUnavailable:    "Tab tracking is temporarily unavailable.",
		},
		EvictOnDeny:    false,
		FailOpen:       false,
		SerializeUsers: true,
	}
}

// LoadConfig reads a JSON rule file over the defaults and applies the
// TABGUARD_* environment overrides. An empty path loads defaults only.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rule config: %w", err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse rule config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := envBool("TABGUARD_ENABLED"); ok {
		c.Enabled = v
	}
	if v, ok := envBool("TABGUARD_GLOBAL_ENABLED"); ok {
		c.Global.Enabled = v
	}
	if v, ok := envInt("TABGUARD_GLOBAL_MAX"); ok {
		c.Global.MaxTabs = v
	}
	if v, ok := envInt("TABGUARD_TAB_TIMEOUT"); ok {
		c.Session.TabTimeoutSec = v
	}
	if v, ok := envBool("TABGUARD_PREVENT_INCOGNITO_BYPASS"); ok {
		c.Security.PreventIncognitoBypass = v
	}
	if v, ok := envBool("TABGUARD_LOGGING"); ok {
		c.Logging.Enabled = v
	}
	if v, ok := envBool("TABGUARD_EVICT_ON_DENY"); ok {
		c.EvictOnDeny = v
	}
	if v, ok := envBool("TABGUARD_FAIL_OPEN"); ok {
		c.FailOpen = v
	}
	if v, ok := envBool("TABGUARD_SERIALIZE_USERS"); ok {
		c.SerializeUsers = v
	}
	if v := strings.TrimSpace(os.Getenv("TABGUARD_RESPONSE_TYPE")); v != "" {
		c.Response.Type = v
	}
	if v := strings.TrimSpace(os.Getenv("TABGUARD_REDIRECT_URL")); v != "" {
		c.Response.RedirectURL = v
	}
}

func (c *Config) validate() error {
	if c.Global.Enabled && c.Global.MaxTabs <= 0 {
		return fmt.Errorf("global.max_tabs must be positive when the global tier is enabled")
	}
	if c.Session.TabTimeoutSec <= 0 {
		return fmt.Errorf("session.tab_timeout must be positive")
	}
	for role, modules := range c.Roles {
		for _, m := range modules {
			if m.Name == "" {
				return fmt.Errorf("role %q has a module without a name", role)
			}
			if m.Enabled && m.MaxTabs <= 0 {
				return fmt.Errorf("role %q module %q: max_tabs must be positive", role, m.Name)
			}
		}
	}
	for _, rule := range c.Routes {
		if rule.Pattern == "" {
			return fmt.Errorf("route rule without a pattern")
		}
		if rule.Enabled && rule.MaxTabs <= 0 {
			return fmt.Errorf("route rule %q: max_tabs must be positive", rule.Pattern)
		}
	}
	switch c.Response.Type {
	case "", "json", "redirect", "view":
	default:
		return fmt.Errorf("response.type must be json, redirect or view, got %q", c.Response.Type)
	}
	return nil
}

// renderMessage substitutes the ceiling into a message template.
func renderMessage(template string, max int) string {
	return strings.ReplaceAll(template, ":max", strconv.Itoa(max))
}

func envBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	return strings.EqualFold(raw, "true") || raw == "1", true
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
