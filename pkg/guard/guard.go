package guard

import (
	"context"
	"fmt"

	"tabguard/pkg/events"
	"tabguard/pkg/match"
	"tabguard/pkg/metrics"
	"tabguard/pkg/models"
	"tabguard/pkg/registry"
)

// Request is the per-request context the evaluator needs, passed
// explicitly rather than read from ambient globals.
type Request struct {
	UserID    string
	Roles     []string
	Route     string
	SessionID string
	UserAgent string
	IP        string
	TabID     string
}

func (r Request) scope() registry.Scope {
	return registry.Scope{UserID: r.UserID, SessionID: r.SessionID}
}

// Service is the tab-admission engine: it registers tabs and evaluates
// the three rule tiers (global, role, route) in order, short-circuiting
// on the first denial.
type Service struct {
	Config   *Config
	Registry *registry.Registry
	Events   events.Emitter
	Metrics  *metrics.Registry
}

// NewService wires the registry to the rule config's storage knobs.
func NewService(cfg *Config, reg *registry.Registry, sink events.Emitter) *Service {
	if sink == nil {
		sink = events.Nop{}
	}
	reg.Prefix = cfg.Session.KeyPrefix
	reg.Timeout = cfg.TabTimeout()
	reg.SessionTTL = cfg.SessionTTL()
	reg.AntiBypass = cfg.Security.PreventIncognitoBypass
	reg.Serialize = cfg.SerializeUsers
	return &Service{Config: cfg, Registry: reg, Events: sink}
}

// ShouldGuard reports whether a request for the named route is subject to
// admission at all.
func (s *Service) ShouldGuard(route string) bool {
	if !s.Config.Enabled {
		return false
	}
	return !match.Any(s.Config.Global.ExcludedRoutes, route)
}

// Evaluate registers the request's tab and runs the rule tiers. An
// unauthenticated request is always allowed: there is no tab concept
// without an identity to scope it to. Note the ordering: registration
// happens before the checks, so a denied tab remains persisted unless
// evict_on_deny is set.
func (s *Service) Evaluate(ctx context.Context, req Request) (models.Verdict, error) {
	if !s.ShouldGuard(req.Route) || req.UserID == "" {
		return models.Verdict{Allowed: true}, nil
	}
	if req.TabID == "" {
		req.TabID = NewTabID(req.SessionID, req.UserAgent, req.IP)
	}
	sc := req.scope()
	tab := models.Tab{
		ID:        req.TabID,
		Route:     req.Route,
		UserAgent: req.UserAgent,
		IP:        req.IP,
		SessionID: req.SessionID,
	}
	if _, err := s.Registry.Register(ctx, sc, tab); err != nil {
		return s.storeFailure(ctx, req, err), nil
	}
	s.emitActivity(ctx, events.Event{
		Kind: events.KindActivity, Action: events.ActionTabRegistered,
		UserID: req.UserID, TabID: req.TabID, Route: req.Route,
	})

	for _, tc := range s.tierChecks(req) {
		verdict, err := s.runTier(ctx, sc, tc)
		if err != nil {
			return s.storeFailure(ctx, req, err), nil
		}
		if verdict != nil {
			return s.deny(ctx, req, tc, *verdict), nil
		}
	}
	s.incVerdict("allowed")
	return models.Verdict{Allowed: true}, nil
}

// tierCheck is one ceiling to test: which tabs to count, the maximum, and
// the denial context to report.
type tierCheck struct {
	tier      string
	violation string
	max       int
	patterns  []string // nil counts every live tab
	role      string
	module    string
	pattern   string
	message   string
}

// tierChecks expands the config into the ordered ceilings that apply to
// this request: the global tier, then every matching module of every role
// the user holds (first match wins), then the standalone route rules in
// declaration order.
func (s *Service) tierChecks(req Request) []tierCheck {
	var checks []tierCheck
	cfg := s.Config
	if cfg.Global.Enabled {
		checks = append(checks, tierCheck{
			tier:      models.TierGlobal,
			violation: events.ViolationGlobalLimit,
			max:       cfg.Global.MaxTabs,
			message:   cfg.Messages.GlobalLimitExceeded,
		})
	}
	for _, role := range req.Roles {
		for _, mod := range cfg.Roles[role] {
			if !mod.Enabled || !match.Any(mod.Routes, req.Route) {
				continue
			}
			checks = append(checks, tierCheck{
				tier:      models.TierRole,
				violation: events.ViolationRoleLimit,
				max:       mod.MaxTabs,
				patterns:  mod.Routes,
				role:      role,
				module:    mod.Name,
				message:   cfg.Messages.RoleLimitExceeded,
			})
		}
	}
	for _, rule := range cfg.Routes {
		if !rule.Enabled || !match.Route(rule.Pattern, req.Route) {
			continue
		}
		message := rule.Message
		if message == "" {
			message = cfg.Messages.RouteLimitExceeded
		}
		checks = append(checks, tierCheck{
			tier:      models.TierRoute,
			violation: events.ViolationRouteLimit,
			max:       rule.MaxTabs,
			patterns:  []string{rule.Pattern},
			pattern:   rule.Pattern,
			message:   message,
		})
	}
	return checks
}

// runTier counts the live tabs in the check's scope and returns a denial
// verdict when the count strictly exceeds the ceiling. The ceiling is the
// last allowed count: the tab pushing the set past it is the one denied.
func (s *Service) runTier(ctx context.Context, sc registry.Scope, tc tierCheck) (*models.Verdict, error) {
	var (
		tabs models.TabSet
		err  error
	)
	if tc.patterns == nil {
		tabs, err = s.Registry.CurrentTabs(ctx, sc)
	} else {
		tabs, err = s.Registry.TabsMatchingRoutes(ctx, sc, tc.patterns)
	}
	if err != nil {
		return nil, err
	}
	n := len(tabs)
	if n <= tc.max {
		return nil, nil
	}
	return &models.Verdict{
		Allowed:      false,
		Tier:         tc.tier,
		Current:      n,
		Max:          tc.max,
		Role:         tc.role,
		Module:       tc.module,
		RoutePattern: tc.pattern,
		Message:      renderMessage(tc.message, tc.max),
	}, nil
}

func (s *Service) deny(ctx context.Context, req Request, tc tierCheck, verdict models.Verdict) models.Verdict {
	detail := map[string]any{}
	if tc.role != "" {
		detail["role"] = tc.role
		detail["module"] = tc.module
	}
	if tc.pattern != "" {
		detail["route_pattern"] = tc.pattern
	}
	s.emitViolation(ctx, events.Event{
		Kind: events.KindViolation, Violation: tc.violation,
		UserID: req.UserID, TabID: req.TabID, Route: req.Route,
		Current: verdict.Current, Max: verdict.Max, Context: detail,
	})
	s.incVerdict(verdict.Tier)
	s.incViolation(tc.violation)
	if s.Config.EvictOnDeny {
		// Turn the ceiling into a hard cap: drop the tab that was
		// registered just before the checks ran.
		_ = s.Registry.Close(ctx, req.scope(), req.TabID)
	}
	return verdict
}

// storeFailure applies the availability policy when a backend is down:
// deny by default, allow when fail_open is configured.
func (s *Service) storeFailure(ctx context.Context, req Request, err error) models.Verdict {
	s.emitViolation(ctx, events.Event{
		Kind: events.KindViolation, Violation: events.ViolationStoreUnavailable,
		UserID: req.UserID, TabID: req.TabID, Route: req.Route,
		Context: map[string]any{"error": err.Error()},
	})
	s.incViolation(events.ViolationStoreUnavailable)
	if s.Config.FailOpen {
		s.incVerdict("allowed")
		return models.Verdict{Allowed: true, Reason: "store_unavailable"}
	}
	s.incVerdict("store_unavailable")
	return models.Verdict{
		Allowed: false,
		Reason:  "store_unavailable",
		Message: s.Config.Messages.StoreUnavailable,
	}
}

// CloseTab removes a tab from both stores. Success is reported whether or
// not the id existed.
func (s *Service) CloseTab(ctx context.Context, req Request) error {
	if req.UserID == "" {
		return ErrUnauthenticated
	}
	if req.TabID == "" {
		return fmt.Errorf("%w: tab id required", ErrValidation)
	}
	if err := s.Registry.Close(ctx, req.scope(), req.TabID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.emitActivity(ctx, events.Event{
		Kind: events.KindActivity, Action: events.ActionTabClosed,
		UserID: req.UserID, TabID: req.TabID,
	})
	return nil
}

// Heartbeat refreshes a tab's lastActivity. Unknown ids are a silent
// no-op so an expired tab cannot be resurrected.
func (s *Service) Heartbeat(ctx context.Context, req Request) error {
	if req.UserID == "" {
		return ErrUnauthenticated
	}
	if req.TabID == "" {
		return fmt.Errorf("%w: tab id required", ErrValidation)
	}
	if err := s.Registry.Touch(ctx, req.scope(), req.TabID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.emitActivity(ctx, events.Event{
		Kind: events.KindActivity, Action: events.ActionTabTouched,
		UserID: req.UserID, TabID: req.TabID,
	})
	return nil
}

// TabInfo returns the current user's live tabs and the global ceiling.
func (s *Service) TabInfo(ctx context.Context, req Request) (models.TabInfo, error) {
	if req.UserID == "" {
		return models.TabInfo{}, ErrUnauthenticated
	}
	tabs, err := s.Registry.CurrentTabs(ctx, req.scope())
	if err != nil {
		return models.TabInfo{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return models.TabInfo{
		TotalTabs:   len(tabs),
		GlobalLimit: s.Config.Global.MaxTabs,
		Tabs:        tabs,
	}, nil
}

// Status reflects configuration and identity only; it never touches the
// registry.
func (s *Service) Status(userID string) models.Status {
	return models.Status{
		Enabled:           s.Config.Enabled,
		GlobalMaxTabs:     s.Config.Global.MaxTabs,
		UserAuthenticated: userID != "",
		UserID:            userID,
	}
}

func (s *Service) emitActivity(ctx context.Context, e events.Event) {
	if !s.Config.Logging.Enabled || !s.Config.Logging.LogAttempts {
		return
	}
	s.Events.Emit(ctx, events.Stamp(e))
}

func (s *Service) emitViolation(ctx context.Context, e events.Event) {
	if !s.Config.Logging.Enabled || !s.Config.Logging.LogViolations {
		return
	}
	s.Events.Emit(ctx, events.Stamp(e))
}

func (s *Service) incVerdict(outcome string) {
	if s.Metrics != nil {
		s.Metrics.IncVerdict(outcome)
	}
}

func (s *Service) incViolation(violationType string) {
	if s.Metrics != nil {
		s.Metrics.IncViolation(violationType)
	}
}
