package models

import "time"

// Tab is one tracked browser tab (a concurrent request context) for a user.
type Tab struct {
	ID           string    `json:"id"`
	Route        string    `json:"route"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IP           string    `json:"ip,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
}

// TabSet maps tab id to Tab, scoped to a single user.
type TabSet map[string]Tab

func (s TabSet) Clone() TabSet {
	out := make(TabSet, len(s))
	for id, tab := range s {
		out[id] = tab
	}
	return out
}

// Merge unions the receiver with other. Entries from other win on id
// collision (the cross-session store is the freshness authority).
func (s TabSet) Merge(other TabSet) TabSet {
	out := s.Clone()
	for id, tab := range other {
		out[id] = tab
	}
	return out
}

func (s TabSet) Filter(keep func(Tab) bool) TabSet {
	out := TabSet{}
	for id, tab := range s {
		if keep(tab) {
			out[id] = tab
		}
	}
	return out
}

// Verdict tiers, evaluated in this order.
const (
	TierGlobal = "global"
	TierRole   = "role"
	TierRoute  = "route"
)

// Verdict is the result of one admission evaluation. Tier and the
// tier-specific context fields are set only when Allowed is false.
type Verdict struct {
	Allowed      bool   `json:"allowed"`
	Tier         string `json:"tier,omitempty"`
	Current      int    `json:"current,omitempty"`
	Max          int    `json:"max,omitempty"`
	Role         string `json:"role,omitempty"`
	Module       string `json:"module,omitempty"`
	RoutePattern string `json:"route_pattern,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Message      string `json:"message,omitempty"`
}

// TabInfo is the tab-info endpoint payload for one user.
type TabInfo struct {
	TotalTabs   int    `json:"total_tabs"`
	GlobalLimit int    `json:"global_limit"`
	Tabs        TabSet `json:"tabs"`
}

// Status reflects guard configuration and the caller's identity only.
type Status struct {
	Enabled           bool   `json:"enabled"`
	GlobalMaxTabs     int    `json:"global_max_tabs"`
	UserAuthenticated bool   `json:"user_authenticated"`
	UserID            string `json:"user_id,omitempty"`
}

// SweepResult reports one expiry pass. Scanned and Removed cover the
// session-scoped primary store; the mirror counters cover the cross-session
// secondary, which holds copies of the same tabs.
type SweepResult struct {
	Scanned       int `json:"scanned"`
	Removed       int `json:"removed"`
	MirrorScanned int `json:"mirror_scanned"`
	MirrorRemoved int `json:"mirror_removed"`
}
