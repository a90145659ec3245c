package events

import (
	"context"
	"log"
	"time"
)

// Guard event kinds.
const (
	KindActivity  = "activity"
	KindViolation = "violation"
)

// Activity actions.
const (
	ActionTabRegistered = "tab_registered"
	ActionTabTouched    = "tab_touched"
	ActionTabClosed     = "tab_closed"
	ActionSweep         = "sweep"
)

// Violation types, one per denying tier plus the store outage case.
const (
	ViolationGlobalLimit      = "global_limit_exceeded"
	ViolationRoleLimit        = "role_limit_exceeded"
	ViolationRouteLimit       = "route_limit_exceeded"
	ViolationStoreUnavailable = "store_unavailable"
)

// Event is one structured guard occurrence. The core emits these as data;
// formatting and channel routing belong to the sinks.
type Event struct {
	Kind      string         `json:"kind"`
	Action    string         `json:"action,omitempty"`
	Violation string         `json:"violation_type,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	TabID     string         `json:"tab_id,omitempty"`
	Route     string         `json:"route,omitempty"`
	Current   int            `json:"current,omitempty"`
	Max       int            `json:"max,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	At        time.Time      `json:"at"`
}

// Emitter receives guard events. Implementations must not block the
// request path.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// LogEmitter writes events through the standard logger.
type LogEmitter struct {
	Logger *log.Logger
}

func (l *LogEmitter) Emit(_ context.Context, e Event) {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	switch e.Kind {
	case KindViolation:
		logger.Printf("tabguard violation type=%s user=%s route=%s current=%d max=%d context=%v",
			e.Violation, e.UserID, e.Route, e.Current, e.Max, e.Context)
	default:
		logger.Printf("tabguard activity action=%s user=%s tab=%s route=%s",
			e.Action, e.UserID, e.TabID, e.Route)
	}
}

// Multi fans an event out to every sink.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(ctx, e)
		}
	}
}

// Stamp fills At when the producer left it zero.
func Stamp(e Event) Event {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return e
}
