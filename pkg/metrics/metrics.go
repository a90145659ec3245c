package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	verdicts   map[string]int64
	violations map[string]int64
	gauges     map[string]float64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Verdicts    map[string]int64        `json:"verdicts"`
	Violations  map[string]int64        `json:"violations"`
	Gauges      map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		verdicts:   map[string]int64{},
		violations: map[string]int64{},
		gauges:     map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncVerdict counts one evaluation outcome. Denials are keyed by tier,
// allowed evaluations under "allowed".
func (r *Registry) IncVerdict(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.verdicts[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncViolation(violationType string) {
	if violationType == "" {
		return
	}
	r.mu.Lock()
	r.violations[violationType]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:    make(map[string]int64, len(r.verdicts)),
		Violations:  make(map[string]int64, len(r.violations)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdicts {
		out.Verdicts[k] = v
	}
	for k, v := range r.violations {
		out.Violations[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP tabguard_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE tabguard_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "tabguard_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP tabguard_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE tabguard_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "tabguard_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP tabguard_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE tabguard_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "tabguard_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP tabguard_verdict_total evaluations by outcome\n")
		b.WriteString("# TYPE tabguard_verdict_total counter\n")
		for _, outcome := range sortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "tabguard_verdict_total{outcome=%q} %d\n", outcome, snap.Verdicts[outcome])
		}
		b.WriteString("# HELP tabguard_violation_total limit violations by type\n")
		b.WriteString("# TYPE tabguard_violation_total counter\n")
		for _, vt := range sortedKeys(snap.Violations) {
			fmt.Fprintf(b, "tabguard_violation_total{type=%q} %d\n", vt, snap.Violations[vt])
		}
		b.WriteString("# HELP tabguard_gauge operational gauge metrics\n")
		b.WriteString("# TYPE tabguard_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "tabguard_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
