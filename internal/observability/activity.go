package observability

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/recall/internal/retrieval"
)

// ring holds the last len(buf) values pushed into it.
type ring[T any] struct {
	buf  []T
	next int
	n    int
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{buf: make([]T, size)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// items returns the held values, oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, 0, r.n)
	start := (r.next - r.n + len(r.buf)) % len(r.buf)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

type resolution struct {
	path     retrieval.Path
	messages int
}

// OperationStats describes the recent latency of one API operation.
type OperationStats struct {
	Operation   string  `json:"operation"`
	Samples     int     `json:"samples"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target"`
}

// ScopeStats describes how the recent windows of one scope were resolved.
// FallbackShare is the fraction that missed every keyword annotation.
type ScopeStats struct {
	Scope         string         `json:"scope"`
	Windows       int            `json:"windows"`
	AvgMessages   float64        `json:"avg_messages"`
	Paths         map[string]int `json:"paths"`
	FallbackShare float64        `json:"fallback_share"`
}

type ActivitySnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Operations  []OperationStats `json:"operations"`
	Scopes      []ScopeStats     `json:"scopes"`
}

// activityWindow keeps the last size latencies per operation and the last
// size window resolutions per retrieval scope.
type activityWindow struct {
	mu      sync.Mutex
	size    int
	latency map[string]*ring[float64]
	windows map[retrieval.Scope]*ring[resolution]
}

func newActivityWindow(size int) *activityWindow {
	if size <= 0 {
		size = 256
	}
	return &activityWindow{
		size:    size,
		latency: make(map[string]*ring[float64]),
		windows: make(map[retrieval.Scope]*ring[resolution]),
	}
}

func (w *activityWindow) ObserveLatency(operation string, ms float64) {
	if operation == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.latency[operation]
	if !ok {
		r = newRing[float64](w.size)
		w.latency[operation] = r
	}
	r.push(ms)
}

func (w *activityWindow) ObserveWindow(scope retrieval.Scope, path retrieval.Path, messages int) {
	if scope == "" || path == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.windows[scope]
	if !ok {
		r = newRing[resolution](w.size)
		w.windows[scope] = r
	}
	r.push(resolution{path: path, messages: messages})
}

func (w *activityWindow) Snapshot() ActivitySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := ActivitySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Operations:  make([]OperationStats, 0, len(w.latency)),
		Scopes:      make([]ScopeStats, 0, len(w.windows)),
	}
	for op, r := range w.latency {
		snap.Operations = append(snap.Operations, operationStats(op, r.items()))
	}
	sort.Slice(snap.Operations, func(i, j int) bool {
		return snap.Operations[i].Operation < snap.Operations[j].Operation
	})
	for scope, r := range w.windows {
		snap.Scopes = append(snap.Scopes, scopeStats(scope, r.items()))
	}
	sort.Slice(snap.Scopes, func(i, j int) bool { return snap.Scopes[i].Scope < snap.Scopes[j].Scope })
	return snap
}

func operationStats(op string, samples []float64) OperationStats {
	sort.Float64s(samples)
	target := operationTargetP95MS(op)
	over := 0
	if target > 0 {
		over = len(samples) - sort.SearchFloat64s(samples, math.Nextafter(target, math.Inf(1)))
	}
	return OperationStats{
		Operation:   op,
		Samples:     len(samples),
		P50MS:       round2(nearestRank(samples, 0.50)),
		P95MS:       round2(nearestRank(samples, 0.95)),
		MaxMS:       round2(samples[len(samples)-1]),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

func scopeStats(scope retrieval.Scope, items []resolution) ScopeStats {
	stats := ScopeStats{Scope: string(scope), Windows: len(items), Paths: make(map[string]int)}
	total, fallback := 0, 0
	for _, it := range items {
		stats.Paths[string(it.path)]++
		total += it.messages
		switch it.path {
		case retrieval.PathRecencyFallback, retrieval.PathSimilarityPivot:
			fallback++
		}
	}
	stats.AvgMessages = round2(float64(total) / float64(len(items)))
	stats.FallbackShare = round2(float64(fallback) / float64(len(items)))
	return stats
}

// nearestRank expects sorted, non-empty input.
func nearestRank(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// operationTargetP95MS is the latency budget of each operation; zero means none.
func operationTargetP95MS(operation string) float64 {
	switch operation {
	case "append_message":
		return 25
	case "recent_window":
		return 20
	case "keyword_window", "user_keyword_window":
		return 50
	default:
		return 0
	}
}
