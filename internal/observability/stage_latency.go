package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stage names recorded by the turn pipeline.
const (
	StageInputFanout   = "input_fanout"
	StageMemoryIndex   = "memory_index"
	StageContextFanout = "context_fanout"
	StageGeneration    = "generation"
	StageTurnDelivery  = "turn_delivery"
	StageOutputFanout  = "output_fanout"
	StageTurnTotal     = "turn_total"
)

// stageTargets are the p95 budgets, in milliseconds, reported next to each
// stage on /v1/perf/latency.
var stageTargets = map[string]float64{
	StageInputFanout:   400,
	StageMemoryIndex:   50,
	StageContextFanout: 100,
	StageGeneration:    8000,
	StageTurnDelivery:  10,
	StageOutputFanout:  400,
	StageTurnTotal:     9000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TurnStageSnapshot is the /v1/perf/latency body.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// latencyRing keeps the newest cap(samples) observations of one stage.
type latencyRing struct {
	samples []float64
	oldest  int
	last    float64
}

func (r *latencyRing) add(ms float64) {
	r.last = ms
	if len(r.samples) < cap(r.samples) {
		r.samples = append(r.samples, ms)
		return
	}
	r.samples[r.oldest] = ms
	r.oldest = (r.oldest + 1) % len(r.samples)
}

func (r *latencyRing) stats(stage string) TurnStageStats {
	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      roundMS(r.last),
		AvgMS:       roundMS(sum / float64(len(sorted))),
		P50MS:       roundMS(nearestRank(sorted, 50)),
		P95MS:       roundMS(nearestRank(sorted, 95)),
		P99MS:       roundMS(nearestRank(sorted, 99)),
		TargetP95MS: stageTargets[stage],
	}
}

// stageLatencies is the rolling per-stage window behind /v1/perf/latency,
// plus counters for notable turn events.
type stageLatencies struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*latencyRing
	indicators map[string]int
}

func newStageLatencies(size int) *stageLatencies {
	if size <= 0 {
		size = 256
	}
	w := &stageLatencies{size: size}
	w.clear()
	return w
}

func (w *stageLatencies) clear() {
	w.rings = make(map[string]*latencyRing)
	w.indicators = make(map[string]int)
}

func (w *stageLatencies) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &latencyRing{samples: make([]float64, 0, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *stageLatencies) ObserveIndicator(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageLatencies) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clear()
}

func (w *stageLatencies) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		snap.Stages = append(snap.Stages, w.rings[stage].stats(stage))
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// nearestRank returns the smallest sample with at least pct percent of the
// samples at or below it.
func nearestRank(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
