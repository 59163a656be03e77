package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes the recent latency of one stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	MaxAgeMS    int64        `json:"max_age_ms"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

type stageSample struct {
	at time.Time
	ms float64
}

// stageWindow keeps at most maxSamples samples per stage, none older than maxAge.
type stageWindow struct {
	mu         sync.Mutex
	maxSamples int
	maxAge     time.Duration
	now        func() time.Time
	stages     map[string][]stageSample
	indicators map[string]int
}

func newStageWindow(maxSamples int, maxAge time.Duration) *stageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	return &stageWindow{
		maxSamples: maxSamples,
		maxAge:     maxAge,
		now:        time.Now,
		stages:     make(map[string][]stageSample),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	stage = strings.TrimSpace(stage)
	if w == nil || stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	samples := append(w.stages[stage], stageSample{at: w.now(), ms: ms})
	if len(samples) > w.maxSamples {
		samples = append(samples[:0], samples[len(samples)-w.maxSamples:]...)
	}
	w.stages[stage] = samples
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.maxAge)
	names := make([]string, 0, len(w.stages))
	for name, samples := range w.stages {
		// Samples are appended in time order, so the expired ones lead.
		i := sort.Search(len(samples), func(i int) bool { return !samples[i].at.Before(cutoff) })
		if i == len(samples) {
			delete(w.stages, name)
			continue
		}
		w.stages[name] = samples[i:]
		names = append(names, name)
	}
	sort.Strings(names)

	stages := make([]StageStats, 0, len(names))
	for _, name := range names {
		stages = append(stages, summarize(name, w.stages[name]))
	}

	indicatorNames := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorNames = append(indicatorNames, name)
	}
	sort.Strings(indicatorNames)
	indicators := make([]Indicator, 0, len(indicatorNames))
	for _, name := range indicatorNames {
		indicators = append(indicators, Indicator{Name: name, Count: w.indicators[name]})
	}

	return StageSnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  w.maxSamples,
		MaxAgeMS:    w.maxAge.Milliseconds(),
		Stages:      stages,
		Indicators:  indicators,
	}
}

func summarize(stage string, samples []stageSample) StageStats {
	values := make([]float64, len(samples))
	sum := 0.0
	for i, s := range samples {
		values[i] = s.ms
		sum += s.ms
	}
	sort.Float64s(values)

	st := StageStats{
		Stage:       stage,
		Samples:     len(values),
		LastMS:      samples[len(samples)-1].ms,
		AvgMS:       round2(sum / float64(len(values))),
		P50MS:       round2(nearestRank(values, 0.50)),
		P95MS:       round2(nearestRank(values, 0.95)),
		MaxMS:       values[len(values)-1],
		TargetP95MS: targetP95(stage),
	}
	st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
	return st
}

// nearestRank expects sorted values.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func targetP95(stage string) float64 {
	switch stage {
	case "apod":
		return 1500
	case "fetch_total":
		return 5000
	case "rewrite":
		return 4000
	case "synthesize":
		return 6000
	case "narration_total":
		return 10000
	default:
		return 0
	}
}
