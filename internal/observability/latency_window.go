package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Counters    map[string]int `json:"counters,omitempty"`
}

// LatencyWindow keeps the last N samples per stage for quick percentile
// reporting without scraping Prometheus.
type LatencyWindow struct {
	mu       sync.Mutex
	size     int
	rings    map[string]*ring
	counters map[string]int
}

type ring struct {
	vals  []float64
	head  int
	count int
	last  float64
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{size: size, rings: make(map[string]*ring), counters: make(map[string]int)}
}

func (w *LatencyWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &ring{vals: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.vals[r.head] = ms
	r.head = (r.head + 1) % len(r.vals)
	if r.count < len(r.vals) {
		r.count++
	}
	r.last = ms
}

func (w *LatencyWindow) Count(name string) {
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counters[name]++
}

func (w *LatencyWindow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(w.rings))
	for name := range w.rings {
		names = append(names, name)
	}
	sort.Strings(names)

	snap := Snapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size}
	for _, name := range names {
		r := w.rings[name]
		samples := append([]float64(nil), r.vals[:r.count]...)
		sort.Float64s(samples)
		var sum float64
		for _, v := range samples {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       name,
			Samples:     r.count,
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(r.count)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			TargetP95MS: targetP95MS(name),
		})
	}
	if len(w.counters) > 0 {
		snap.Counters = make(map[string]int, len(w.counters))
		for k, v := range w.counters {
			snap.Counters[k] = v
		}
	}
	return snap
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func targetP95MS(stage string) float64 {
	switch stage {
	case StageGeneration:
		return 1200
	case StageFirstAudio:
		return 1800
	case StageTotal:
		return 6000
	default:
		return 0
	}
}
