package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Budgets for the p95 of each control-plane call, in milliseconds. Calls
// without a budget report zero and are never flagged.
var opBudgetsMS = map[string]float64{
	"ensure_room":        250,
	"issue_credential":   20,
	"remove_participant": 250,
	"list_rooms":         500,
	"reconcile":          750,
}

type LatencyStats struct {
	Op          string  `json:"op"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"lastMs"`
	AvgMS       float64 `json:"avgMs"`
	P50MS       float64 `json:"p50Ms"`
	P95MS       float64 `json:"p95Ms"`
	P99MS       float64 `json:"p99Ms"`
	TargetP95MS float64 `json:"targetP95Ms,omitempty"`
	OverBudget  bool    `json:"overBudget,omitempty"`
}

// OutcomeCount is how often an op:class pair was absorbed.
type OutcomeCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	WindowSize  int            `json:"windowSize"`
	Ops         []LatencyStats `json:"ops"`
	Outcomes    []OutcomeCount `json:"outcomes,omitempty"`
}

type latencyWindow struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*sampleRing
	outcomes map[string]int
	now      func() time.Time
}

// sampleRing overwrites its oldest sample once full.
type sampleRing struct {
	buf   []float64
	count int
	head  int
}

func (r *sampleRing) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *sampleRing) latest() float64 {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

// copyOut returns the retained samples in insertion order.
func (r *sampleRing) copyOut() []float64 {
	out := make([]float64, 0, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &latencyWindow{
		capacity: capacity,
		rings:    make(map[string]*sampleRing),
		outcomes: make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *latencyWindow) Observe(op string, ms float64) {
	if op == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[op]
	if r == nil {
		r = &sampleRing{buf: make([]float64, w.capacity)}
		w.rings[op] = r
	}
	r.push(ms)
}

func (w *latencyWindow) ObserveOutcome(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[name]++
	w.mu.Unlock()
}

// Snapshot copies the rings under the lock and computes statistics after
// releasing it.
func (w *latencyWindow) Snapshot() LatencySnapshot {
	type opSamples struct {
		op      string
		samples []float64
		last    float64
	}

	w.mu.Lock()
	copied := make([]opSamples, 0, len(w.rings))
	for op, r := range w.rings {
		if r.count == 0 {
			continue
		}
		copied = append(copied, opSamples{op: op, samples: r.copyOut(), last: r.latest()})
	}
	outcomes := make([]OutcomeCount, 0, len(w.outcomes))
	for name, n := range w.outcomes {
		outcomes = append(outcomes, OutcomeCount{Name: name, Count: n})
	}
	w.mu.Unlock()

	sort.Slice(copied, func(i, j int) bool { return copied[i].op < copied[j].op })
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Name < outcomes[j].Name })

	stats := make([]LatencyStats, 0, len(copied))
	for _, c := range copied {
		stats = append(stats, summarize(c.op, c.samples, c.last))
	}
	return LatencySnapshot{
		GeneratedAt: w.now(),
		WindowSize:  w.capacity,
		Ops:         stats,
		Outcomes:    outcomes,
	}
}

func summarize(op string, samples []float64, last float64) LatencyStats {
	sort.Float64s(samples)
	var total float64
	for _, v := range samples {
		total += v
	}
	s := LatencyStats{
		Op:          op,
		Samples:     len(samples),
		LastMS:      roundMS(last),
		AvgMS:       roundMS(total / float64(len(samples))),
		P50MS:       roundMS(nearestRank(samples, 50)),
		P95MS:       roundMS(nearestRank(samples, 95)),
		P99MS:       roundMS(nearestRank(samples, 99)),
		TargetP95MS: opBudgetsMS[op],
	}
	s.OverBudget = s.TargetP95MS > 0 && s.P95MS > s.TargetP95MS
	return s
}

// nearestRank returns the pth percentile of an ascending slice.
func nearestRank(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

func roundMS(v float64) float64 { return math.Round(v*100) / 100 }
