package metrics

import (
	"sort"
	"sync"
	"time"
)

// Completion is one finished turn in the KPI window.
type Completion struct {
	Success  bool
	Duration time.Duration
	Cost     float64
	At       time.Time
}

// KPISummary is the JSON shape served by the business-KPI endpoint.
type KPISummary struct {
	WindowSeconds          int64   `json:"window_seconds"`
	TurnsTotal             int     `json:"turns_total"`
	SuccessRate            float64 `json:"success_rate"`
	LLMCostPerRequestAvg   float64 `json:"llm_cost_per_request_avg"`
	LLMCostSum             float64 `json:"llm_cost_sum"`
	TurnDurationSecondsAvg float64 `json:"turn_duration_seconds_avg"`
	TurnDurationSecondsP95 float64 `json:"turn_duration_seconds_p95"`
}

// KPIWindow keeps completions inside a sliding time window and summarizes
// the headline business metrics over it.
type KPIWindow struct {
	mu          sync.Mutex
	window      time.Duration
	completions []Completion
}

// NewKPIWindow returns a window of the given width (default one hour when
// non-positive).
func NewKPIWindow(window time.Duration) *KPIWindow {
	if window <= 0 {
		window = time.Hour
	}
	return &KPIWindow{window: window}
}

// Record adds a completion and evicts entries that fell out of the window.
func (w *KPIWindow) Record(c Completion) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.completions = append(w.completions, c)
	w.evictLocked(time.Now())
}

func (w *KPIWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for ; i < len(w.completions); i++ {
		if w.completions[i].At.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.completions = append([]Completion(nil), w.completions[i:]...)
	}
}

// Summary computes the KPI aggregate over the current window contents.
func (w *KPIWindow) Summary() KPISummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(time.Now())

	s := KPISummary{
		WindowSeconds: int64(w.window.Seconds()),
		TurnsTotal:    len(w.completions),
	}
	if s.TurnsTotal == 0 {
		return s
	}

	durations := make([]float64, 0, len(w.completions))
	successes := 0
	for _, c := range w.completions {
		if c.Success {
			successes++
		}
		s.LLMCostSum += c.Cost
		durations = append(durations, c.Duration.Seconds())
	}
	s.SuccessRate = float64(successes) / float64(s.TurnsTotal)
	s.LLMCostPerRequestAvg = s.LLMCostSum / float64(s.TurnsTotal)

	var totalDuration float64
	for _, d := range durations {
		totalDuration += d
	}
	s.TurnDurationSecondsAvg = totalDuration / float64(len(durations))

	sort.Float64s(durations)
	idx := int(float64(len(durations))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	s.TurnDurationSecondsP95 = durations[idx]
	return s
}
