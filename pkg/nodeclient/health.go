package nodeclient

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Health counts failures per node over a rolling window. A node with more
// than budget failures inside the window is degraded until they age out.
type Health struct {
	mu       sync.Mutex
	window   time.Duration
	budget   int
	now      func() time.Time
	failures map[string][]time.Time
	degraded map[string]bool
	gauge    prometheus.Gauge
}

// NewHealth returns a tracker. Zero values select a one minute window and a
// budget of five failures.
func NewHealth(window time.Duration, budget int) *Health {
	if window <= 0 {
		window = time.Minute
	}
	if budget <= 0 {
		budget = 5
	}
	return &Health{
		window:   window,
		budget:   budget,
		now:      time.Now,
		failures: make(map[string][]time.Time),
		degraded: make(map[string]bool),
	}
}

// RecordFailure adds one failure for node.
func (h *Health) RecordFailure(node string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.failures[node] = append(h.prune(node, now), now)
	h.refresh(node)
}

// RecordSuccess lets expired failures age out for node.
func (h *Health) RecordSuccess(node string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(node, h.now())
	h.refresh(node)
}

// Degraded reports whether node is over its failure budget.
func (h *Health) Degraded(node string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(node, h.now())
	h.refresh(node)
	return h.degraded[node]
}

// Failures returns the failure count inside the window for each node.
func (h *Health) Failures() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	out := make(map[string]int, len(h.failures))
	for node := range h.failures {
		if n := len(h.prune(node, now)); n > 0 {
			out[node] = n
		}
	}
	return out
}

func (h *Health) prune(node string, now time.Time) []time.Time {
	list := h.failures[node]
	cutoff := now.Add(-h.window)
	i := 0
	for i < len(list) && !list[i].After(cutoff) {
		i++
	}
	list = list[i:]
	if len(list) == 0 {
		delete(h.failures, node)
		return nil
	}
	h.failures[node] = list
	return list
}

func (h *Health) refresh(node string) {
	bad := len(h.failures[node]) > h.budget
	if bad {
		h.degraded[node] = true
	} else {
		delete(h.degraded, node)
	}
	if h.gauge != nil {
		h.gauge.Set(float64(len(h.degraded)))
	}
}
