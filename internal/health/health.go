// Package health aggregates per-topic liveness and per-stage latency into
// the periodic HealthSnapshot/PerfSnapshot published on runtime.health and
// runtime.perf: a ticker-driven metrics loop and atomic-swap counters
// generalized into a topic-staleness classifier and a latency percentile
// tracker.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/rilical/focusfield/internal/protocol"
)

// Config configures the aggregator.
type Config struct {
	StaleYellowMs     int64
	StaleRedMs        int64
	LatencyWindowSize int
}

// DefaultConfig returns the default configuration surface.
func DefaultConfig() Config {
	return Config{
		StaleYellowMs:     500,
		StaleRedMs:        2000,
		LatencyWindowSize: 200,
	}
}

type topicStat struct {
	lastSeenNs int64
	drops      uint64
}

type latencyRing struct {
	samples []float64 // milliseconds, ring buffer
	next    int
	filled  bool
}

func newLatencyRing(size int) *latencyRing {
	if size < 1 {
		size = 1
	}
	return &latencyRing{samples: make([]float64, size)}
}

func (r *latencyRing) add(ms float64) {
	r.samples[r.next] = ms
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.filled = true
	}
}

func (r *latencyRing) snapshot() []float64 {
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	out := append([]float64(nil), r.samples[:n]...)
	sort.Float64s(out)
	return out
}

// percentile returns the p-th percentile (0..100) of a pre-sorted sample
// slice using nearest-rank interpolation; 0 when empty.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p/100*float64(len(sorted)-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Aggregator tracks topic liveness and stage latency. Safe for concurrent
// use: RecordMessage/RecordDrops/RecordLatency are called from each
// component's own goroutine, and Health/Perf are called from the health
// task.
type Aggregator struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]*topicStat
	stages map[string]*latencyRing
}

// New returns an Aggregator for cfg.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		topics: make(map[string]*topicStat),
		stages: make(map[string]*latencyRing),
	}
}

// RecordMessage notes that topic published a message at tNs.
func (a *Aggregator) RecordMessage(topic string, tNs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.topicFor(topic)
	if tNs > s.lastSeenNs {
		s.lastSeenNs = tNs
	}
}

// RecordDrops adds delta to topic's cumulative drop count.
func (a *Aggregator) RecordDrops(topic string, delta uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.topicFor(topic)
	s.drops += delta
}

// RecordLatency adds one stage-processing-duration sample.
func (a *Aggregator) RecordLatency(stage string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.stages[stage]
	if !ok {
		r = newLatencyRing(a.cfg.LatencyWindowSize)
		a.stages[stage] = r
	}
	r.add(float64(d) / float64(time.Millisecond))
}

func (a *Aggregator) topicFor(topic string) *topicStat {
	s, ok := a.topics[topic]
	if !ok {
		s = &topicStat{}
		a.topics[topic] = s
	}
	return s
}

// Health returns the current topic-staleness snapshot as of nowNs.
func (a *Aggregator) Health(nowNs int64) protocol.HealthSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.topics))
	for name := range a.topics {
		names = append(names, name)
	}
	sort.Strings(names)

	topics := make([]protocol.TopicHealth, 0, len(names))
	for _, name := range names {
		s := a.topics[name]
		agoMs := (nowNs - s.lastSeenNs) / 1_000_000
		topics = append(topics, protocol.TopicHealth{
			Topic:         name,
			LastSeenAgoMs: agoMs,
			Drops:         s.drops,
			Status:        a.classify(agoMs),
		})
	}
	return protocol.HealthSnapshot{TNs: nowNs, Topics: topics}
}

func (a *Aggregator) classify(agoMs int64) protocol.TopicStatus {
	switch {
	case agoMs >= a.cfg.StaleRedMs:
		return protocol.StatusRed
	case agoMs >= a.cfg.StaleYellowMs:
		return protocol.StatusYellow
	default:
		return protocol.StatusGreen
	}
}

// Perf returns the current per-stage latency percentile snapshot.
func (a *Aggregator) Perf(nowNs int64) protocol.PerfSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.stages))
	for name := range a.stages {
		names = append(names, name)
	}
	sort.Strings(names)

	stages := make([]protocol.StageLatency, 0, len(names))
	for _, name := range names {
		sorted := a.stages[name].snapshot()
		stages = append(stages, protocol.StageLatency{
			Stage: name,
			P50Ms: percentile(sorted, 50),
			P95Ms: percentile(sorted, 95),
		})
	}
	return protocol.PerfSnapshot{TNs: nowNs, Stages: stages}
}
