package session

import (
	"math"
	"sync"
	"time"
)

// Severity classifies a session's current latency increase over baseline.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMild
	SeverityModerate
	SeveritySevere
)

func severityFor(increaseMs float64) Severity {
	switch {
	case increaseMs < 10:
		return SeverityNone
	case increaseMs < 50:
		return SeverityMild
	case increaseMs < 200:
		return SeverityModerate
	default:
		return SeveritySevere
	}
}

const sampleWindow = 60 * time.Second
const baselineSamples = 10

type latencySample struct {
	at       time.Time
	rttMs    float64
	sequence uint64
}

// LatencyTracker accumulates ping/pong round-trip samples for one session
// and derives baseline, jitter, and severity from them. All methods are
// safe for concurrent use: the message loop records samples while the
// scheduler's metrics emission reads the snapshot concurrently.
type LatencyTracker struct {
	mu                  sync.Mutex
	nextSequence        uint64
	samples             []latencySample
	baselineRTT         float64
	baselineEstablished bool
	min, max, sum       float64
	count               int
}

// NewLatencyTracker returns an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{}
}

// NextSequence returns the next outgoing ping sequence number.
func (t *LatencyTracker) NextSequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSequence++
	return t.nextSequence
}

// Record adds a new RTT sample at time `at` and trims samples older than
// the 60s window. Baseline locks in as the mean of the first 10 samples
// and, once established, never recomputes (latches true, never back to
// false).
func (t *LatencyTracker) Record(at time.Time, rttMs float64, sequence uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, latencySample{at: at, rttMs: rttMs, sequence: sequence})
	cutoff := at.Add(-sampleWindow)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = t.samples[i:]
	}

	if t.count == 0 || rttMs < t.min {
		t.min = rttMs
	}
	if t.count == 0 || rttMs > t.max {
		t.max = rttMs
	}
	t.sum += rttMs
	t.count++

	if !t.baselineEstablished && t.count >= baselineSamples {
		// Baseline is the mean of the first baselineSamples recorded,
		// not a trailing window. The 60s trim above only drops old
		// samples, so if fewer than baselineSamples remain the earliest
		// retained sample stands in for the dropped history.
		n := baselineSamples
		if len(t.samples) < n {
			n = len(t.samples)
		}
		var sum float64
		for _, s := range t.samples[:n] {
			sum += s.rttMs
		}
		t.baselineRTT = sum / float64(n)
		t.baselineEstablished = true
	}
}

// Snapshot is an immutable view of a LatencyTracker's current state,
// suitable for embedding in a metrics update without holding the lock.
type Snapshot struct {
	Min, Max, Mean, Jitter   float64
	Baseline                 float64
	BaselineEstablished      bool
	LatencyIncreaseMs        float64
	Severity                 Severity
	SampleCount              int
}

// Snapshot computes the mean, jitter (sample standard deviation of the
// retained samples), and the latency increase of the most recent sample
// over baseline.
func (t *LatencyTracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return Snapshot{}
	}

	mean := t.sum / float64(t.count)

	var variance float64
	if len(t.samples) > 1 {
		for _, s := range t.samples {
			d := s.rttMs - mean
			variance += d * d
		}
		variance /= float64(len(t.samples) - 1)
	}
	jitter := math.Sqrt(variance)

	var increase float64
	if t.baselineEstablished {
		current := t.samples[len(t.samples)-1].rttMs
		increase = current - t.baselineRTT
		if increase < 0 {
			increase = 0
		}
	}

	return Snapshot{
		Min:                 t.min,
		Max:                 t.max,
		Mean:                mean,
		Jitter:              jitter,
		Baseline:            t.baselineRTT,
		BaselineEstablished: t.baselineEstablished,
		LatencyIncreaseMs:   increase,
		Severity:            severityFor(increase),
		SampleCount:         t.count,
	}
}
