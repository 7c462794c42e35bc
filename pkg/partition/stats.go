package partition

import (
	"sync"
	"time"
)

const maxTrackedFailureReasons = 8

// RecoveryStats aggregates bulk snapshot recovery outcomes in memory so
// the admin status surface can report recovery metrics
// (total, successful, failed, average duration, success rate, common
// failure reasons) without scraping Prometheus. It duplicates nothing the
// histogram/counter pair in pkg/metrics already tracks for scraping;
// this is the human-readable summary view of the same events.
type RecoveryStats struct {
	mu             sync.Mutex
	total          int
	successful     int
	failed         int
	totalDuration  time.Duration
	failureReasons map[string]int
}

// NewRecoveryStats constructs an empty stats aggregator.
func NewRecoveryStats() *RecoveryStats {
	return &RecoveryStats{failureReasons: make(map[string]int)}
}

// RecordSuccess registers a completed recovery session and its duration.
func (s *RecoveryStats) RecordSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.successful++
	s.totalDuration += d
}

// RecordFailure registers a failed recovery session under reason, counted
// as given. Callers pass the stage name rather than the full error string
// so repeated causes group together.
func (s *RecoveryStats) RecordFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.failed++
	s.failureReasons[reason]++
}

// RecoverySummary is the snapshot returned to callers (and serialized by
// the admin /status endpoint).
type RecoverySummary struct {
	Total               int            `json:"total"`
	Successful          int            `json:"successful"`
	Failed              int            `json:"failed"`
	AverageDurationSecs float64        `json:"averageDurationSeconds"`
	SuccessRate         float64        `json:"successRate"`
	CommonFailures      map[string]int `json:"commonFailureReasons,omitempty"`
}

// Snapshot returns a point-in-time copy of the aggregated stats.
func (s *RecoveryStats) Snapshot() RecoverySummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := RecoverySummary{Total: s.total, Successful: s.successful, Failed: s.failed}
	if s.successful > 0 {
		summary.AverageDurationSecs = s.totalDuration.Seconds() / float64(s.successful)
	}
	if s.total > 0 {
		summary.SuccessRate = float64(s.successful) / float64(s.total)
	}
	if len(s.failureReasons) > 0 {
		reasons := make(map[string]int, len(s.failureReasons))
		for reason, count := range s.failureReasons {
			reasons[reason] = count
		}
		if len(reasons) > maxTrackedFailureReasons {
			// Keep only the most frequent reasons; an unbounded map of
			// distinct error strings would grow forever against a noisy
			// or flapping donor.
			reasons = topN(reasons, maxTrackedFailureReasons)
		}
		summary.CommonFailures = reasons
	}
	return summary
}

func topN(in map[string]int, n int) map[string]int {
	type kv struct {
		k string
		v int
	}
	all := make([]kv, 0, len(in))
	for k, v := range in {
		all = append(all, kv{k, v})
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].v > all[j-1].v; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if len(all) > n {
		all = all[:n]
	}
	out := make(map[string]int, len(all))
	for _, e := range all {
		out[e.k] = e.v
	}
	return out
}
