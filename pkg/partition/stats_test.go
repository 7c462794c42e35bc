package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecoveryStatsAggregation(t *testing.T) {
	s := NewRecoveryStats()

	s.RecordSuccess(2 * time.Second)
	s.RecordSuccess(4 * time.Second)
	s.RecordFailure("transfer")
	s.RecordFailure("transfer")
	s.RecordFailure("authenticate")

	summary := s.Snapshot()
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 3, summary.Failed)
	assert.InDelta(t, 3.0, summary.AverageDurationSecs, 0.001)
	assert.InDelta(t, 0.4, summary.SuccessRate, 0.001)
	assert.Equal(t, 2, summary.CommonFailures["transfer"])
	assert.Equal(t, 1, summary.CommonFailures["authenticate"])
}

func TestRecoveryStatsEmpty(t *testing.T) {
	s := NewRecoveryStats()
	summary := s.Snapshot()
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, float64(0), summary.SuccessRate)
	assert.Nil(t, summary.CommonFailures)
}

func TestRecoveryStatsCapsFailureReasons(t *testing.T) {
	s := NewRecoveryStats()
	for i := 0; i < maxTrackedFailureReasons+5; i++ {
		s.RecordFailure(string(rune('a' + i)))
	}
	summary := s.Snapshot()
	assert.LessOrEqual(t, len(summary.CommonFailures), maxTrackedFailureReasons)
}
