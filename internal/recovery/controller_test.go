package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoffClampsToMax(t *testing.T) {
	d := calculateBackoff(10, 5*time.Millisecond, 50*time.Millisecond)
	assert.LessOrEqual(t, d, 55*time.Millisecond)
}

func TestCalculateBackoffGrowsWithAttempt(t *testing.T) {
	min := 10 * time.Millisecond
	max := 10 * time.Second
	first := calculateBackoff(1, min, max)
	fifth := calculateBackoff(5, min, max)
	assert.Greater(t, fifth, first)
}

func TestCalculateBackoffNeverNegative(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		assert.GreaterOrEqual(t, calculateBackoff(attempt, time.Millisecond, time.Second), time.Duration(0))
	}
}
