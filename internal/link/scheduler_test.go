package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerDelayBounds(t *testing.T) {
	base := 2 * time.Second
	maxDelay := 45 * time.Second

	for range 50 {
		s := NewScheduler(base, maxDelay, 0)

		for n := range 12 {
			nominal := min(base<<n, maxDelay)

			delay, ok := s.Next()
			require.True(t, ok)
			assert.GreaterOrEqual(t, delay, time.Duration(float64(nominal)*0.75), "attempt %d", n)
			assert.LessOrEqual(t, delay, time.Duration(float64(nominal)*1.25)+time.Nanosecond, "attempt %d", n)
		}
	}
}

func TestSchedulerFloor(t *testing.T) {
	s := NewScheduler(100*time.Millisecond, 30*time.Second, 0)

	delay, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, time.Second, delay)
}

func TestSchedulerReset(t *testing.T) {
	s := NewScheduler(time.Second, 30*time.Second, 0)

	for range 6 {
		s.Next()
	}

	assert.Equal(t, 6, s.Attempt())

	s.Reset()
	assert.Zero(t, s.Attempt())

	delay, _ := s.Next()
	assert.LessOrEqual(t, delay, 1250*time.Millisecond)
}

func TestSchedulerMaxAttempts(t *testing.T) {
	s := NewScheduler(time.Second, 30*time.Second, 3)

	for range 3 {
		_, ok := s.Next()
		require.True(t, ok)
	}

	assert.True(t, s.Exhausted())

	_, ok := s.Next()
	assert.False(t, ok)
	assert.Equal(t, 3, s.Attempt())

	s.Reset()
	_, ok = s.Next()
	assert.True(t, ok)
}

func TestSchedulerMeanGrowsToCap(t *testing.T) {
	const runs = 200

	means := make([]time.Duration, 8)

	for range runs {
		s := NewScheduler(time.Second, 30*time.Second, 0)
		for n := range means {
			d, _ := s.Next()
			means[n] += d / runs
		}
	}

	for n := 1; n < len(means); n++ {
		assert.GreaterOrEqual(t, means[n], means[n-1]-time.Second, "attempt %d", n)
	}

	assert.InDelta(t, float64(30*time.Second), float64(means[len(means)-1]), float64(3*time.Second))
}
