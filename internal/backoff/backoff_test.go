package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute

	tests := []struct {
		name     string
		attempts int
		expected time.Duration
	}{
		{name: "no_failures_yet", attempts: 0, expected: 2 * time.Second},
		{name: "first_failure", attempts: 1, expected: 4 * time.Second},
		{name: "second_failure", attempts: 2, expected: 8 * time.Second},
		{name: "third_failure", attempts: 3, expected: 16 * time.Second},
		{name: "capped_at_max", attempts: 10, expected: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Delay(base, tt.attempts, max))
		})
	}
}

func TestDelayZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Delay(0, 5, time.Minute))
}

func TestDelayNoCap(t *testing.T) {
	assert.Equal(t, 32*time.Second, Delay(time.Second, 5, 0))
}

func TestJitterDisabled(t *testing.T) {
	d := 10 * time.Second
	assert.Equal(t, d, Jitter(d, 0))
	assert.Equal(t, d, Jitter(d, -1))
	assert.Equal(t, d, Jitter(d, 1.5))
}

func TestJitterBounded(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 100; i++ {
		j := Jitter(d, 0.5)
		assert.GreaterOrEqual(t, j, d)
		assert.LessOrEqual(t, j, d+5*time.Second)
	}
}
