package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := &Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, K: 2}
	got := []time.Duration{}
	for i := 0; i < 5; i++ {
		got = append(got, b.DelayAfter(false))
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}, got)

	assert.Equal(t, time.Duration(0), b.DelayAfter(true))
	assert.Equal(t, 10*time.Millisecond, b.DelayAfter(false))
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.DelayAfter(false))
}

func TestBackoffResolution(t *testing.T) {
	t.Parallel()
	b := &Backoff{Min: 1500 * time.Microsecond, Max: time.Hour, K: 2, Res: time.Millisecond}
	assert.Equal(t, time.Millisecond, b.DelayAfter(false))
	assert.Equal(t, 2*time.Millisecond, b.DelayAfter(false))
}
