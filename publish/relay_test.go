package publish_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/publish"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/spq"
)

type flaky struct {
	sync.Mutex
	fails int
	got   []reading.SensorReading
}

func (f *flaky) Publish(ctx context.Context, r reading.SensorReading) error {
	f.Lock()
	defer f.Unlock()
	if f.fails > 0 {
		f.fails--
		return fmt.Errorf("target unavailable")
	}
	f.got = append(f.got, r)
	return nil
}

func (f *flaky) readings() []reading.SensorReading {
	f.Lock()
	defer f.Unlock()
	return append([]reading.SensorReading(nil), f.got...)
}

func TestRelay(t *testing.T) {
	t.Parallel()
	target := &flaky{fails: 2}
	r, err := publish.NewRelay(publish.RelayOptions{
		Log:      log2.NewTest(t, log2.LDebug),
		Path:     spq.OnlyForTesting,
		Target:   target,
		RetryMin: time.Millisecond,
		RetryMax: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	second := testReading
	second.SensorID = 2
	require.NoError(t, r.Publish(context.Background(), testReading))
	require.NoError(t, r.Publish(context.Background(), second))

	require.Eventually(t, func() bool { return len(target.readings()) == 2 }, 5*time.Second, 5*time.Millisecond)
	got := target.readings()
	assert.ElementsMatch(t, []reading.SensorReading{testReading, second}, got)
	assert.Equal(t, int64(2), r.Stat().Queued.Value())
	assert.Equal(t, int64(2), r.Stat().Delivered.Value())
	assert.Equal(t, int64(2), r.Stat().Failed.Value())
	assert.NoError(t, r.Close())

	err = r.Publish(context.Background(), testReading)
	require.Error(t, err)
}

func TestRelayCloseWhileRetrying(t *testing.T) {
	t.Parallel()
	target := &flaky{fails: 1 << 30}
	r, err := publish.NewRelay(publish.RelayOptions{
		Log:      log2.NewTest(t, log2.LDebug),
		Path:     spq.OnlyForTesting,
		Target:   target,
		RetryMin: time.Hour,
		RetryMax: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, r.Publish(context.Background(), testReading))
	require.Eventually(t, func() bool { return r.Stat().Failed.Value() == 1 }, 5*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- r.Close() }()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close must interrupt retry delay")
	}
}

func TestRelayValidate(t *testing.T) {
	t.Parallel()
	_, err := publish.NewRelay(publish.RelayOptions{Path: spq.OnlyForTesting})
	assert.Error(t, err)
	_, err = publish.NewRelay(publish.RelayOptions{Target: publish.Nop{}})
	assert.Error(t, err)
}
