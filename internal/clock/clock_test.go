package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var seen []time.Time
	f.OnSleep = func(now time.Time) { seen = append(seen, now) }

	require.NoError(t, f.Sleep(context.Background(), time.Second))
	require.NoError(t, f.Sleep(context.Background(), 2*time.Second))

	assert.Equal(t, start.Add(3*time.Second), f.Now())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.Sleeps())
	assert.Equal(t, []time.Time{start.Add(time.Second), start.Add(3 * time.Second)}, seen)
}

func TestFakeSleepCancelled(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Sleep(ctx, time.Hour), context.Canceled)
	assert.Empty(t, f.Sleeps())
}

func TestRealSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := Real{}.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
