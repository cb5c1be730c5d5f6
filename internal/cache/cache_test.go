package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"taskdialog/internal/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGetExpiresWithoutSweep(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	require.True(t, c.Set("k", "v", time.Second))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(1100 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 0, st.Entries)
}

func TestEntryStillLiveAtExactDeadline(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Set("k", "v", time.Second)

	clock.Advance(time.Second)
	assert.True(t, c.Exists("k"))

	clock.Advance(time.Nanosecond)
	assert.False(t, c.Exists("k"))
}

func TestRealClockExpiry(t *testing.T) {
	c := New()
	c.Set("k", "v", 20*time.Millisecond)
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestSetWithoutTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Set("k", 42, 0)
	clock.Advance(24 * 365 * time.Hour)

	got, ok := Get[int](c, "k")
	require.True(t, ok)
	assert.Equal(t, 42, got)
}

func TestSetOverwriteResetsCreation(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Set("k", "a", time.Second)
	clock.Advance(900 * time.Millisecond)
	c.Set("k", "b", time.Second)
	clock.Advance(900 * time.Millisecond)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.False(t, c.Set("", "x", 0))
}

func TestDeleteReportsLiveEntriesOnly(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Set("live", 1, 0)
	c.Set("stale", 1, time.Second)
	clock.Advance(2 * time.Second)

	assert.True(t, c.Delete("live"))
	assert.False(t, c.Delete("live"))
	assert.False(t, c.Delete("stale"))
	assert.False(t, c.Delete("missing"))
	assert.Equal(t, uint64(1), c.Stats().Deletes)
}

func TestDeletePrefixAndClear(t *testing.T) {
	c := New()
	c.Set("intent:a", 1, 0)
	c.Set("intent:b", 1, 0)
	c.Set("fc:a", 1, 0)

	assert.Equal(t, 2, c.DeletePrefix("intent:"))
	assert.True(t, c.Exists("fc:a"))

	c.Clear()
	assert.False(t, c.Exists("fc:a"))
	st := c.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, int64(0), st.ApproxMemory)
}

func TestStatsIsIdempotent(t *testing.T) {
	c := New()
	c.Set("a", "x", 0)
	c.Get("a")
	c.Get("b")

	first := c.Stats()
	second := c.Stats()
	assert.Equal(t, first, second)
	assert.InDelta(t, 0.5, first.HitRate, 1e-9)
	assert.Positive(t, first.ApproxMemory)
}

func TestSweepPurgesExpired(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Set("a", 1, time.Second)
	c.Set("b", 1, time.Minute)
	c.Set("c", 1, 0)
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	st := c.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, uint64(1), st.Evictions)
	assert.Equal(t, uint64(0), st.Misses)
}

func TestTypedGetMismatch(t *testing.T) {
	c := New()
	c.Set("k", "string", 0)
	_, ok := Get[int](c, "k")
	assert.False(t, ok)
}

func TestConcurrentAccessKeepsCountersExact(t *testing.T) {
	c := New()
	const workers, perWorker = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("k%d", i%10)
				c.Set(key, i, time.Millisecond)
				c.Get(key)
				c.Sweep()
			}
		}(w)
	}
	wg.Wait()

	st := c.Stats()
	assert.Equal(t, uint64(workers*perWorker), st.Sets)
	assert.Equal(t, uint64(workers*perWorker), st.Hits+st.Misses)
}

func TestSweeperJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New()
	c.Set("k", "v", time.Millisecond)
	job := worker.New("cache-sweep", 5*time.Millisecond, func(context.Context) error {
		c.Sweep()
		return nil
	}, nil)
	require.NoError(t, job.Start(context.Background()))
	defer job.Stop()

	require.Eventually(t, func() bool { return c.Stats().Entries == 0 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, uint64(0), c.Stats().Misses)
}
