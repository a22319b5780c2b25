package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scribeforge/scribeforge/internal/eventbus"
)

func TestGetOrLoadSingleFlight(t *testing.T) {
	c := New()
	var calls int32

	load := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "value", nil
	}

	results := make(chan any, 10)
	for i := 0; i < 10; i++ {
		go func() {
			v, err := c.GetOrLoad(context.Background(), "k", time.Minute, nil, load)
			require.NoError(t, err)
			results <- v
		}()
	}
	for i := 0; i < 10; i++ {
		require.Equal(t, "value", <-results)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one computation should run on a cache miss")
}

func TestTTLExpiry(t *testing.T) {
	c := New()
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	c.Set("k", "v", time.Second, "tag:a")
	_, ok := c.Get("k")
	require.True(t, ok)

	fakeNow = fakeNow.Add(2 * time.Second)
	_, ok = c.Get("k")
	require.False(t, ok, "entry should be stale past its TTL")
}

func TestInvalidateJobDropsJobAndUserTaggedEntries(t *testing.T) {
	c := New()
	c.Set(JobDetailKey("job-1"), "detail", time.Minute, TagJob("job-1"))
	c.Set(JobListingKey("user-1", "all"), []string{"job-1"}, time.Minute, TagsUserJobs("user-1")...)
	c.Set(UserStatsKey("user-1"), "stats", time.Minute, TagsUserStats("user-1")...)

	c.InvalidateJob("job-1", "user-1")

	_, ok := c.Get(JobDetailKey("job-1"))
	require.False(t, ok)
	_, ok = c.Get(JobListingKey("user-1", "all"))
	require.False(t, ok)
	_, ok = c.Get(UserStatsKey("user-1"))
	require.False(t, ok)
}

func TestRunInvalidatesJobEntryOnBusEvent(t *testing.T) {
	c := New()
	c.Set(JobDetailKey("job-1"), "detail", time.Minute, TagJob("job-1"))

	bus := eventbus.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, bus)

	// Run subscribes asynchronously; Publish is safe to race against since
	// the bus will simply deliver to whichever subscribers are registered
	// by the time it fans out, but we need Run's Subscribe to have happened
	// first for this event to reach it.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.TopicJob("job-1"), eventbus.Event{Kind: eventbus.KindCompleted, JobID: "job-1"})
		_, ok := c.Get(JobDetailKey("job-1"))
		return !ok
	}, time.Second, 5*time.Millisecond, "job:job-1 should be invalidated once Run observes a completed event")
}
