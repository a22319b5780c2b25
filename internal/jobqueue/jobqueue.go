// Package jobqueue is the logical scheduler sitting above Store.ClaimJob
// (spec §4.3): it wakes worker slots when a new job is inserted, a job
// terminates, or capacity otherwise frees up, instead of having every slot
// busy-poll the store. Priority and per-owner concurrency caps are Store's
// job to enforce atomically; jobqueue only decides *when* to ask.
//
// Grounded on jobsAdmin/JobsAdmin.go's role as the single admission point
// workers pull from, generalized from its file-system job-plan scan into a
// signal-driven wake over Store.
package jobqueue

import (
	"context"
	"time"

	"github.com/scribeforge/scribeforge/internal/ids"
	"github.com/scribeforge/scribeforge/internal/store"
)

// Queue coordinates wake signals for a pool of worker slots pulling from a
// shared Store.
type Queue struct {
	store   *store.Store
	wake    chan struct{}
	agingFor time.Duration
}

// New builds a Queue over s. agingFor is the wait duration after which a
// pending job's priority is bumped one tier (spec §9 supplement).
func New(s *store.Store, agingFor time.Duration) *Queue {
	return &Queue{
		store:    s,
		wake:     make(chan struct{}, 1),
		agingFor: agingFor,
	}
}

// Notify wakes any worker slot blocked in Wait. Safe to call from any
// goroutine; never blocks.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until Notify is called, a priority-aging tick fires, or ctx
// is done. Callers loop: Wait, then Store.ClaimJob, then Wait again.
func (q *Queue) Wait(ctx context.Context, agingTick time.Duration) {
	var tick <-chan time.Time
	if agingTick > 0 {
		t := time.NewTicker(agingTick)
		defer t.Stop()
		tick = t.C
	}
	select {
	case <-q.wake:
	case <-tick:
	case <-ctx.Done():
	}
}

// ClaimNext asks Store for the next runnable job for workerID, translating
// any auto-cancelled pending jobs into a Notify so their owners' other
// pending jobs get a chance to reconsider concurrency caps.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (store.ClaimResult, error) {
	res, err := q.store.ClaimJob(ctx, workerID)
	if err != nil {
		return store.ClaimResult{}, err
	}
	if len(res.AutoCancelled) > 0 {
		q.Notify()
	}
	return res, nil
}

// RunAging runs PromotePendingJobs once per tick until ctx is cancelled,
// notifying waiters after any promotion so a newly-high-priority job is
// reconsidered promptly. Intended to run as its own goroutine.
func (q *Queue) RunAging(ctx context.Context, tick time.Duration, onPromoted func([]ids.JobID)) {
	if tick <= 0 {
		tick = time.Minute
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			promoted := q.store.PromotePendingJobs(ctx, now, q.agingFor)
			if len(promoted) > 0 {
				if onPromoted != nil {
					onPromoted(promoted)
				}
				q.Notify()
			}
		}
	}
}
