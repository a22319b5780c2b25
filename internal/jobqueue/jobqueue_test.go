package jobqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scribeforge/scribeforge/internal/ids"
	"github.com/scribeforge/scribeforge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNotifyWakesWait(t *testing.T) {
	q := New(newTestStore(t), time.Minute)
	q.Notify()

	done := make(chan struct{})
	go func() {
		q.Wait(context.Background(), 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Notify")
	}
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	q := New(newTestStore(t), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		q.Wait(ctx, 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after context cancel")
	}
}

func TestClaimNextNotifiesOnAutoCancel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	q := New(s, time.Minute)
	owner := ids.NewUserID()
	require.NoError(t, s.UpsertUser(ctx, store.User{ID: owner, ConcurrencyCap: 5}))

	j, err := s.InsertJob(ctx, store.JobSpec{Owner: owner})
	require.NoError(t, err)
	_, err = s.RequestCancel(ctx, j.ID)
	require.NoError(t, err)

	res, err := q.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.Nil(t, res.Claimed)
	require.Equal(t, []ids.JobID{j.ID}, res.AutoCancelled)

	select {
	case <-q.wake:
	default:
		t.Fatal("expected a wake signal after auto-cancel")
	}
}

func TestRunAgingPromotesAndNotifies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestStore(t)
	q := New(s, -time.Second) // already "old" the instant it's created
	owner := ids.NewUserID()
	require.NoError(t, s.UpsertUser(ctx, store.User{ID: owner, ConcurrencyCap: 5}))
	_, err := s.InsertJob(ctx, store.JobSpec{Owner: owner, Priority: store.PriorityLow})
	require.NoError(t, err)

	promotedCh := make(chan []ids.JobID, 1)
	go q.RunAging(ctx, 10*time.Millisecond, func(ids []ids.JobID) { promotedCh <- ids })

	select {
	case promoted := <-promotedCh:
		require.Len(t, promoted, 1)
	case <-time.After(time.Second):
		t.Fatal("expected a promotion within one tick")
	}
	cancel()
}
