package batch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scribeforge/scribeforge/internal/eventbus"
	"github.com/scribeforge/scribeforge/internal/ids"
	"github.com/scribeforge/scribeforge/internal/obslog"
	"github.com/scribeforge/scribeforge/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, ids.UserID) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	owner := ids.NewUserID()
	require.NoError(t, s.UpsertUser(context.Background(), store.User{ID: owner, ConcurrencyCap: 5}))

	bus := eventbus.New(16)
	return New(s, bus, obslog.Nop()), s, owner
}

func TestCreateBatchInsertsAllMembers(t *testing.T) {
	ctx := context.Background()
	c, _, owner := newTestCoordinator(t)

	b, jobs, err := c.CreateBatch(ctx, owner, []store.JobSpec{{ModelName: "small"}, {ModelName: "small"}, {ModelName: "small"}}, store.PriorityNormal)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, 3, b.Stats.Total)
}

func TestCancelBatchCancelsNonTerminalMembers(t *testing.T) {
	ctx := context.Background()
	c, s, owner := newTestCoordinator(t)

	b, jobs, err := c.CreateBatch(ctx, owner, []store.JobSpec{{ModelName: "small"}, {ModelName: "small"}}, store.PriorityNormal)
	require.NoError(t, err)

	_, err = s.ClaimJob(ctx, "slot-0")
	require.NoError(t, err)
	require.NoError(t, s.RecordProgress(ctx, jobs[0].ID, 1, 50))

	updated, err := c.CancelBatch(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, updated.Stats.Done(), "both members should have reached a terminal state")
	require.Equal(t, 1, updated.Stats.Cancelled, "the pending member cancels directly")
}

func TestOnJobEventEmitsBatchDoneWhenAllMembersTerminal(t *testing.T) {
	ctx := context.Background()
	c, s, owner := newTestCoordinator(t)

	b, jobs, err := c.CreateBatch(ctx, owner, []store.JobSpec{{ModelName: "small"}}, store.PriorityNormal)
	require.NoError(t, err)

	sub := c.bus.Subscribe(eventbus.TopicBatch(b.ID.String()))
	defer sub.Close()

	_, err = s.ClaimJob(ctx, "slot-0")
	require.NoError(t, err)
	_, err = s.FinishJob(ctx, jobs[0].ID, store.JobCompleted, "out", 0, "")
	require.NoError(t, err)

	c.OnJobEvent(ctx, eventbus.Event{JobID: jobs[0].ID.String(), BatchID: b.ID.String()})

	updated := <-sub.Events
	require.Equal(t, eventbus.KindBatchUpdated, updated.Kind)
	done := <-sub.Events
	require.Equal(t, eventbus.KindBatchDone, done.Kind)
}

func TestOnJobEventIgnoresItsOwnAggregateEvents(t *testing.T) {
	ctx := context.Background()
	c, _, owner := newTestCoordinator(t)

	b, _, err := c.CreateBatch(ctx, owner, []store.JobSpec{{ModelName: "small"}}, store.PriorityNormal)
	require.NoError(t, err)

	sub := c.bus.Subscribe(eventbus.TopicBatch(b.ID.String()))
	defer sub.Close()

	// Fed back in the way Run would receive it off admin:broadcast; must
	// not trigger another recompute/publish or Run would never settle.
	c.OnJobEvent(ctx, eventbus.Event{Kind: eventbus.KindBatchUpdated, BatchID: b.ID.String()})

	select {
	case e := <-sub.Events:
		t.Fatalf("expected no recompute from a batch_updated event, got %+v", e)
	default:
	}
}
