// Package batch is the BatchCoordinator spec §4.8 describes: it maintains
// per-batch aggregates derived from member job lifecycle events and applies
// batch-level cancellation, fanning out to every non-terminal member in
// parallel. The coordinator never polls — it reacts to EventBus.
//
// Grounded on gurre-ddb-pitr/coordinator/coordinator.go's per-worker status
// aggregation map, generalized here from per-worker to per-batch-member
// stats, combined with the teacher's event-driven (not polling) update
// discipline from ste/jobStatusManager.go.
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/scribeforge/scribeforge/internal/eventbus"
	"github.com/scribeforge/scribeforge/internal/ids"
	"github.com/scribeforge/scribeforge/internal/obslog"
	"github.com/scribeforge/scribeforge/internal/store"
)

// Coordinator listens to job lifecycle events and keeps each affected
// batch's derived aggregates current.
type Coordinator struct {
	store *store.Store
	bus   *eventbus.Bus
	log   obslog.Logger
}

// New builds a Coordinator over s/bus.
func New(s *store.Store, bus *eventbus.Bus, log obslog.Logger) *Coordinator {
	return &Coordinator{store: s, bus: bus, log: log}
}

// CreateBatch inserts every member job atomically under a shared batch id,
// each inheriting priority (spec §4.8 create_batch).
func (c *Coordinator) CreateBatch(ctx context.Context, owner ids.UserID, specs []store.JobSpec, priority store.Priority) (*store.Batch, []*store.Job, error) {
	return c.store.InsertBatch(ctx, owner, specs, priority)
}

// CancelBatch sets cancel_requested on every non-terminal member, in
// parallel, then recomputes the batch's aggregate (spec §4.8 cancel_batch).
// Pending members transition directly to cancelled via Store; running
// members are cancelled cooperatively by their worker slot on its next
// cancel_requested poll.
func (c *Coordinator) CancelBatch(ctx context.Context, id ids.BatchID) (*store.Batch, error) {
	b, memberIDs, err := c.store.RequestCancelBatch(ctx, id)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, jobID := range memberIDs {
		jobID := jobID
		g.Go(func() error {
			_, err := c.store.RequestCancel(gctx, jobID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Warn("batch member cancel fan-out saw an error", obslog.JobField(id.String()))
	}

	return c.store.RecomputeBatchStats(ctx, b.ID)
}

// Progress returns the batch's current derived aggregate (spec §4.8
// progress).
func (c *Coordinator) Progress(ctx context.Context, id ids.BatchID) (*store.Batch, error) {
	return c.store.GetBatch(ctx, id)
}

// OnJobEvent reacts to a job lifecycle event by recomputing its batch's
// aggregate and, once every member has reached a terminal state, emitting
// the batch's done event (spec §4.3 ordering: batch "done" is emitted
// after every member terminal event is processed). No-op for jobs outside
// a batch.
func (c *Coordinator) OnJobEvent(ctx context.Context, e eventbus.Event) {
	if e.BatchID == "" || e.Kind == eventbus.KindBatchUpdated || e.Kind == eventbus.KindBatchDone {
		return
	}
	batchID, err := ids.ParseBatchID(e.BatchID)
	if err != nil {
		return
	}

	b, err := c.store.RecomputeBatchStats(ctx, batchID)
	if err != nil {
		return
	}

	c.bus.Publish(eventbus.TopicBatch(batchID.String()), eventbus.Event{Kind: eventbus.KindBatchUpdated, BatchID: batchID.String(), OwnerID: b.Owner.String()})
	if b.Stats.Done() {
		c.bus.Publish(eventbus.TopicBatch(batchID.String()), eventbus.Event{Kind: eventbus.KindBatchDone, BatchID: batchID.String(), OwnerID: b.Owner.String()})
	}
}

// Run drains sub, calling OnJobEvent for each event, until ctx is done or
// sub is closed. The caller owns building the subscription — normally a
// single subscription to eventbus.TopicAdminBroadcast, since every job
// event is mirrored there and OnJobEvent already ignores events outside
// the batch it names.
func (c *Coordinator) Run(ctx context.Context, sub *eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			c.OnJobEvent(ctx, e)
		}
	}
}
