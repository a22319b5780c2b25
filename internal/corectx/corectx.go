// Package corectx wires every component — Store, EventBus, CacheLayer,
// RateLimiter, UploadAssembler, JobQueue, WorkerPool, BatchCoordinator,
// WebSocketHub — into the single external function-level contract spec §6
// describes. Every operation here calls internal/auth.Authorize first.
// All of them except GetSystemHealth and AllowedTopics/Subscribe then pass
// the rate limiter/quota ledger before touching Store; those three call
// Authorize only and are neither rate-limited nor charged against an API
// key's quota.
package corectx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scribeforge/scribeforge/internal/auth"
	"github.com/scribeforge/scribeforge/internal/batch"
	"github.com/scribeforge/scribeforge/internal/cache"
	"github.com/scribeforge/scribeforge/internal/config"
	"github.com/scribeforge/scribeforge/internal/errs"
	"github.com/scribeforge/scribeforge/internal/eventbus"
	"github.com/scribeforge/scribeforge/internal/ids"
	"github.com/scribeforge/scribeforge/internal/jobqueue"
	"github.com/scribeforge/scribeforge/internal/obslog"
	"github.com/scribeforge/scribeforge/internal/ratelimit"
	"github.com/scribeforge/scribeforge/internal/store"
	"github.com/scribeforge/scribeforge/internal/upload"
	"github.com/scribeforge/scribeforge/internal/worker"
	"github.com/scribeforge/scribeforge/internal/wshub"
)

// Core is the single object an HTTP/WebSocket front depends on.
type Core struct {
	cfg     *config.Config
	Store   *store.Store
	Bus     *eventbus.Bus
	Cache   *cache.Cache
	Limiter *ratelimit.Limiter
	Quota   *ratelimit.QuotaLedger
	Uploads *upload.Assembler
	Queue   *jobqueue.Queue
	Workers *worker.Pool
	Batches *batch.Coordinator
	WSHub   *wshub.Hub
	log     obslog.Logger
}

// New wires every component from cfg over a shared Store/EventBus.
func New(cfg *config.Config, s *store.Store, log obslog.Logger) *Core {
	bus := eventbus.New(cfg.WebSocketRingCapacity)
	magicAllowList, err := cfg.MagicAllowList()
	if err != nil {
		log.Error("invalid upload_magic_allow_list_hex entry, sealing will accept no uploads", zap.Error(err))
	}
	c := &Core{
		cfg:     cfg,
		Store:   s,
		Bus:     bus,
		Cache:   cache.New(),
		Limiter: ratelimit.New(cfg.RateLimits),
		Quota:   ratelimit.NewQuotaLedger(s),
		Uploads: upload.New(cfg.DataDir+"/uploads", cfg.MaxUploadBytes, cfg.UploadSessionTTL, magicAllowList),
		Queue:   jobqueue.New(s, time.Duration(cfg.PriorityAgingSeconds)*time.Second),
		Batches: batch.New(s, bus, log),
		log:     log,
	}
	c.Workers = worker.New(worker.Config{
		PoolSize:            cfg.WorkerPoolSize,
		WhisperBinary:        cfg.WhisperBinary,
		ProgressThrottle:     cfg.ProgressThrottle,
		ProgressThrottlePct:  cfg.ProgressThrottlePercent,
		NoProgressTimeout:    cfg.NoProgressTimeout,
		CancelGrace:          cfg.CancelGrace,
	}, s, c.Queue, bus, log)
	c.WSHub = wshub.New(bus, wshub.Config{Heartbeat: cfg.WebSocketHeartbeat, IdleKill: cfg.WebSocketIdleKill}, log)
	return c
}

// admit applies the sliding-window rate limit for class and, for API-key
// principals, consumes one unit of quota. A call that passes consumes a
// token even if it later fails (spec §4.7).
func (c *Core) admit(ctx context.Context, p auth.Principal, class string) error {
	if ok, retryAfter := c.Limiter.Allow(p.User.ID.String(), class); !ok {
		return errs.RateLimited(retryAfter)
	}
	if p.ApiKey != nil {
		if err := c.Quota.Consume(ctx, p.ApiKey.ID); err != nil {
			return err
		}
	}
	return nil
}

// JobView is the read projection of a Job returned to the front.
type JobView struct {
	ID           string
	Owner        string
	BatchID      string
	ModelName    string
	Language     string
	State        string
	Progress     int
	InputRef     string
	OutputRef    string
	ErrorKind    string
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	Priority     int
}

func toJobView(j *store.Job) JobView {
	return JobView{
		ID: j.ID.String(), Owner: j.Owner.String(), BatchID: j.BatchID.String(),
		ModelName: j.ModelName, Language: j.Language, State: j.State.String(),
		Progress: j.Progress, InputRef: j.InputRef, OutputRef: j.OutputRef,
		ErrorKind: j.ErrorKind.String(), ErrorMessage: j.ErrorMessage,
		CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, FinishedAt: j.FinishedAt,
		Priority: int(j.Priority),
	}
}

// HealthView is the admin-only system_health projection (spec §9
// supplement): worker pool occupancy, queue depth, store reachability.
type HealthView struct {
	WorkerSlotsActive int
	WorkerSlotsTotal  int
	PendingJobs       int
	StoreReachable    bool
}

// GetSystemHealth returns a cached admin-only snapshot of pool occupancy,
// queue depth, and store reachability (spec §9 supplement; cached at the
// 60s TTL spec §4.6 already names for "system health").
func (c *Core) GetSystemHealth(ctx context.Context, p auth.Principal) (HealthView, error) {
	if err := auth.Authorize(p, auth.ActionAdmin, ids.UserID{}); err != nil {
		return HealthView{}, err
	}

	v, err := c.Cache.GetOrLoad(ctx, cache.SystemHealthKey(), c.cfg.CacheTTL.Health, nil, func(ctx context.Context) (any, error) {
		return HealthView{
			WorkerSlotsActive: c.Workers.ActiveSlots(),
			WorkerSlotsTotal:  c.Workers.Capacity(),
			PendingJobs:       c.Store.PendingCount(ctx),
			StoreReachable:    c.Store.Healthy(),
		}, nil
	})
	if err != nil {
		return HealthView{}, err
	}
	return v.(HealthView), nil
}

// BatchView is the read projection of a Batch.
type BatchView struct {
	ID        string
	Owner     string
	Total     int
	Completed int
	Failed    int
	Cancelled int
	Percent   float64
}

func toBatchView(b *store.Batch) BatchView {
	return BatchView{
		ID: b.ID.String(), Owner: b.Owner.String(),
		Total: b.Stats.Total, Completed: b.Stats.Completed,
		Failed: b.Stats.Failed, Cancelled: b.Stats.Cancelled,
	}
}

// JobSubmission is the caller-supplied shape for submit_job/submit_batch.
type JobSubmission struct {
	ModelName string
	Language  string
	InputRef  string
	Priority  store.Priority
}

// SubmitJob inserts a standalone job directly (no upload session) and
// wakes the scheduler.
func (c *Core) SubmitJob(ctx context.Context, p auth.Principal, spec JobSubmission) (string, error) {
	if err := auth.Authorize(p, auth.ActionSubmitJob, ids.UserID{}); err != nil {
		return "", err
	}
	if err := c.admit(ctx, p, "general"); err != nil {
		return "", err
	}

	job, err := c.Store.InsertJob(ctx, store.JobSpec{
		Owner: p.User.ID, ModelName: spec.ModelName, Language: spec.Language,
		InputRef: spec.InputRef, Priority: spec.Priority,
	})
	if err != nil {
		return "", err
	}
	c.Queue.Notify()
	c.Bus.Publish(eventbus.TopicJob(job.ID.String()), eventbus.Event{Kind: eventbus.KindAccepted, JobID: job.ID.String(), OwnerID: p.User.ID.String()})
	c.Cache.InvalidateJob(job.ID.String(), p.User.ID.String())
	return job.ID.String(), nil
}

// InitUpload starts a chunked upload session.
func (c *Core) InitUpload(ctx context.Context, p auth.Principal, size, chunkSize int64) (sessionID string, effectiveChunkSize int64, err error) {
	if err := auth.Authorize(p, auth.ActionInitUpload, ids.UserID{}); err != nil {
		return "", 0, err
	}
	if err := c.admit(ctx, p, "uploads"); err != nil {
		return "", 0, err
	}

	s, err := c.Uploads.Init(p.User.ID, size, chunkSize)
	if err != nil {
		return "", 0, err
	}
	return s.ID.String(), s.ChunkSize, nil
}

// PutChunk writes one chunk of an in-progress upload session.
func (c *Core) PutChunk(ctx context.Context, p auth.Principal, sessionID string, index int, data []byte) error {
	if err := auth.Authorize(p, auth.ActionPutChunk, ids.UserID{}); err != nil {
		return err
	}
	if err := c.admit(ctx, p, "uploads"); err != nil {
		return err
	}

	id, err := ids.ParseSessionID(sessionID)
	if err != nil {
		return errs.NotFound("upload session")
	}
	s, err := c.Uploads.Get(id)
	if err != nil {
		return err
	}
	if err := auth.Authorize(p, auth.ActionPutChunk, s.Owner); err != nil {
		return err
	}
	return c.Uploads.PutChunk(ctx, id, index, data)
}

// SealUpload validates and seals a complete upload session into a new
// pending job, spec and destPath describing the job to create and the
// artifact path the assembled bytes land at. The sealed artifact's header
// is checked against the server's magic-number allow-list inside
// UploadAssembler.Seal — the client does not get a say in what's accepted.
func (c *Core) SealUpload(ctx context.Context, p auth.Principal, sessionID string, spec JobSubmission, destPath string) (string, error) {
	if err := auth.Authorize(p, auth.ActionSealUpload, ids.UserID{}); err != nil {
		return "", err
	}
	if err := c.admit(ctx, p, "uploads"); err != nil {
		return "", err
	}

	id, err := ids.ParseSessionID(sessionID)
	if err != nil {
		return "", errs.NotFound("upload session")
	}
	s, err := c.Uploads.Get(id)
	if err != nil {
		return "", err
	}
	if err := auth.Authorize(p, auth.ActionSealUpload, s.Owner); err != nil {
		return "", err
	}

	artifact, err := c.Uploads.Seal(ctx, id, destPath)
	if err != nil {
		return "", err
	}

	job, err := c.Store.InsertJob(ctx, store.JobSpec{
		Owner: s.Owner, ModelName: spec.ModelName, Language: spec.Language,
		InputRef: artifact, Priority: spec.Priority,
	})
	if err != nil {
		return "", err
	}
	c.Queue.Notify()
	c.Bus.Publish(eventbus.TopicJob(job.ID.String()), eventbus.Event{Kind: eventbus.KindAccepted, JobID: job.ID.String(), OwnerID: s.Owner.String()})
	c.Cache.InvalidateJob(job.ID.String(), s.Owner.String())
	return job.ID.String(), nil
}

// GetJob returns a job's current view, read-through cached (spec §4.6).
func (c *Core) GetJob(ctx context.Context, p auth.Principal, jobID string) (JobView, error) {
	if err := auth.Authorize(p, auth.ActionGetJob, ids.UserID{}); err != nil {
		return JobView{}, err
	}
	if err := c.admit(ctx, p, "general"); err != nil {
		return JobView{}, err
	}

	id, err := ids.ParseJobID(jobID)
	if err != nil {
		return JobView{}, errs.NotFound("job")
	}

	v, err := c.Cache.GetOrLoad(ctx, cache.JobDetailKey(jobID), c.cfg.CacheTTL.JobDetail, []string{cache.TagJob(jobID)}, func(ctx context.Context) (any, error) {
		j, err := c.Store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		return toJobView(j), nil
	})
	if err != nil {
		return JobView{}, err
	}
	view := v.(JobView)

	ownerID, _ := ids.ParseUserID(view.Owner)
	if err := auth.Authorize(p, auth.ActionGetJob, ownerID); err != nil {
		return JobView{}, err
	}
	return view, nil
}

// ListJobsRequest narrows a list_jobs call.
type ListJobsRequest struct {
	OwnerOnly bool // true unless principal is admin and explicitly requests all
	State     *store.JobState
	BatchID   *ids.BatchID
	Limit     int
	Offset    int
}

// ListJobs returns a cached page of job views.
func (c *Core) ListJobs(ctx context.Context, p auth.Principal, req ListJobsRequest) ([]JobView, int, error) {
	if err := auth.Authorize(p, auth.ActionListJobs, ids.UserID{}); err != nil {
		return nil, 0, err
	}
	if err := c.admit(ctx, p, "general"); err != nil {
		return nil, 0, err
	}

	filter := store.JobFilter{State: req.State, BatchID: req.BatchID}
	ownerKey := "all"
	if req.OwnerOnly || p.User.Role != store.RoleAdmin {
		owner := p.User.ID
		filter.Owner = &owner
		ownerKey = owner.String()
	}

	filterDesc := ownerKey
	if req.State != nil {
		filterDesc += ":" + req.State.String()
	}
	if req.BatchID != nil {
		filterDesc += ":" + req.BatchID.String()
	}
	filterDesc += fmt.Sprintf(":%d:%d", req.Limit, req.Offset)
	cacheKey := cache.JobListingKey(p.User.ID.String(), filterDesc)
	type page struct {
		Views []JobView
		Total int
	}
	v, err := c.Cache.GetOrLoad(ctx, cacheKey, c.cfg.CacheTTL.JobListing, cache.TagsUserJobs(p.User.ID.String()), func(ctx context.Context) (any, error) {
		jobs, total := c.Store.ListJobs(ctx, filter, store.Paging{Limit: req.Limit, Offset: req.Offset})
		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = toJobView(j)
		}
		return page{Views: views, Total: total}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	pg := v.(page)
	return pg.Views, pg.Total, nil
}

// CancelJob requests cancellation of a job.
func (c *Core) CancelJob(ctx context.Context, p auth.Principal, jobID string) error {
	if err := auth.Authorize(p, auth.ActionCancelJob, ids.UserID{}); err != nil {
		return err
	}
	if err := c.admit(ctx, p, "general"); err != nil {
		return err
	}

	id, err := ids.ParseJobID(jobID)
	if err != nil {
		return errs.NotFound("job")
	}
	existing, err := c.Store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := auth.Authorize(p, auth.ActionCancelJob, existing.Owner); err != nil {
		return err
	}

	j, err := c.Store.RequestCancel(ctx, id)
	if err != nil {
		return err
	}
	c.Queue.Notify()
	if j.State == store.JobCancelled {
		c.Bus.Publish(eventbus.TopicJob(jobID), eventbus.Event{Kind: eventbus.KindCancelled, JobID: jobID, OwnerID: existing.Owner.String()})
	}
	c.Cache.InvalidateJob(jobID, existing.Owner.String())
	return nil
}

// SubmitBatch creates a batch of co-submitted jobs.
func (c *Core) SubmitBatch(ctx context.Context, p auth.Principal, specs []JobSubmission, priority store.Priority) (string, error) {
	if err := auth.Authorize(p, auth.ActionSubmitBatch, ids.UserID{}); err != nil {
		return "", err
	}
	if err := c.admit(ctx, p, "general"); err != nil {
		return "", err
	}

	jobSpecs := make([]store.JobSpec, len(specs))
	for i, s := range specs {
		jobSpecs[i] = store.JobSpec{Owner: p.User.ID, ModelName: s.ModelName, Language: s.Language, InputRef: s.InputRef}
	}

	b, _, err := c.Batches.CreateBatch(ctx, p.User.ID, jobSpecs, priority)
	if err != nil {
		return "", err
	}
	c.Queue.Notify()
	return b.ID.String(), nil
}

// GetBatch returns a batch's current aggregate.
func (c *Core) GetBatch(ctx context.Context, p auth.Principal, batchID string) (BatchView, error) {
	if err := auth.Authorize(p, auth.ActionGetBatch, ids.UserID{}); err != nil {
		return BatchView{}, err
	}
	if err := c.admit(ctx, p, "general"); err != nil {
		return BatchView{}, err
	}

	id, err := ids.ParseBatchID(batchID)
	if err != nil {
		return BatchView{}, errs.NotFound("batch")
	}
	b, err := c.Batches.Progress(ctx, id)
	if err != nil {
		return BatchView{}, err
	}
	if err := auth.Authorize(p, auth.ActionGetBatch, b.Owner); err != nil {
		return BatchView{}, err
	}
	return toBatchView(b), nil
}

// CancelBatch cancels every non-terminal member of a batch.
func (c *Core) CancelBatch(ctx context.Context, p auth.Principal, batchID string) (BatchView, error) {
	if err := auth.Authorize(p, auth.ActionCancelBatch, ids.UserID{}); err != nil {
		return BatchView{}, err
	}
	if err := c.admit(ctx, p, "mutating_admin"); err != nil {
		return BatchView{}, err
	}

	id, err := ids.ParseBatchID(batchID)
	if err != nil {
		return BatchView{}, errs.NotFound("batch")
	}
	b, err := c.Batches.Progress(ctx, id)
	if err != nil {
		return BatchView{}, err
	}
	if err := auth.Authorize(p, auth.ActionCancelBatch, b.Owner); err != nil {
		return BatchView{}, err
	}

	updated, err := c.Batches.CancelBatch(ctx, id)
	if err != nil {
		return BatchView{}, err
	}
	c.Queue.Notify()
	return toBatchView(updated), nil
}

// SubscriptionHandle is returned by Subscribe and wraps the opened
// eventbus.Subscription; the caller reads its Events and closes it.
type SubscriptionHandle struct {
	*eventbus.Subscription
}

// AllowedTopics filters topics down to what principal may subscribe to:
// their own user topic, admin:broadcast for admins, and any job:{id}/
// batch:{id} topic (ownership of the named job/batch is the caller's job to
// have already checked via GetJob/GetBatch before requesting it here).
func (c *Core) AllowedTopics(p auth.Principal, topics []string) ([]string, error) {
	if err := auth.Authorize(p, auth.ActionSubscribe, ids.UserID{}); err != nil {
		return nil, err
	}

	allowed := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == eventbus.TopicAdminBroadcast && p.User.Role != store.RoleAdmin {
			continue
		}
		if strings.HasPrefix(t, "user:") && t != eventbus.TopicUser(p.User.ID.String()) && p.User.Role != store.RoleAdmin {
			continue
		}
		allowed = append(allowed, t)
	}
	return allowed, nil
}

// Subscribe opens a live event subscription over topics the principal is
// permitted to see (spec §4.9). Equivalent to filtering topics through
// AllowedTopics and calling Bus.Subscribe directly. The WebSocket front does
// not call it: internal/api passes AllowedTopics' result to
// wshub.Hub.Serve, which opens its own subscription.
func (c *Core) Subscribe(ctx context.Context, p auth.Principal, topics []string) (SubscriptionHandle, error) {
	allowed, err := c.AllowedTopics(p, topics)
	if err != nil {
		return SubscriptionHandle{}, err
	}
	sub := c.Bus.Subscribe(allowed...)
	return SubscriptionHandle{Subscription: sub}, nil
}
