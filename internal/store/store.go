// Package store is the durable state owner for Jobs, Batches, Users, and
// ApiKeys (spec §3, §4.1). It exposes atomic single-row writes, atomic
// two-row writes bounded to (Job, Batch) or (Job, ApiKey quota), and
// never-blocking snapshot reads.
//
// Grounded on ste/mgr-JobMgr.go's per-job mutation ownership and
// jobsAdmin/JobsAdmin.go's role as the single point that hands jobs out;
// durability is backed by go.etcd.io/bbolt, this service's analogue of the
// teacher's on-disk job-plan files (ste/JobPartPlan.go) minus the
// mmap/binary-layout machinery that buys nothing for records this small.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/scribeforge/scribeforge/internal/errs"
	"github.com/scribeforge/scribeforge/internal/ids"
)

var (
	bucketJobs    = []byte("jobs")
	bucketBatches = []byte("batches")
	bucketUsers   = []byte("users")
	bucketApiKeys = []byte("api_keys")
)

type jobRecord struct {
	mu  sync.Mutex
	job Job
}

// ClaimResult is what ClaimJob returns: at most one claimed job, plus any
// pending jobs it found with cancel_requested set and transitioned directly
// to cancelled along the way (spec §4.3's "cancellation before dispatch").
type ClaimResult struct {
	Claimed       *Job
	AutoCancelled []ids.JobID
}

// JobFilter narrows list_jobs results.
type JobFilter struct {
	Owner   *ids.UserID // nil means "all owners" (admin only, caller's job to enforce)
	State   *JobState
	BatchID *ids.BatchID
}

// Paging bounds a list_jobs call.
type Paging struct {
	Limit  int
	Offset int
}

// Store is the durable-state contract described in spec §4.1.
type Store struct {
	mu      sync.Mutex // single coarse lock; this is a single-node core (spec §1 non-goal)
	jobs    map[ids.JobID]*jobRecord
	batches map[ids.BatchID]*Batch
	users   map[ids.UserID]*User
	apiKeys map[ids.ApiKeyID]*ApiKey

	db *bolt.DB
}

// Open creates or opens the bbolt-backed store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "open store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketBatches, bucketUsers, bucketApiKeys} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "init store buckets")
	}

	s := &Store{
		jobs:    make(map[ids.JobID]*jobRecord),
		batches: make(map[ids.BatchID]*Batch),
		users:   make(map[ids.UserID]*User),
		apiKeys: make(map[ids.ApiKeyID]*ApiKey),
		db:      db,
	}
	if err := s.hydrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the bbolt file handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) hydrate() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketJobs); b != nil {
			if err := b.ForEach(func(_, v []byte) error {
				var j Job
				if err := json.Unmarshal(v, &j); err != nil {
					return err
				}
				s.jobs[j.ID] = &jobRecord{job: j}
				return nil
			}); err != nil {
				return err
			}
		}
		if b := tx.Bucket(bucketBatches); b != nil {
			if err := b.ForEach(func(_, v []byte) error {
				var bt Batch
				if err := json.Unmarshal(v, &bt); err != nil {
					return err
				}
				batch := bt
				s.batches[bt.ID] = &batch
				return nil
			}); err != nil {
				return err
			}
		}
		if b := tx.Bucket(bucketUsers); b != nil {
			if err := b.ForEach(func(_, v []byte) error {
				var u User
				if err := json.Unmarshal(v, &u); err != nil {
					return err
				}
				usr := u
				s.users[u.ID] = &usr
				return nil
			}); err != nil {
				return err
			}
		}
		if b := tx.Bucket(bucketApiKeys); b != nil {
			if err := b.ForEach(func(_, v []byte) error {
				var k ApiKey
				if err := json.Unmarshal(v, &k); err != nil {
					return err
				}
				key := k
				s.apiKeys[k.ID] = &key
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// persist is best-effort: a failed write is logged by the caller (via the
// returned error) but never corrupts the in-memory record that callers
// already observed — durability lags correctness, as spec §7 requires for
// "internal invariant violations" (this is a storage_error, not one, but the
// same "never crash the component" discipline applies).
func (s *Store) persistJob(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(j.ID.String()), data)
	})
}

func (s *Store) persistBatch(b *Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).Put([]byte(b.ID.String()), data)
	})
}

func (s *Store) persistUser(u *User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(u.ID.String()), data)
	})
}

func (s *Store) persistApiKey(k *ApiKey) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApiKeys).Put([]byte(k.ID.String()), data)
	})
}

// --- Users -----------------------------------------------------------------

// UpsertUser creates or overwrites a user record.
func (s *Store) UpsertUser(_ context.Context, u User) error {
	s.mu.Lock()
	cp := u
	s.users[u.ID] = &cp
	s.mu.Unlock()
	return s.persistUser(&cp)
}

// GetUser returns a snapshot copy of a user.
func (s *Store) GetUser(_ context.Context, id ids.UserID) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// --- Jobs --------------------------------------------------------------

// InsertJob assigns an id, sets state=pending, progress=0, sequence=0.
func (s *Store) InsertJob(_ context.Context, spec JobSpec) (*Job, error) {
	j := Job{
		ID:        ids.NewJobID(),
		Owner:     spec.Owner,
		BatchID:   spec.BatchID,
		ModelName: spec.ModelName,
		Language:  spec.Language,
		InputRef:  spec.InputRef,
		State:     JobPending,
		Priority:  spec.Priority,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.jobs[j.ID] = &jobRecord{job: j}
	s.mu.Unlock()

	if err := s.persistJob(&j); err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "persist new job")
	}
	return j.Clone(), nil
}

// GetJob returns a snapshot copy of one job.
func (s *Store) GetJob(_ context.Context, id ids.JobID) (*Job, error) {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, errs.NotFound("job")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job.Clone(), nil
}

// ClaimJob atomically selects the highest-priority pending job whose owner
// has spare concurrency (ties broken by older created_at), sets
// state=running, started_at=now, and returns it. Any pending job it passes
// over with cancel_requested already set is transitioned straight to
// cancelled instead of being claimed, per spec §4.3.
func (s *Store) ClaimJob(_ context.Context, workerID string) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := map[ids.UserID]int{}
	var candidates []*jobRecord
	for _, rec := range s.jobs {
		rec.mu.Lock()
		switch rec.job.State {
		case JobRunning:
			running[rec.job.Owner]++
		case JobPending:
			candidates = append(candidates, rec)
		}
		rec.mu.Unlock()
	}

	sort.Slice(candidates, func(i, k int) bool {
		ri, rk := candidates[i], candidates[k]
		ri.mu.Lock()
		rk.mu.Lock()
		defer ri.mu.Unlock()
		defer rk.mu.Unlock()
		if ri.job.Priority != rk.job.Priority {
			return ri.job.Priority > rk.job.Priority
		}
		return ri.job.CreatedAt.Before(rk.job.CreatedAt)
	})

	result := ClaimResult{}
	cap := s.concurrencyCapLocked

	for _, rec := range candidates {
		rec.mu.Lock()
		if rec.job.State != JobPending {
			rec.mu.Unlock()
			continue
		}
		if rec.job.CancelRequested {
			rec.job.State = JobCancelled
			rec.job.FinishedAt = time.Now()
			snapshot := rec.job.Clone()
			rec.mu.Unlock()
			result.AutoCancelled = append(result.AutoCancelled, rec.job.ID)
			_ = s.persistJob(snapshot)
			continue
		}
		owner := rec.job.Owner
		if running[owner] >= cap(owner) {
			rec.mu.Unlock()
			continue
		}
		rec.job.State = JobRunning
		rec.job.StartedAt = time.Now()
		rec.job.ClaimedByWorker = workerID
		snapshot := rec.job.Clone()
		rec.mu.Unlock()

		running[owner]++
		result.Claimed = snapshot
		if err := s.persistJob(snapshot); err != nil {
			return result, errs.Wrap(err, errs.KindInternal, "persist claimed job")
		}
		break
	}

	return result, nil
}

func (s *Store) concurrencyCapLocked(owner ids.UserID) int {
	if u, ok := s.users[owner]; ok && u.ConcurrencyCap > 0 {
		return u.ConcurrencyCap
	}
	return 1
}

// RecordProgress is idempotent on (job_id, seq): it rejects out-of-order
// sequences (seq <= last) and writes only if progress is strictly greater
// than what's stored.
func (s *Store) RecordProgress(_ context.Context, id ids.JobID, seq uint64, progress int) error {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return errs.NotFound("job")
	}

	rec.mu.Lock()
	if rec.job.State != JobRunning {
		rec.mu.Unlock()
		return nil // silently ignored per spec §7: out-of-sequence/invalid writes never crash the component
	}
	if seq <= rec.job.LastSequence {
		rec.mu.Unlock()
		return nil
	}
	if progress <= rec.job.Progress {
		rec.job.LastSequence = seq
		snapshot := rec.job.Clone()
		rec.mu.Unlock()
		return s.persistJob(snapshot)
	}
	rec.job.LastSequence = seq
	rec.job.Progress = progress
	snapshot := rec.job.Clone()
	rec.mu.Unlock()

	return s.persistJob(snapshot)
}

// FinishJob requires current state=running; sets terminal state and
// finished_at. Returns precondition_failed if the job is already terminal.
func (s *Store) FinishJob(_ context.Context, id ids.JobID, terminal JobState, outputRef string, errKind errs.Kind, errMsg string) (*Job, error) {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, errs.NotFound("job")
	}

	rec.mu.Lock()
	if rec.job.State != JobRunning {
		rec.mu.Unlock()
		return nil, errs.PreconditionFailed("job is not running")
	}
	rec.job.State = terminal
	rec.job.OutputRef = outputRef
	rec.job.ErrorKind = errKind
	rec.job.ErrorMessage = errMsg
	rec.job.FinishedAt = time.Now()
	if terminal == JobCompleted {
		rec.job.Progress = 100
	}
	snapshot := rec.job.Clone()
	rec.mu.Unlock()

	if err := s.persistJob(snapshot); err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "persist finished job")
	}
	return snapshot, nil
}

// RequestCancel sets cancel_requested=true; idempotent; no effect on
// terminal jobs.
func (s *Store) RequestCancel(_ context.Context, id ids.JobID) (*Job, error) {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, errs.NotFound("job")
	}

	rec.mu.Lock()
	if rec.job.State.IsTerminal() {
		snapshot := rec.job.Clone()
		rec.mu.Unlock()
		return snapshot, errs.PreconditionFailed("job already terminal")
	}
	rec.job.CancelRequested = true
	snapshot := rec.job.Clone()
	rec.mu.Unlock()

	if err := s.persistJob(snapshot); err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "persist cancel request")
	}
	return snapshot, nil
}

// ListJobs returns a page over a point-in-time snapshot; never blocks
// writers.
func (s *Store) ListJobs(_ context.Context, filter JobFilter, paging Paging) ([]*Job, int) {
	s.mu.Lock()
	snapshot := make([]*Job, 0, len(s.jobs))
	for _, rec := range s.jobs {
		rec.mu.Lock()
		snapshot = append(snapshot, rec.job.Clone())
		rec.mu.Unlock()
	}
	s.mu.Unlock()

	filtered := snapshot[:0]
	for _, j := range snapshot {
		if filter.Owner != nil && j.Owner != *filter.Owner {
			continue
		}
		if filter.State != nil && j.State != *filter.State {
			continue
		}
		if filter.BatchID != nil && j.BatchID != *filter.BatchID {
			continue
		}
		filtered = append(filtered, j)
	}

	sort.Slice(filtered, func(i, k int) bool {
		return filtered[i].CreatedAt.After(filtered[k].CreatedAt)
	})

	total := len(filtered)
	if paging.Limit <= 0 {
		paging.Limit = total
	}
	start := paging.Offset
	if start > total {
		start = total
	}
	end := start + paging.Limit
	if end > total {
		end = total
	}
	return filtered[start:end], total
}

// PromotePendingJobs bumps every pending job waiting longer than
// olderThan's implied age to the next higher priority tier, one tier at a
// time per call, so a long-stalled low-priority job eventually reaches
// high rather than jumping straight there (the priority aging supplement
// to spec §4.3 — plain FIFO-within-priority starves low-priority work
// indefinitely under sustained high-priority submission). Returns the ids
// promoted, for callers that want to log or emit an event.
func (s *Store) PromotePendingJobs(_ context.Context, now time.Time, olderThan time.Duration) []ids.JobID {
	s.mu.Lock()
	recs := make([]*jobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	var promoted []ids.JobID
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.job.State == JobPending && rec.job.Priority < PriorityHigh && now.Sub(rec.job.CreatedAt) > olderThan {
			rec.job.Priority++
			cp := rec.job.Clone()
			rec.mu.Unlock()
			promoted = append(promoted, cp.ID)
			_ = s.persistJob(cp)
			continue
		}
		rec.mu.Unlock()
	}
	return promoted
}

// RunningCountForOwner reports how many of owner's jobs are currently
// running — the invariant spec §8 requires never exceeds ConcurrencyCap.
func (s *Store) RunningCountForOwner(_ context.Context, owner ids.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.jobs {
		rec.mu.Lock()
		if rec.job.Owner == owner && rec.job.State == JobRunning {
			count++
		}
		rec.mu.Unlock()
	}
	return count
}

// PendingCount reports the total number of jobs awaiting dispatch, across
// every owner — the queue-depth figure the system_health view reports
// (spec §9 supplement).
func (s *Store) PendingCount(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.jobs {
		rec.mu.Lock()
		if rec.job.State == JobPending {
			count++
		}
		rec.mu.Unlock()
	}
	return count
}

// Healthy reports whether the underlying bbolt handle still answers a
// trivial read transaction.
func (s *Store) Healthy() bool {
	return s.db.View(func(tx *bolt.Tx) error { return nil }) == nil
}

// JobsClaimedByDeadWorkers returns running jobs whose claimed worker is not
// among liveWorkerIDs — used by the WorkerPool's startup recovery pass
// (spec §4.4 "Crash safety").
func (s *Store) JobsClaimedByDeadWorkers(_ context.Context, liveWorkerIDs map[string]bool) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, rec := range s.jobs {
		rec.mu.Lock()
		if rec.job.State == JobRunning && !liveWorkerIDs[rec.job.ClaimedByWorker] {
			out = append(out, rec.job.Clone())
		}
		rec.mu.Unlock()
	}
	return out
}

// --- Batches -----------------------------------------------------------

// InsertBatch inserts all member jobs atomically with a shared batch id;
// members inherit the batch's priority (spec §4.8).
func (s *Store) InsertBatch(_ context.Context, owner ids.UserID, specs []JobSpec, priority Priority) (*Batch, []*Job, error) {
	if len(specs) == 0 {
		return nil, nil, errs.New(errs.KindPreconditionFailed, "batch requires at least one job")
	}

	batchID := ids.NewBatchID()
	now := time.Now()

	s.mu.Lock()
	jobs := make([]*Job, 0, len(specs))
	memberIDs := make([]ids.JobID, 0, len(specs))
	for _, spec := range specs {
		j := Job{
			ID:        ids.NewJobID(),
			Owner:     owner,
			BatchID:   batchID,
			ModelName: spec.ModelName,
			Language:  spec.Language,
			InputRef:  spec.InputRef,
			State:     JobPending,
			Priority:  priority,
			CreatedAt: now,
		}
		s.jobs[j.ID] = &jobRecord{job: j}
		jobs = append(jobs, j.Clone())
		memberIDs = append(memberIDs, j.ID)
	}

	batch := &Batch{
		ID:           batchID,
		Owner:        owner,
		MemberJobIDs: memberIDs,
		CreatedAt:    now,
		Stats:        BatchStats{Total: len(specs)},
	}
	s.batches[batchID] = batch
	batchSnapshot := *batch
	s.mu.Unlock()

	for _, j := range jobs {
		if err := s.persistJob(j); err != nil {
			return nil, nil, errs.Wrap(err, errs.KindInternal, "persist batch member job")
		}
	}
	if err := s.persistBatch(&batchSnapshot); err != nil {
		return nil, nil, errs.Wrap(err, errs.KindInternal, "persist batch")
	}
	return &batchSnapshot, jobs, nil
}

// GetBatch returns a snapshot copy of one batch.
func (s *Store) GetBatch(_ context.Context, id ids.BatchID) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, errs.NotFound("batch")
	}
	cp := *b
	cp.MemberJobIDs = append([]ids.JobID(nil), b.MemberJobIDs...)
	return &cp, nil
}

// RecomputeBatchStats recomputes a batch's aggregates from its members'
// current states and persists the result. Called by BatchCoordinator in
// response to EventBus events — never polled (spec §4.8).
func (s *Store) RecomputeBatchStats(_ context.Context, id ids.BatchID) (*Batch, error) {
	s.mu.Lock()
	b, ok := s.batches[id]
	if !ok {
		s.mu.Unlock()
		return nil, errs.NotFound("batch")
	}
	members := append([]ids.JobID(nil), b.MemberJobIDs...)
	s.mu.Unlock()

	var stats BatchStats
	stats.Total = len(members)
	for _, jid := range members {
		s.mu.Lock()
		rec, ok := s.jobs[jid]
		s.mu.Unlock()
		if !ok {
			continue
		}
		rec.mu.Lock()
		state := rec.job.State
		rec.mu.Unlock()
		switch state {
		case JobCompleted:
			stats.Completed++
		case JobFailed:
			stats.Failed++
		case JobCancelled:
			stats.Cancelled++
		}
	}

	s.mu.Lock()
	b.Stats = stats
	snapshot := *b
	s.mu.Unlock()

	if err := s.persistBatch(&snapshot); err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "persist batch stats")
	}
	return &snapshot, nil
}

// RequestCancelBatch sets cancel_requested on the batch and returns its
// current (non-terminal) member ids for the caller to fan out single-job
// cancellation over (spec §4.8, §5).
func (s *Store) RequestCancelBatch(_ context.Context, id ids.BatchID) (*Batch, []ids.JobID, error) {
	s.mu.Lock()
	b, ok := s.batches[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil, errs.NotFound("batch")
	}
	b.CancelRequested = true
	members := append([]ids.JobID(nil), b.MemberJobIDs...)
	snapshot := *b
	s.mu.Unlock()

	var nonTerminal []ids.JobID
	for _, jid := range members {
		s.mu.Lock()
		rec, ok := s.jobs[jid]
		s.mu.Unlock()
		if !ok {
			continue
		}
		rec.mu.Lock()
		terminal := rec.job.State.IsTerminal()
		rec.mu.Unlock()
		if !terminal {
			nonTerminal = append(nonTerminal, jid)
		}
	}

	if err := s.persistBatch(&snapshot); err != nil {
		return nil, nil, errs.Wrap(err, errs.KindInternal, "persist batch cancel")
	}
	return &snapshot, nonTerminal, nil
}

// --- API keys ------------------------------------------------------------

// InsertApiKey stores a new key.
func (s *Store) InsertApiKey(_ context.Context, key ApiKey) error {
	s.mu.Lock()
	cp := key
	s.apiKeys[key.ID] = &cp
	s.mu.Unlock()
	return s.persistApiKey(&cp)
}

// GetApiKey returns a snapshot copy.
func (s *Store) GetApiKey(_ context.Context, id ids.ApiKeyID) (*ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return nil, errs.NotFound("api key")
	}
	cp := *k
	return &cp, nil
}

// FindApiKeyByHash scans for the key with the given hashed secret. Fine for
// the expected key population of a single-node deployment (spec §1).
func (s *Store) FindApiKeyByHash(_ context.Context, hashed string) (*ApiKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.HashedKey == hashed {
			cp := *k
			return &cp, true
		}
	}
	return nil, false
}

// RevokeApiKey marks a key terminal.
func (s *Store) RevokeApiKey(_ context.Context, id ids.ApiKeyID) error {
	s.mu.Lock()
	k, ok := s.apiKeys[id]
	if !ok {
		s.mu.Unlock()
		return errs.NotFound("api key")
	}
	k.Revoked = true
	cp := *k
	s.mu.Unlock()
	return s.persistApiKey(&cp)
}

// IncrementQuota atomically increments an API key's usage counter, rolling
// the window forward first if it has expired. Returns quota_exhausted if
// the increment would overflow the limit (spec §4.7).
func (s *Store) IncrementQuota(_ context.Context, id ids.ApiKeyID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok {
		return errs.NotFound("api key")
	}
	if k.Revoked || k.Expired(now) {
		return errs.Forbidden("api key revoked or expired")
	}

	if k.WindowStart.IsZero() || now.Sub(k.WindowStart) >= k.WindowLength {
		k.WindowStart = now
		k.Used = 0
	}

	if k.Used >= k.Limit {
		return errs.QuotaExhausted(k.WindowStart.Add(k.WindowLength))
	}
	k.Used++
	cp := *k
	return s.persistApiKey(&cp)
}
