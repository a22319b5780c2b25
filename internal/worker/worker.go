// Package worker is the bounded pool of execution slots spec §4.4
// describes: each slot repeatedly claims a job, spawns the external
// transcription process against its input artifact, parses "percent
// complete" markers off its stderr, honors cooperative cancellation with a
// grace period, and watches for no-progress timeouts.
//
// Grounded on jobsAdmin/JobsAdmin.go's role as the thing each execution
// slot asks for its next unit of work, and on
// gurre-ddb-pitr/coordinator/coordinator.go's fixed-size worker-goroutine
// pool with per-worker status tracking (cited as pack enrichment: azcopy's
// own transfer engine moves bytes in-process, it never shells out the way
// a slot here must spawn and stream a subprocess).
package worker

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scribeforge/scribeforge/internal/errs"
	"github.com/scribeforge/scribeforge/internal/eventbus"
	"github.com/scribeforge/scribeforge/internal/jobqueue"
	"github.com/scribeforge/scribeforge/internal/obslog"
	"github.com/scribeforge/scribeforge/internal/store"
)

// Config tunes slot behavior (mirrors the relevant subset of internal/config.Config).
type Config struct {
	PoolSize            int
	WhisperBinary       string
	ProgressThrottle    time.Duration
	ProgressThrottlePct int
	NoProgressTimeout   time.Duration
	CancelGrace         time.Duration
}

// Pool is the fixed-size set of execution slots.
type Pool struct {
	cfg    Config
	store  *store.Store
	queue  *jobqueue.Queue
	bus    *eventbus.Bus
	log    obslog.Logger

	mu      sync.RWMutex
	liveIDs map[string]bool

	active atomic.Int32
}

// ActiveSlots reports how many slots are currently executing a job, for the
// system_health view (spec §9 supplement).
func (p *Pool) ActiveSlots() int { return int(p.active.Load()) }

// Capacity reports the pool's configured slot count.
func (p *Pool) Capacity() int { return p.cfg.PoolSize }

// New builds a Pool. Call Run to start its slots; call RecoverCrashed
// once at startup before Run, per spec §4.4's crash-safety pass.
func New(cfg Config, s *store.Store, q *jobqueue.Queue, bus *eventbus.Bus, log obslog.Logger) *Pool {
	return &Pool{cfg: cfg, store: s, queue: q, bus: bus, log: log, liveIDs: make(map[string]bool)}
}

// RecoverCrashed re-transitions any job left running by a worker that is
// not among liveWorkerIDs to failed(worker_lost), per spec §4.4.
func (p *Pool) RecoverCrashed(ctx context.Context) {
	orphans := p.store.JobsClaimedByDeadWorkers(ctx, map[string]bool{})
	for _, j := range orphans {
		if _, err := p.store.FinishJob(ctx, j.ID, store.JobFailed, "", errs.KindWorkerLost, "worker process lost"); err != nil {
			p.log.Warn("failed to finish orphaned job as worker_lost", obslog.JobField(j.ID.String()))
			continue
		}
		p.bus.Publish(eventbus.TopicJob(j.ID.String()), eventbus.Event{Kind: eventbus.KindFailed, JobID: j.ID.String(), OwnerID: j.Owner.String()})
	}
}

// Run starts cfg.PoolSize slot goroutines and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.PoolSize; i++ {
		wg.Add(1)
		workerID := "slot-" + strconv.Itoa(i)
		p.mu.Lock()
		p.liveIDs[workerID] = true
		p.mu.Unlock()
		go func() {
			defer wg.Done()
			p.slotLoop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) slotLoop(ctx context.Context, workerID string) {
	for {
		p.queue.Wait(ctx, 0)
		if ctx.Err() != nil {
			return
		}
		res, err := p.queue.ClaimNext(ctx, workerID)
		if err != nil {
			p.log.Error("claim failed", zap.Error(err))
			continue
		}
		for _, cancelled := range res.AutoCancelled {
			owner := ""
			if j, err := p.store.GetJob(ctx, cancelled); err == nil {
				owner = j.Owner.String()
			}
			p.bus.Publish(eventbus.TopicJob(cancelled.String()), eventbus.Event{Kind: eventbus.KindCancelled, JobID: cancelled.String(), OwnerID: owner})
		}
		if res.Claimed == nil {
			continue
		}
		p.execute(ctx, workerID, res.Claimed)
	}
}

var progressPattern = regexp.MustCompile(`(\d{1,3})\s*%`)

// execute runs one job to completion on this slot: spawn, stream progress,
// watch for cancellation/timeout, record the terminal outcome.
func (p *Pool) execute(ctx context.Context, workerID string, job *store.Job) {
	// Notify last (defers run LIFO): a pending job blocked only by a
	// per-user concurrency cap needs to see this slot's capacity freed the
	// moment the job reaches any terminal state (spec §4.3, §8 scenario 4).
	defer p.queue.Notify()
	p.active.Add(1)
	defer p.active.Add(-1)
	// A panic anywhere below is converted to a worker_lost job failure at
	// this slot boundary instead of taking the process down.
	defer func() {
		if r := recover(); r != nil {
			p.finishFailed(ctx, job, errs.KindWorkerLost, "worker slot panicked")
		}
	}()

	topic := eventbus.TopicJob(job.ID.String())
	p.bus.Publish(topic, eventbus.Event{Kind: eventbus.KindStarted, JobID: job.ID.String(), BatchID: batchIDOf(job), OwnerID: job.Owner.String()})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	cmd := exec.CommandContext(runCtx, p.cfg.WhisperBinary, "--model", job.ModelName, "--language", job.Language, job.InputRef)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.finishFailed(ctx, job, errs.KindSubprocessCrashed, "failed to attach stderr pipe")
		return
	}
	if err := cmd.Start(); err != nil {
		p.finishFailed(ctx, job, errs.KindSubprocessCrashed, "failed to start transcription process")
		return
	}

	lastProgressAt := make(chan time.Time, 1)
	lastProgressAt <- time.Now()

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		p.streamProgress(ctx, job, stderr, lastProgressAt)
	}()

	outcome := p.monitor(ctx, job, cmd, lastProgressAt)
	<-progressDone

	outputPath := job.InputRef + ".out"
	if outcome.kind == outcomeCompleted {
		if _, statErr := os.Stat(outputPath); statErr != nil {
			outcome = outcome{kind: outcomeFailed, errKind: errs.KindOutputMissing, message: "transcription process exited normally but produced no output artifact"}
		}
	}

	switch outcome.kind {
	case outcomeCompleted:
		if _, err := p.store.FinishJob(ctx, job.ID, store.JobCompleted, outputPath, 0, ""); err != nil {
			p.log.Warn("finish_job(completed) failed", obslog.JobField(job.ID.String()))
			return
		}
		p.bus.Publish(topic, eventbus.Event{Kind: eventbus.KindCompleted, JobID: job.ID.String(), BatchID: batchIDOf(job), OwnerID: job.Owner.String(), Progress: 100})
	case outcomeCancelled:
		if _, err := p.store.FinishJob(ctx, job.ID, store.JobCancelled, "", 0, "cancelled by request"); err != nil {
			p.log.Warn("finish_job(cancelled) failed", obslog.JobField(job.ID.String()))
			return
		}
		p.bus.Publish(topic, eventbus.Event{Kind: eventbus.KindCancelled, JobID: job.ID.String(), BatchID: batchIDOf(job), OwnerID: job.Owner.String()})
	default:
		p.finishFailed(ctx, job, outcome.errKind, outcome.message)
	}
}

func (p *Pool) finishFailed(ctx context.Context, job *store.Job, kind errs.Kind, message string) {
	if _, err := p.store.FinishJob(ctx, job.ID, store.JobFailed, "", kind, message); err != nil {
		p.log.Warn("finish_job(failed) failed", obslog.JobField(job.ID.String()))
		return
	}
	p.bus.Publish(eventbus.TopicJob(job.ID.String()), eventbus.Event{Kind: eventbus.KindFailed, JobID: job.ID.String(), BatchID: batchIDOf(job), OwnerID: job.Owner.String(), Payload: map[string]string{"error_kind": kind.String(), "message": message}})
}

// batchIDOf returns job's batch id as a string, or "" if it was submitted
// standalone, so EventBus consumers (BatchCoordinator) can tell which
// events belong to a batch without a separate Store lookup.
func batchIDOf(job *store.Job) string {
	if job.BatchID.IsZero() {
		return ""
	}
	return job.BatchID.String()
}

// streamProgress reads stderr line-by-line, extracting percent-complete
// markers and forwarding forward-moving deltas to Store/EventBus, rate
// limited to at most one update per ProgressThrottle or ProgressThrottlePct,
// whichever is coarser (spec §4.4 step 4).
func (p *Pool) streamProgress(ctx context.Context, job *store.Job, stderr io.Reader, lastProgressAt chan time.Time) {
	scanner := bufio.NewScanner(stderr)
	var seq uint64
	lastEmitted := -1
	lastEmitTime := time.Time{}

	for scanner.Scan() {
		line := scanner.Text()
		m := progressPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pct, err := strconv.Atoi(m[1])
		if err != nil || pct <= lastEmitted {
			continue
		}

		now := time.Now()
		pctDelta := pct - lastEmitted
		if !lastEmitTime.IsZero() && (now.Sub(lastEmitTime) < p.cfg.ProgressThrottle || pctDelta < p.cfg.ProgressThrottlePct) {
			continue
		}

		seq++
		if err := p.store.RecordProgress(ctx, job.ID, seq, pct); err != nil {
			continue
		}
		p.bus.Publish(eventbus.TopicJob(job.ID.String()), eventbus.Event{Kind: eventbus.KindProgress, JobID: job.ID.String(), BatchID: batchIDOf(job), OwnerID: job.Owner.String(), Progress: pct})

		lastEmitted = pct
		lastEmitTime = now
		select {
		case <-lastProgressAt:
		default:
		}
		lastProgressAt <- now
	}
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeCancelled
	outcomeFailed
)

type outcome struct {
	kind    outcomeKind
	errKind errs.Kind
	message string
}

// monitor waits for the subprocess to exit while concurrently polling
// cancel_requested at >=2 Hz and watching for a no-progress watchdog
// timeout (spec §4.4 steps 5-6 and the Watchdog paragraph).
func (p *Pool) monitor(ctx context.Context, job *store.Job, cmd *exec.Cmd, lastProgressAt chan time.Time) outcome {
	exitErr := make(chan error, 1)
	go func() { exitErr <- cmd.Wait() }()

	pollInterval := 400 * time.Millisecond // > 2 Hz
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exitErr:
			return classifyExit(err)

		case <-ticker.C:
			current, getErr := p.store.GetJob(ctx, job.ID)
			if getErr == nil && current.CancelRequested {
				return p.terminateGracefully(cmd, exitErr)
			}

			var last time.Time
			select {
			case last = <-lastProgressAt:
				lastProgressAt <- last
			default:
				last = job.StartedAt
			}
			if p.cfg.NoProgressTimeout > 0 && time.Since(last) > p.cfg.NoProgressTimeout {
				_ = p.terminateGracefully(cmd, exitErr)
				return outcome{kind: outcomeFailed, errKind: errs.KindTimeout, message: "no progress observed within timeout"}
			}

		case <-ctx.Done():
			return p.terminateGracefully(cmd, exitErr)
		}
	}
}

// terminateGracefully signals the process to stop, escalating to a forced
// kill after CancelGrace (spec §4.4 step 5).
func (p *Pool) terminateGracefully(cmd *exec.Cmd, exitErr chan error) outcome {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(interruptSignal)
	}
	select {
	case <-exitErr:
	case <-time.After(p.cfg.CancelGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exitErr
	}
	return outcome{kind: outcomeCancelled}
}

func classifyExit(err error) outcome {
	if err == nil {
		return outcome{kind: outcomeCompleted}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return outcome{kind: outcomeFailed, errKind: errs.KindSubprocessNonzeroExit, message: exitErr.Error()}
	}
	return outcome{kind: outcomeFailed, errKind: errs.KindSubprocessCrashed, message: err.Error()}
}
