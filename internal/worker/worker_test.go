package worker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scribeforge/scribeforge/internal/errs"
	"github.com/scribeforge/scribeforge/internal/eventbus"
	"github.com/scribeforge/scribeforge/internal/ids"
	"github.com/scribeforge/scribeforge/internal/jobqueue"
	"github.com/scribeforge/scribeforge/internal/obslog"
	"github.com/scribeforge/scribeforge/internal/store"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake-whisper scripts in this test suite are POSIX shell only")
	}
	path := filepath.Join(t.TempDir(), "fake-whisper.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *store.Store, *eventbus.Bus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := eventbus.New(32)
	q := jobqueue.New(s, time.Hour)
	cfg.PoolSize = 1
	if cfg.ProgressThrottle == 0 {
		cfg.ProgressThrottle = time.Millisecond
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 50 * time.Millisecond
	}
	p := New(cfg, s, q, bus, obslog.Nop())
	return p, s, bus
}

func claimOneJob(t *testing.T, ctx context.Context, s *store.Store) *store.Job {
	t.Helper()
	return claimOneJobWithInput(t, ctx, s, "")
}

func claimOneJobWithInput(t *testing.T, ctx context.Context, s *store.Store, inputRef string) *store.Job {
	t.Helper()
	owner := ids.NewUserID()
	require.NoError(t, s.UpsertUser(ctx, store.User{ID: owner, ConcurrencyCap: 5}))
	_, err := s.InsertJob(ctx, store.JobSpec{Owner: owner, ModelName: "small", InputRef: inputRef})
	require.NoError(t, err)
	res, err := s.ClaimJob(ctx, "slot-0")
	require.NoError(t, err)
	require.NotNil(t, res.Claimed)
	return res.Claimed
}

func TestExecuteCompletesOnCleanExit(t *testing.T) {
	ctx := context.Background()
	input := filepath.Join(t.TempDir(), "in.wav")
	script := writeScript(t, `echo "10% done" >&2; echo "100% done" >&2; touch "$5.out"; exit 0`)
	p, s, bus := newTestPool(t, Config{WhisperBinary: script, NoProgressTimeout: time.Minute})

	job := claimOneJobWithInput(t, ctx, s, input)
	sub := bus.Subscribe(eventbus.TopicJob(job.ID.String()))
	defer sub.Close()

	p.execute(ctx, "slot-0", job)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCompleted, got.State)

	sawCompleted := false
	for {
		select {
		case e := <-sub.Events:
			if e.Kind == eventbus.KindCompleted {
				sawCompleted = true
			}
		default:
			require.True(t, sawCompleted, "expected a completed event")
			return
		}
	}
}

func TestExecuteClassifiesCleanExitWithNoOutputAsOutputMissing(t *testing.T) {
	ctx := context.Background()
	input := filepath.Join(t.TempDir(), "in.wav")
	script := writeScript(t, `echo "100% done" >&2; exit 0`) // never touches $5.out
	p, s, bus := newTestPool(t, Config{WhisperBinary: script, NoProgressTimeout: time.Minute})

	job := claimOneJobWithInput(t, ctx, s, input)
	sub := bus.Subscribe(eventbus.TopicJob(job.ID.String()))
	defer sub.Close()

	p.execute(ctx, "slot-0", job)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, got.State)
	require.Equal(t, errs.KindOutputMissing, got.ErrorKind)

	// started and progress events precede the terminal one
	e := <-sub.Events
	for !e.Kind.IsTerminal() {
		e = <-sub.Events
	}
	require.Equal(t, eventbus.KindFailed, e.Kind)
}

func TestExecuteClassifiesNonzeroExitAsFailed(t *testing.T) {
	ctx := context.Background()
	script := writeScript(t, `echo "boom" >&2; exit 3`)
	p, s, _ := newTestPool(t, Config{WhisperBinary: script, NoProgressTimeout: time.Minute})

	job := claimOneJob(t, ctx, s)
	p.execute(ctx, "slot-0", job)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, got.State)
}

func TestExecuteHonorsCancelRequest(t *testing.T) {
	ctx := context.Background()
	script := writeScript(t, `trap 'exit 0' TERM; i=0; while [ $i -lt 100 ]; do echo "$i% done" >&2; sleep 0.05; i=$((i+5)); done`)
	p, s, _ := newTestPool(t, Config{WhisperBinary: script, NoProgressTimeout: time.Minute, CancelGrace: 200 * time.Millisecond})

	job := claimOneJob(t, ctx, s)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, err := s.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
	}()

	p.execute(ctx, "slot-0", job)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCancelled, got.State)
}

func TestRecoverCrashedMarksOrphansWorkerLost(t *testing.T) {
	ctx := context.Background()
	p, s, bus := newTestPool(t, Config{WhisperBinary: "unused"})

	job := claimOneJob(t, ctx, s)
	sub := bus.Subscribe(eventbus.TopicJob(job.ID.String()))
	defer sub.Close()

	p.RecoverCrashed(ctx)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, got.State)

	e := <-sub.Events
	require.Equal(t, eventbus.KindFailed, e.Kind)
}
