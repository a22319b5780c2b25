package store

import (
	"time"

	"github.com/scribeforge/scribeforge/internal/errs"
	"github.com/scribeforge/scribeforge/internal/ids"
)

// JobState is one of the states a Job moves through (spec §3).
type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is one of {completed, failed, cancelled}.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Priority orders pending jobs within JobQueue (spec §4.3).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// JobSpec is the caller-supplied description used to create a Job.
type JobSpec struct {
	Owner       ids.UserID
	BatchID     ids.BatchID // zero value means "no batch"
	ModelName   string
	Language    string
	InputRef    string
	Priority    Priority
}

// Job is the durable record for one transcription task (spec §3).
type Job struct {
	ID              ids.JobID
	Owner           ids.UserID
	BatchID         ids.BatchID
	ModelName       string
	Language        string
	State           JobState
	Progress        int
	InputRef        string
	OutputRef       string
	ErrorKind       errs.Kind
	ErrorMessage    string
	CreatedAt       time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
	Priority        Priority
	CancelRequested bool
	LastSequence    uint64 // highest progress-event sequence recorded
	ClaimedByWorker string // worker slot id; empty unless State == running
}

// Clone returns a value copy safe to hand to callers outside the lock.
func (j *Job) Clone() *Job {
	cp := *j
	return &cp
}

// BatchStats are the derived aggregates spec §4.8/§8 require.
type BatchStats struct {
	Total     int
	Completed int
	Failed    int
	Cancelled int
}

// Done reports whether every member job has reached a terminal state.
func (s BatchStats) Done() bool {
	return s.Completed+s.Failed+s.Cancelled == s.Total
}

// Percent is sum(member progress) / (total * 100), spec §4.8.
func (s BatchStats) Percent(progressSum int) float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(progressSum) / float64(s.Total*100)
}

// Batch groups related jobs co-submitted and cancellable as a unit.
type Batch struct {
	ID              ids.BatchID
	Owner           ids.UserID
	MemberJobIDs    []ids.JobID
	CreatedAt       time.Time
	CancelRequested bool
	Stats           BatchStats
}

// Role distinguishes ordinary users from admins (spec §3).
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
)

// User is the durable principal record.
type User struct {
	ID             ids.UserID
	Role           Role
	ConcurrencyCap int
	Disabled       bool
}

// ApiKey is an issued credential scoped to a subset of its owner's
// permissions, with its own fixed-window quota ledger that resets once
// WindowLength has passed since WindowStart (spec §3, §4.7).
type ApiKey struct {
	ID          ids.ApiKeyID
	Owner       ids.UserID
	Permissions map[string]bool
	ExpiresAt   time.Time
	Revoked     bool
	HashedKey   string

	WindowStart  time.Time
	Used         int
	Limit        int
	WindowLength time.Duration
}

// Expired reports whether the key's expiry has passed.
func (k *ApiKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}
