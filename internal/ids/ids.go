// Package ids defines the identifier types shared across the job
// orchestration core. Each is a named type over uuid.UUID so the compiler
// keeps a JobID from being passed where a BatchID is expected.
package ids

import (
	"encoding/json"

	"github.com/google/uuid"
)

// JobID identifies one transcription job.
type JobID uuid.UUID

// NewJobID returns a freshly generated job identifier.
func NewJobID() JobID { return JobID(uuid.New()) }

// ParseJobID parses a job id previously rendered by String.
func ParseJobID(s string) (JobID, error) {
	u, err := uuid.Parse(s)
	return JobID(u), err
}

func (j JobID) String() string { return uuid.UUID(j).String() }
func (j JobID) IsZero() bool   { return j == JobID{} }

func (j JobID) MarshalJSON() ([]byte, error) { return json.Marshal(j.String()) }
func (j *JobID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*j = JobID(u)
	return nil
}

// BatchID identifies a co-submitted group of jobs.
type BatchID uuid.UUID

func NewBatchID() BatchID { return BatchID(uuid.New()) }
func ParseBatchID(s string) (BatchID, error) {
	u, err := uuid.Parse(s)
	return BatchID(u), err
}
func (b BatchID) String() string { return uuid.UUID(b).String() }
func (b BatchID) IsZero() bool   { return b == BatchID{} }

func (b BatchID) MarshalJSON() ([]byte, error) { return json.Marshal(b.String()) }
func (b *BatchID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*b = BatchID(u)
	return nil
}

// SessionID identifies an in-progress chunked upload.
type SessionID uuid.UUID

func NewSessionID() SessionID { return SessionID(uuid.New()) }
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	return SessionID(u), err
}
func (s SessionID) String() string { return uuid.UUID(s).String() }
func (s SessionID) IsZero() bool   { return s == SessionID{} }

// UserID identifies a registered user/principal owner.
type UserID uuid.UUID

func NewUserID() UserID { return UserID(uuid.New()) }
func ParseUserID(s string) (UserID, error) {
	u, err := uuid.Parse(s)
	return UserID(u), err
}
func (u UserID) String() string { return uuid.UUID(u).String() }
func (u UserID) IsZero() bool   { return u == UserID{} }

// ApiKeyID identifies one issued API key.
type ApiKeyID uuid.UUID

func NewApiKeyID() ApiKeyID { return ApiKeyID(uuid.New()) }
func (k ApiKeyID) String() string { return uuid.UUID(k).String() }
func (k ApiKeyID) IsZero() bool   { return k == ApiKeyID{} }
