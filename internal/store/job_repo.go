// Package store provides the JobRepo interface and record model for durable jobs.
package store

import (
	"time"
)

// Unlimited is the MaxAttempts sentinel for jobs that may retry forever.
// It is stored as NULL.
const Unlimited = -1

// JobRecord is the persisted form of a job.
type JobRecord struct {
	ID             string        `json:"id"`
	FactoryKey     string        `json:"factory_key"`
	QueueKey       string        `json:"queue_key,omitempty"`
	Data           []byte        `json:"data,omitempty"`
	Constraints    []string      `json:"constraints,omitempty"`
	CreateTime     time.Time     `json:"create_time"`
	Lifespan       time.Duration `json:"lifespan,omitempty"` // 0 means no expiry
	MaxAttempts    int           `json:"max_attempts"`
	CurrentAttempt int           `json:"current_attempt"`
	DependsOn      []string      `json:"depends_on,omitempty"`
	Persistent     bool          `json:"persistent"`
	RunAfter       time.Time     `json:"run_after,omitempty"` // backoff gate; zero means immediately
	Seq            int64         `json:"seq"`                 // enqueue order
}

// Expired reports whether the record's lifespan has elapsed at now.
func (r *JobRecord) Expired(now time.Time) bool {
	return r.Lifespan > 0 && now.Sub(r.CreateTime) >= r.Lifespan
}

// JobRepo defines the interface for durable job persistence.
// Only persistent jobs are written here; the job manager owns all state transitions.
type JobRepo interface {
	// InsertJobs inserts all records atomically. Used for single jobs and whole chains.
	InsertJobs(records []JobRecord) error

	// GetAllJobs returns every stored record ordered by Seq.
	GetAllJobs() ([]JobRecord, error)

	// GetJob retrieves a single record by ID, or nil if absent.
	GetJob(id string) (*JobRecord, error)

	// UpdateJobAttempt persists the attempt counter and backoff gate after a retryable failure.
	UpdateJobAttempt(id string, attempt int, runAfter time.Time) error

	// DeleteJobs removes records. Missing IDs are ignored.
	DeleteJobs(ids ...string) error
}
