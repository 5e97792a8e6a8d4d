// Package jobmanager implements Courier's durable, constraint-gated job engine.
//
// Jobs are small types implementing Job, plus whichever optional capabilities they need
// (Serializer, Retryable, Addable, Cancelable). The Manager persists them through a
// store.JobRepo, orders them per queue key, gates them on dependencies, named constraints
// and backoff, and runs them on a fixed worker pool.
package jobmanager

import (
	"context"
	"time"

	"github.com/BTreeMap/Courier/internal/store"
)

// Unlimited allows a job to retry until its lifespan runs out.
const Unlimited = store.Unlimited

// Parameters are the scheduling attributes of a job.
type Parameters struct {
	// ID is assigned by the manager when empty. A non-empty ID is a stable identity:
	// adding a second live job with the same ID fails with ErrJobExists.
	ID string
	// QueueKey serializes jobs sharing the key in FIFO order. Empty means unordered.
	QueueKey string
	// Constraints name predicates registered with WithConstraint.
	Constraints []string
	// MaxAttempts bounds runs; 0 means a single attempt, Unlimited means no bound.
	MaxAttempts int
	// Lifespan abandons the job once it has elapsed since CreateTime. 0 disables it.
	Lifespan   time.Duration
	Persistent bool
	CreateTime time.Time
	// Attempt counts retryable failures so far. Maintained by the manager.
	Attempt int
}

// Job is a unit of work run by the Manager.
type Job interface {
	FactoryKey() string
	Parameters() Parameters
	Run(ctx context.Context) error
}

// Serializer is required for persistent jobs. The bytes are handed back to the job's
// Factory when the job is reloaded after a restart.
type Serializer interface {
	Serialize() ([]byte, error)
}

// Retryable overrides the default retry decision, which retries Transient and Pending errors.
// ShouldRetry must not have side effects.
type Retryable interface {
	ShouldRetry(err error) bool
}

// Addable jobs are notified once, synchronously, when added and before they are persisted.
// If the add then fails, an Addable job that is also Cancelable gets OnCanceled.
type Addable interface {
	OnAdded(ctx context.Context)
}

// Cancelable jobs are notified exactly once when they will never run again: permanent
// failure, exhausted attempts, expired lifespan or explicit cancel. OnCanceled may follow a
// partial Run and must be idempotent.
type Cancelable interface {
	OnCanceled(ctx context.Context)
}

// binder is satisfied by jobs embedding Base.
type binder interface {
	bind(Parameters)
}

// Base carries a job's Parameters. Embed it in job types; the manager keeps it current
// (assigned ID, attempt count).
type Base struct {
	params Parameters
}

// NewBase returns a Base holding p.
func NewBase(p Parameters) Base {
	return Base{params: p}
}

func (b *Base) Parameters() Parameters { return b.params }

func (b *Base) bind(p Parameters) { b.params = p }

// ID returns the job's ID, empty until the job is added.
func (b *Base) ID() string { return b.params.ID }

// Attempt returns the number of retryable failures before the current run.
func (b *Base) Attempt() int { return b.params.Attempt }

func bindParameters(job Job, p Parameters) {
	if b, ok := job.(binder); ok {
		b.bind(p)
	}
}
