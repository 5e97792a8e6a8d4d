package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/jobs"
	"github.com/BTreeMap/Courier/internal/store"
)

// Default maintenance schedules.
const (
	DefaultRotateSchedule  = "0 3 * * *"
	DefaultPruneSchedule   = "30 3 * * *"
	DefaultLedgerRetention = 30 * 24 * time.Hour
)

// MaintenanceOpts configures the maintenance tasks. An empty schedule disables its task.
type MaintenanceOpts struct {
	RotateSchedule  string
	PruneSchedule   string
	LedgerRetention time.Duration
	Now             func() time.Time
}

// MaintenanceOption configures MaintenanceOpts.
type MaintenanceOption func(*MaintenanceOpts)

// WithRotateSchedule sets the cron expression for signed pre-key rotation.
func WithRotateSchedule(expr string) MaintenanceOption {
	return func(o *MaintenanceOpts) {
		o.RotateSchedule = expr
	}
}

// WithPruneSchedule sets the cron expression for processed-envelope ledger pruning.
func WithPruneSchedule(expr string) MaintenanceOption {
	return func(o *MaintenanceOpts) {
		o.PruneSchedule = expr
	}
}

// WithLedgerRetention sets how long processed ledger entries are kept.
func WithLedgerRetention(d time.Duration) MaintenanceOption {
	return func(o *MaintenanceOpts) {
		o.LedgerRetention = d
	}
}

// Maintenance holds the periodic tasks. The task methods are exported so they can be run
// on demand.
type Maintenance struct {
	manager *jobmanager.Manager
	env     *jobs.Env
	ledger  store.DedupRepo
	opts    MaintenanceOpts
}

// NewMaintenance creates the maintenance tasks.
func NewMaintenance(manager *jobmanager.Manager, env *jobs.Env, ledger store.DedupRepo, opts ...MaintenanceOption) *Maintenance {
	cfg := MaintenanceOpts{
		RotateSchedule:  DefaultRotateSchedule,
		PruneSchedule:   DefaultPruneSchedule,
		LedgerRetention: DefaultLedgerRetention,
		Now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Maintenance{manager: manager, env: env, ledger: ledger, opts: cfg}
}

// Install adds the enabled tasks to s.
func (m *Maintenance) Install(ctx context.Context, s *Scheduler) error {
	if m.opts.RotateSchedule != "" {
		err := s.AddJob(m.opts.RotateSchedule, func() {
			if err := m.RotateSignedPreKey(ctx); err != nil {
				slog.Error("Maintenance.RotateSignedPreKey: failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid rotate schedule %q: %w", m.opts.RotateSchedule, err)
		}
	}
	if m.opts.PruneSchedule != "" {
		err := s.AddJob(m.opts.PruneSchedule, func() {
			if _, err := m.PruneLedger(); err != nil {
				slog.Error("Maintenance.PruneLedger: failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid prune schedule %q: %w", m.opts.PruneSchedule, err)
		}
	}
	slog.Info("Maintenance.Install: tasks scheduled", "rotate", m.opts.RotateSchedule, "prune", m.opts.PruneSchedule)
	return nil
}

// RotateSignedPreKey adds the rotation job unless one is already queued.
func (m *Maintenance) RotateSignedPreKey(ctx context.Context) error {
	return jobs.AddOnce(ctx, m.manager, jobs.NewRotateSignedPreKeyJob(m.env))
}

// PruneLedger deletes processed ledger entries older than the retention period.
func (m *Maintenance) PruneLedger() (int, error) {
	cutoff := m.opts.Now().Add(-m.opts.LedgerRetention)
	n, err := m.ledger.PruneProcessed(cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	slog.Debug("Maintenance.PruneLedger: pruned", "count", n, "before", cutoff)
	return n, nil
}
