package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/Courier/internal/store"
	"github.com/BTreeMap/Courier/internal/telemetry"
	"github.com/BTreeMap/Courier/internal/util"
)

// DefaultWorkers is the worker pool size used when WithWorkers is not given.
const DefaultWorkers = 4

// State is the lifecycle state of a job.
type State string

const (
	StateAdded     State = "added"
	StateBlocked   State = "blocked"
	StateRunnable  State = "runnable"
	StateRunning   State = "running"
	StateRetry     State = "retry"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// IsTerminal reports whether the job will never run again.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// JobUpdate is published to listeners on every state change.
type JobUpdate struct {
	ID         string
	FactoryKey string
	QueueKey   string
	State      State
	Attempt    int
	RunAfter   time.Time
	Err        error
}

// Result is the terminal outcome of a job, delivered to synchronous waiters.
type Result struct {
	ID    string
	State State
	Err   error
}

// JobSnapshot describes a live job.
type JobSnapshot struct {
	ID          string
	FactoryKey  string
	QueueKey    string
	State       State
	Attempt     int
	MaxAttempts int
	Constraints []string
	DependsOn   []string
	CreateTime  time.Time
	RunAfter    time.Time
	Persistent  bool
}

// Opts holds Manager configuration.
type Opts struct {
	Workers     int
	Constraints map[string]Constraint
	Policy      RetryPolicy
	Metrics     *telemetry.Metrics
}

// Option configures a Manager.
type Option func(*Opts)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *Opts) {
		o.Workers = n
	}
}

// WithConstraint registers a named constraint jobs can refer to.
func WithConstraint(name string, c Constraint) Option {
	return func(o *Opts) {
		if o.Constraints == nil {
			o.Constraints = make(map[string]Constraint)
		}
		o.Constraints[name] = c
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Opts) {
		o.Policy = p
	}
}

// WithMetrics records job metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// entry is the manager's in-memory view of a live job.
type entry struct {
	job        Job
	factoryKey string
	params     Parameters
	deps       map[string]struct{} // unresolved predecessors
	seq        int64
	runAfter   time.Time
	running    bool
	canceled   bool // cancel requested while running
	runCtx     context.Context
	cancel     context.CancelFunc
}

// finished collects the side effects of a state change, applied after the lock is released.
type finished struct {
	job    Job
	update JobUpdate
}

// Manager schedules and runs jobs. All fields below mu are guarded by it.
type Manager struct {
	repo     store.JobRepo
	registry *Registry
	opts     Opts

	wake chan struct{}
	work chan *entry
	wg   sync.WaitGroup

	mu          sync.Mutex
	entries     map[string]*entry
	reserved    map[string]struct{} // IDs of adds between OnAdded and persistence
	queues      map[string][]*entry
	lastSeq     int64
	running     int
	started     bool
	stopped     bool
	runCtx      context.Context
	stopRun     context.CancelFunc
	listeners   map[int]func(JobUpdate)
	nextListen  int
	waiters     map[string][]chan Result
	unsubscribe []func()
}

// NewManager creates a Manager persisting through repo. A nil repo keeps every job in memory.
func NewManager(repo store.JobRepo, registry *Registry, opts ...Option) *Manager {
	cfg := Opts{Workers: DefaultWorkers, Policy: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if repo == nil {
		repo = store.NewInMemoryStore()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		repo:      repo,
		registry:  registry,
		opts:      cfg,
		wake:      make(chan struct{}, 1),
		work:      make(chan *entry, cfg.Workers),
		entries:   make(map[string]*entry),
		reserved:  make(map[string]struct{}),
		queues:    make(map[string][]*entry),
		listeners: make(map[int]func(JobUpdate)),
		waiters:   make(map[string][]chan Result),
	}
}

// Registry returns the factory registry used for reconciliation.
func (m *Manager) Registry() *Registry { return m.registry }

// Start reloads persisted jobs, then starts the dispatcher and worker pool. A persisted job
// with an unregistered factory key or constraint name is a fatal configuration error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if m.stopped {
		return ErrStopped
	}

	records, err := m.repo.GetAllJobs()
	if err != nil {
		return fmt.Errorf("load persisted jobs: %w", err)
	}
	restored := make([]*entry, 0, len(records))
	for _, rec := range records {
		if _, ok := m.entries[rec.ID]; ok {
			continue
		}
		params := Parameters{
			ID:          rec.ID,
			QueueKey:    rec.QueueKey,
			Constraints: rec.Constraints,
			MaxAttempts: rec.MaxAttempts,
			Lifespan:    rec.Lifespan,
			Persistent:  true,
			CreateTime:  rec.CreateTime,
			Attempt:     rec.CurrentAttempt,
		}
		if err := m.checkConstraints(params.Constraints); err != nil {
			return fmt.Errorf("restore job %s: %w", rec.ID, err)
		}
		job, err := m.registry.Create(rec.FactoryKey, params, rec.Data)
		if err != nil {
			slog.Error("Manager.Start: cannot restore job", "id", rec.ID, "factory", rec.FactoryKey, "error", err)
			return fmt.Errorf("restore job %s: %w", rec.ID, err)
		}
		e := &entry{
			job:        job,
			factoryKey: rec.FactoryKey,
			params:     params,
			deps:       make(map[string]struct{}),
			seq:        rec.Seq,
			runAfter:   rec.RunAfter,
		}
		for _, dep := range rec.DependsOn {
			e.deps[dep] = struct{}{}
		}
		restored = append(restored, e)
		if rec.Seq > m.lastSeq {
			m.lastSeq = rec.Seq
		}
	}

	for _, e := range restored {
		m.entries[e.params.ID] = e
	}
	// Predecessors that are no longer stored have already succeeded.
	for _, e := range restored {
		for dep := range e.deps {
			if _, ok := m.entries[dep]; !ok {
				delete(e.deps, dep)
			}
		}
		if key := e.params.QueueKey; key != "" {
			m.queues[key] = append(m.queues[key], e)
		}
	}
	for key, q := range m.queues {
		sort.SliceStable(q, func(i, j int) bool { return q[i].seq < q[j].seq })
		m.queues[key] = q
	}

	for name, c := range m.opts.Constraints {
		if o, ok := c.(Observable); ok {
			m.unsubscribe = append(m.unsubscribe, o.Subscribe(m.wakeup))
			slog.Debug("Manager.Start: subscribed to constraint", "constraint", name)
		}
	}

	m.runCtx, m.stopRun = context.WithCancel(context.WithoutCancel(ctx))
	m.started = true
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(1)
	go m.dispatchLoop()
	m.wakeup()

	slog.Info("Manager.Start: job manager started", "restored", len(restored), "workers", m.opts.Workers)
	return nil
}

// Stop cancels running jobs and waits for the workers until ctx is done. Jobs interrupted
// by shutdown stay persisted with their attempt count unchanged.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.stopRun()
	m.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Manager.Stop: job manager stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("Manager.Stop: timed out waiting for running jobs")
		return ctx.Err()
	}
}

// Add enqueues a job and returns its ID without waiting for it to run.
func (m *Manager) Add(ctx context.Context, job Job) (string, error) {
	ids, _, err := m.enqueue(ctx, []pending{{job: job}}, false)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddWithDependencies enqueues a job that runs only after every listed job succeeded.
func (m *Manager) AddWithDependencies(ctx context.Context, job Job, dependsOn ...string) (string, error) {
	ids, _, err := m.enqueue(ctx, []pending{{job: job, deps: dependsOn}}, false)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddAfterQueue enqueues a job that depends on every job currently in queueKey.
func (m *Manager) AddAfterQueue(ctx context.Context, job Job, queueKey string) (string, error) {
	m.mu.Lock()
	var deps []string
	for _, e := range m.queues[queueKey] {
		deps = append(deps, e.params.ID)
	}
	m.mu.Unlock()
	return m.AddWithDependencies(ctx, job, deps...)
}

// EnqueueAndWait adds a job and blocks until it reaches a terminal state or ctx is done.
// A job still pending when ctx ends keeps running in the background.
func (m *Manager) EnqueueAndWait(ctx context.Context, job Job) (Result, error) {
	_, waits, err := m.enqueue(ctx, []pending{{job: job}}, true)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-waits[0]:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// RunSynchronously is EnqueueAndWait bounded by timeout.
func (m *Manager) RunSynchronously(ctx context.Context, job Job, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.EnqueueAndWait(ctx, job)
}

// pending is a job waiting to be admitted together with its predecessors.
type pending struct {
	job  Job
	deps []string
}

// enqueue admits a batch atomically: all records are persisted in one InsertJobs call.
// IDs are reserved before OnAdded runs so a concurrent Add of the same ID fails first. If
// the batch still fails after OnAdded, Cancelable jobs among the Addable ones get OnCanceled.
func (m *Manager) enqueue(ctx context.Context, batch []pending, wait bool) ([]string, []chan Result, error) {
	now := time.Now()
	params := make([]Parameters, len(batch))
	seen := make(map[string]struct{}, len(batch))

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, nil, ErrStopped
	}
	for i, p := range batch {
		pp, err := m.prepare(p.job, now)
		if err != nil {
			m.mu.Unlock()
			return nil, nil, err
		}
		if _, dup := seen[pp.ID]; dup {
			m.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: %s", ErrJobExists, pp.ID)
		}
		seen[pp.ID] = struct{}{}
		params[i] = pp
	}
	for id := range seen {
		m.reserved[id] = struct{}{}
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		for id := range seen {
			delete(m.reserved, id)
		}
		m.mu.Unlock()
	}()

	for i, p := range batch {
		bindParameters(p.job, params[i])
		if a, ok := p.job.(Addable); ok {
			a.OnAdded(ctx)
		}
	}

	records := make([]store.JobRecord, 0, len(batch))
	data := make([][]byte, len(batch))
	for i, p := range batch {
		if !params[i].Persistent {
			continue
		}
		b, err := p.job.(Serializer).Serialize()
		if err != nil {
			return m.rejectAdded(batch, fmt.Errorf("serialize job %s: %w", params[i].ID, err))
		}
		data[i] = b
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return m.rejectAdded(batch, ErrStopped)
	}
	for i := range batch {
		if _, ok := m.entries[params[i].ID]; ok {
			m.mu.Unlock()
			return m.rejectAdded(batch, fmt.Errorf("%w: %s", ErrJobExists, params[i].ID))
		}
	}
	entries := make([]*entry, len(batch))
	for i, p := range batch {
		m.lastSeq = nextSeq(m.lastSeq, now)
		e := &entry{
			job:        p.job,
			factoryKey: p.job.FactoryKey(),
			params:     params[i],
			deps:       make(map[string]struct{}),
			seq:        m.lastSeq,
		}
		for _, dep := range p.deps {
			if _, inBatch := seen[dep]; inBatch {
				e.deps[dep] = struct{}{}
			} else if _, live := m.entries[dep]; live {
				e.deps[dep] = struct{}{}
			}
		}
		entries[i] = e
		if params[i].Persistent {
			records = append(records, store.JobRecord{
				ID:             params[i].ID,
				FactoryKey:     e.factoryKey,
				QueueKey:       params[i].QueueKey,
				Data:           data[i],
				Constraints:    params[i].Constraints,
				CreateTime:     params[i].CreateTime,
				Lifespan:       params[i].Lifespan,
				MaxAttempts:    params[i].MaxAttempts,
				CurrentAttempt: params[i].Attempt,
				DependsOn:      p.deps,
				Persistent:     true,
				Seq:            e.seq,
			})
		}
	}
	if err := m.repo.InsertJobs(records); err != nil {
		m.mu.Unlock()
		slog.Error("Manager.enqueue: persist failed", "count", len(records), "error", err)
		return m.rejectAdded(batch, fmt.Errorf("persist jobs: %w", err))
	}

	ids := make([]string, len(entries))
	var waits []chan Result
	updates := make([]JobUpdate, len(entries))
	for i, e := range entries {
		id := e.params.ID
		ids[i] = id
		m.entries[id] = e
		if key := e.params.QueueKey; key != "" {
			m.queues[key] = append(m.queues[key], e)
		}
		if wait {
			ch := make(chan Result, 1)
			m.waiters[id] = append(m.waiters[id], ch)
			waits = append(waits, ch)
		}
		updates[i] = e.update(StateAdded, nil)
	}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	for i, e := range entries {
		m.opts.Metrics.JobAdded(e.factoryKey)
		slog.Debug("Manager.Add: job added", "id", ids[i], "factory", e.factoryKey, "queue", e.params.QueueKey, "deps", len(e.deps))
	}
	publish(listeners, updates...)
	m.wakeup()
	return ids, waits, nil
}

// rejectAdded undoes OnAdded for a batch that was not admitted.
func (m *Manager) rejectAdded(batch []pending, err error) ([]string, []chan Result, error) {
	for _, p := range batch {
		if _, ok := p.job.(Addable); !ok {
			continue
		}
		if c, ok := p.job.(Cancelable); ok {
			c.OnCanceled(context.Background())
		}
	}
	slog.Warn("Manager.rejectAdded: batch not admitted", "count", len(batch), "error", err)
	return nil, nil, err
}

// prepare normalizes and validates a job's parameters. Caller holds mu.
func (m *Manager) prepare(job Job, now time.Time) (Parameters, error) {
	p := job.Parameters()
	if p.ID == "" {
		p.ID = util.NewJobID()
	} else if _, ok := m.entries[p.ID]; ok {
		return p, fmt.Errorf("%w: %s", ErrJobExists, p.ID)
	} else if _, ok := m.reserved[p.ID]; ok {
		return p, fmt.Errorf("%w: %s", ErrJobExists, p.ID)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.CreateTime.IsZero() {
		p.CreateTime = now
	}
	if err := m.checkConstraints(p.Constraints); err != nil {
		return p, err
	}
	if p.Persistent {
		if _, ok := job.(Serializer); !ok {
			return p, fmt.Errorf("%w: %s", ErrNotSerializable, job.FactoryKey())
		}
		if !m.registry.Has(job.FactoryKey()) {
			return p, fmt.Errorf("%w: %s", ErrUnknownFactory, job.FactoryKey())
		}
	}
	return p, nil
}

func (m *Manager) checkConstraints(names []string) error {
	for _, name := range names {
		if _, ok := m.opts.Constraints[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownConstraint, name)
		}
	}
	return nil
}

// nextSeq returns a sequence number above last. Wall-clock based so that jobs added before
// Start sort after records persisted by earlier runs.
func nextSeq(last int64, now time.Time) int64 {
	if s := now.UnixNano(); s > last {
		return s
	}
	return last + 1
}

// Cancel stops a job from running again. A running job has its context canceled and its
// result is reported as canceled. Dependents are canceled as well.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.running {
		e.canceled = true
		if e.cancel != nil {
			e.cancel()
		}
		m.mu.Unlock()
		slog.Debug("Manager.Cancel: canceling running job", "id", id)
		return nil
	}
	done := m.terminateLocked(e, StateCanceled, context.Canceled)
	listeners := m.listenersLocked()
	m.mu.Unlock()

	slog.Debug("Manager.Cancel: job canceled", "id", id)
	m.complete(listeners, done)
	m.wakeup()
	return nil
}

// CancelAllInQueue cancels every job in queueKey.
func (m *Manager) CancelAllInQueue(queueKey string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.queues[queueKey]))
	for _, e := range m.queues[queueKey] {
		ids = append(ids, e.params.ID)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Cancel(id); err != nil && !errors.Is(err, ErrJobNotFound) {
			slog.Warn("Manager.CancelAllInQueue: cancel failed", "id", id, "error", err)
		}
	}
}

// AddListener registers fn for every JobUpdate and returns a function removing it.
// Listeners run outside the manager lock and must not block.
func (m *Manager) AddListener(fn func(JobUpdate)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListen
	m.nextListen++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Snapshot describes every live job in enqueue order.
func (m *Manager) Snapshot() []JobSnapshot {
	return m.Find(func(JobSnapshot) bool { return true })
}

// Find returns the live jobs matching pred, in enqueue order.
func (m *Manager) Find(pred func(JobSnapshot) bool) []JobSnapshot {
	m.mu.Lock()
	now := time.Now()
	all := make([]JobSnapshot, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, m.snapshotLocked(e, now))
	}
	seqs := make(map[string]int64, len(m.entries))
	for id, e := range m.entries {
		seqs[id] = e.seq
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return seqs[all[i].ID] < seqs[all[j].ID] })
	out := all[:0]
	for _, s := range all {
		if pred(s) {
			out = append(out, s)
		}
	}
	return out
}

// IsQueueEmpty reports whether no live job uses queueKey.
func (m *Manager) IsQueueEmpty(queueKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queueKey]) == 0
}

// AreQueuesEmpty reports whether all the given queues are empty.
func (m *Manager) AreQueuesEmpty(queueKeys ...string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range queueKeys {
		if len(m.queues[key]) > 0 {
			return false
		}
	}
	return true
}

func (m *Manager) snapshotLocked(e *entry, now time.Time) JobSnapshot {
	state := StateBlocked
	if e.running {
		state = StateRunning
	} else if m.eligibleLocked(e, now) {
		state = StateRunnable
	}
	deps := make([]string, 0, len(e.deps))
	for d := range e.deps {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return JobSnapshot{
		ID:          e.params.ID,
		FactoryKey:  e.factoryKey,
		QueueKey:    e.params.QueueKey,
		State:       state,
		Attempt:     e.params.Attempt,
		MaxAttempts: e.params.MaxAttempts,
		Constraints: append([]string(nil), e.params.Constraints...),
		DependsOn:   deps,
		CreateTime:  e.params.CreateTime,
		RunAfter:    e.runAfter,
		Persistent:  e.params.Persistent,
	}
}

func (m *Manager) wakeup() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		next := m.dispatch()
		if !next.IsZero() {
			timer.Reset(time.Until(next))
		}
		select {
		case <-m.runCtx.Done():
			return
		case <-m.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// dispatch expires jobs past their lifespan, hands eligible jobs to idle workers, and
// returns the earliest future backoff or lifespan deadline.
func (m *Manager) dispatch() time.Time {
	m.mu.Lock()
	if m.runCtx.Err() != nil {
		m.mu.Unlock()
		return time.Time{}
	}
	now := time.Now()

	var done []finished
	for _, e := range m.sortedEntriesLocked() {
		if e.running || e.params.Lifespan <= 0 {
			continue
		}
		if _, live := m.entries[e.params.ID]; !live {
			continue
		}
		if now.Sub(e.params.CreateTime) >= e.params.Lifespan {
			slog.Warn("Manager.dispatch: job lifespan expired", "id", e.params.ID, "factory", e.factoryKey)
			done = append(done, m.terminateLocked(e, StateFailed, errLifespanExpired)...)
		}
	}

	var next time.Time
	var start []*entry
	idle := m.opts.Workers - m.running
	for _, e := range m.sortedEntriesLocked() {
		if e.running {
			continue
		}
		if d := m.deadlineLocked(e, now); !d.IsZero() && (next.IsZero() || d.Before(next)) {
			next = d
		}
		if idle == 0 || !m.eligibleLocked(e, now) {
			continue
		}
		e.runCtx, e.cancel = context.WithCancel(m.runCtx)
		e.running = true
		m.running++
		idle--
		start = append(start, e)
	}
	updates := make([]JobUpdate, 0, len(start))
	for _, e := range start {
		updates = append(updates, e.update(StateRunning, nil))
	}
	running := m.running
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.complete(listeners, done)
	publish(listeners, updates...)
	m.opts.Metrics.SetRunning(running)
	for _, e := range start {
		m.work <- e
	}
	return next
}

var errLifespanExpired = errors.New("job lifespan expired")

// eligibleLocked reports whether e may run now.
func (m *Manager) eligibleLocked(e *entry, now time.Time) bool {
	if e.running || len(e.deps) > 0 || now.Before(e.runAfter) {
		return false
	}
	if key := e.params.QueueKey; key != "" {
		if q := m.queues[key]; len(q) == 0 || q[0] != e {
			return false
		}
	}
	for _, name := range e.params.Constraints {
		if c, ok := m.opts.Constraints[name]; !ok || !c.IsMet() {
			return false
		}
	}
	return true
}

// deadlineLocked returns the next time e's state changes without an external event.
func (m *Manager) deadlineLocked(e *entry, now time.Time) time.Time {
	var d time.Time
	if e.runAfter.After(now) {
		d = e.runAfter
	}
	if e.params.Lifespan > 0 {
		exp := e.params.CreateTime.Add(e.params.Lifespan)
		if exp.After(now) && (d.IsZero() || exp.Before(d)) {
			d = exp
		}
	}
	return d
}

func (m *Manager) sortedEntriesLocked() []*entry {
	list := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case e := <-m.work:
			m.execute(e)
		}
	}
}

func (m *Manager) execute(e *entry) {
	slog.Debug("Manager.execute: running job", "id", e.params.ID, "factory", e.factoryKey, "attempt", e.params.Attempt)
	start := time.Now()
	err := runJob(e.runCtx, e.job)
	m.opts.Metrics.JobRan(e.factoryKey, time.Since(start))
	m.onJobFinished(e, err)
}

// runJob runs the job, converting a panic into a permanent error.
func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Manager.runJob: job panicked", "factory", job.FactoryKey(), "panic", r)
			err = Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()
	return job.Run(ctx)
}

// onJobFinished applies the result of a run: success releases dependents, a retryable
// failure persists the attempt and backoff gate, anything else terminates the job.
func (m *Manager) onJobFinished(e *entry, err error) {
	m.mu.Lock()
	e.running = false
	e.cancel()
	m.running--
	id := e.params.ID

	var done []finished
	var updates []JobUpdate
	switch {
	case e.canceled:
		done = m.terminateLocked(e, StateCanceled, context.Canceled)

	case err == nil:
		done = m.terminateLocked(e, StateSucceeded, nil)

	case m.stopped:
		// Interrupted by shutdown: the persisted record is left untouched.
		slog.Info("Manager.onJobFinished: job interrupted by shutdown", "id", id, "error", err)
		running := m.running
		m.mu.Unlock()
		m.opts.Metrics.SetRunning(running)
		return

	default:
		shouldRetry := DefaultShouldRetry(err)
		if r, ok := e.job.(Retryable); ok {
			shouldRetry = r.ShouldRetry(err)
		}
		v := m.opts.Policy.decideFailure(e.params, shouldRetry, KindOf(err), time.Now())
		if v.retry {
			if e.params.Persistent {
				if perr := m.repo.UpdateJobAttempt(id, v.attempt, v.runAfter); perr != nil {
					slog.Error("Manager.onJobFinished: persist attempt failed", "id", id, "error", perr)
				}
			}
			e.params.Attempt = v.attempt
			e.runAfter = v.runAfter
			bindParameters(e.job, e.params)
			updates = append(updates, e.update(StateRetry, err))
			slog.Warn("Manager.onJobFinished: job will retry", "id", id, "factory", e.factoryKey,
				"attempt", v.attempt, "run_after", v.runAfter, "error", err)
			m.opts.Metrics.JobRetried(e.factoryKey)
		} else {
			e.params.Attempt = v.attempt
			slog.Error("Manager.onJobFinished: job failed", "id", id, "factory", e.factoryKey,
				"attempt", v.attempt, "error", err)
			done = m.terminateLocked(e, StateFailed, err)
		}
	}
	running := m.running
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.opts.Metrics.SetRunning(running)
	publish(listeners, updates...)
	m.complete(listeners, done)
	m.wakeup()
}

// terminateLocked removes e from the manager and the store. On success its dependents are
// released; otherwise every transitive dependent is canceled along with it.
func (m *Manager) terminateLocked(e *entry, state State, err error) []finished {
	victims := []*entry{e}
	if state == StateSucceeded {
		for _, other := range m.entries {
			delete(other.deps, e.params.ID)
		}
	} else {
		victims = append(victims, m.dependentsLocked(e.params.ID)...)
	}

	var persisted []string
	done := make([]finished, 0, len(victims))
	for i, v := range victims {
		m.removeLocked(v)
		if v.params.Persistent {
			persisted = append(persisted, v.params.ID)
		}
		vState, vErr := state, err
		if i > 0 {
			vState = StateCanceled
			vErr = fmt.Errorf("predecessor %s %s", e.params.ID, state)
		}
		done = append(done, finished{job: v.job, update: v.update(vState, vErr)})
	}
	// One statement so a crash cannot keep a dependent whose predecessor is gone.
	if err := m.repo.DeleteJobs(persisted...); err != nil {
		slog.Error("Manager.terminate: delete records failed", "ids", persisted, "error", err)
	}
	return done
}

// dependentsLocked returns every live, not running job transitively depending on id.
func (m *Manager) dependentsLocked(id string) []*entry {
	var out []*entry
	visited := map[string]bool{id: true}
	frontier := []string{id}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, other := range m.sortedEntriesLocked() {
			oid := other.params.ID
			if visited[oid] || other.running {
				continue
			}
			if _, ok := other.deps[cur]; ok {
				visited[oid] = true
				out = append(out, other)
				frontier = append(frontier, oid)
			}
		}
	}
	return out
}

func (m *Manager) removeLocked(e *entry) {
	delete(m.entries, e.params.ID)
	if key := e.params.QueueKey; key != "" {
		q := m.queues[key]
		for i, qe := range q {
			if qe == e {
				q = append(q[:i], q[i+1:]...)
				break
			}
		}
		if len(q) == 0 {
			delete(m.queues, key)
		} else {
			m.queues[key] = q
		}
	}
}

// complete runs the callbacks for terminated jobs. Called without mu held.
func (m *Manager) complete(listeners []func(JobUpdate), done []finished) {
	for _, f := range done {
		u := f.update
		if u.State != StateSucceeded {
			if c, ok := f.job.(Cancelable); ok {
				c.OnCanceled(context.Background())
			}
		}
		m.opts.Metrics.JobFinished(u.FactoryKey, string(u.State))
		publish(listeners, u)

		m.mu.Lock()
		waits := m.waiters[u.ID]
		delete(m.waiters, u.ID)
		m.mu.Unlock()
		for _, ch := range waits {
			ch <- Result{ID: u.ID, State: u.State, Err: u.Err}
		}
	}
}

func (m *Manager) listenersLocked() []func(JobUpdate) {
	out := make([]func(JobUpdate), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func publish(listeners []func(JobUpdate), updates ...JobUpdate) {
	for _, u := range updates {
		for _, fn := range listeners {
			fn(u)
		}
	}
}

func (e *entry) update(state State, err error) JobUpdate {
	return JobUpdate{
		ID:         e.params.ID,
		FactoryKey: e.factoryKey,
		QueueKey:   e.params.QueueKey,
		State:      state,
		Attempt:    e.params.Attempt,
		RunAfter:   e.runAfter,
		Err:        err,
	}
}
