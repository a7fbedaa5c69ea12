// Package scheduler admits pipeline runs and executes them on a bounded
// worker pool.
//
// Admission checks, in order, the caller's concurrency limit, the daily
// rate bucket and the per-minute bucket. Admitted runs take a slot from a
// global pool. When the pool is full, runs either wait in FIFO order or
// are refused, depending on the overflow policy. Runs suspended for human
// approval give their slot back; Resume takes a new one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/itemforge/internal/config"
	"github.com/fyrsmithlabs/itemforge/internal/construct"
	"github.com/fyrsmithlabs/itemforge/internal/events"
	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/store"
)

// Status is the scheduler's view of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// RunConfig is a run submission. Exactly one of Preset and Construct is set.
type RunConfig struct {
	Preset       string               `json:"preset,omitempty"`
	Construct    *construct.Construct `json:"construct,omitempty"`
	Mode         orchestrator.Mode    `json:"mode,omitempty"`
	MaxRevisions *int                 `json:"max_revisions,omitempty"`
	NumItems     int                  `json:"num_items,omitempty"`
}

// ErrInvalidRun wraps submission validation failures.
var ErrInvalidRun = errors.New("invalid run configuration")

func (rc RunConfig) resolve() (construct.Construct, error) {
	switch {
	case rc.Preset != "" && rc.Construct != nil:
		return construct.Construct{}, fmt.Errorf("%w: preset and construct are mutually exclusive", ErrInvalidRun)
	case rc.Preset != "":
		c, err := construct.Preset(rc.Preset)
		if err != nil {
			return construct.Construct{}, fmt.Errorf("%w: %v", ErrInvalidRun, err)
		}
		return c, nil
	case rc.Construct != nil:
		if err := rc.Construct.Validate(); err != nil {
			return construct.Construct{}, fmt.Errorf("%w: %v", ErrInvalidRun, err)
		}
		return *rc.Construct, nil
	default:
		return construct.Construct{}, fmt.Errorf("%w: preset or construct is required", ErrInvalidRun)
	}
}

// Run is a snapshot of one run.
type Run struct {
	ID            string                        `json:"run_id"`
	CallerID      string                        `json:"caller_id"`
	Preset        string                        `json:"preset,omitempty"`
	ConstructName string                        `json:"construct_name"`
	Mode          orchestrator.Mode             `json:"mode"`
	Status        Status                        `json:"status"`
	Phase         orchestrator.Phase            `json:"phase,omitempty"`
	Round         int                           `json:"round"`
	MaxRevisions  int                           `json:"max_revisions"`
	Outcome       orchestrator.Outcome          `json:"outcome,omitempty"`
	Error         string                        `json:"error,omitempty"`
	Message       string                        `json:"message,omitempty"`
	Approval      *orchestrator.ApprovalRequest `json:"approval,omitempty"`
	Report        *orchestrator.Report          `json:"report,omitempty"`
	CreatedAt     time.Time                     `json:"created_at"`
	StartedAt     *time.Time                    `json:"started_at,omitempty"`
	FinishedAt    *time.Time                    `json:"finished_at,omitempty"`
}

// Runner executes and resumes runs. *orchestrator.Dispatcher implements it.
type Runner interface {
	Run(ctx context.Context, s *orchestrator.RunState) (*orchestrator.Result, error)
	Resume(ctx context.Context, runID string, resp orchestrator.ApprovalResponse) (*orchestrator.Result, error)
}

// Defaults fill unset RunConfig fields.
type Defaults struct {
	MaxRevisions int
	NumItems     int
}

type entry struct {
	run        Run
	cancel     context.CancelFunc
	finishOnce sync.Once
}

type callerLimits struct {
	minute *rate.Limiter
	daily  *rate.Limiter
}

// Scheduler admits, runs, suspends, resumes and cancels pipeline runs.
type Scheduler struct {
	cfg      config.SchedulerConfig
	runner   Runner
	store    store.Store
	events   events.Publisher
	metrics  *Metrics
	logger   *logging.Logger
	defaults Defaults
	pool     *semaphore.Weighted

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	runs     map[string]*entry
	limits   map[string]*callerLimits
	occupied map[string]int
	queued   int
	closed   bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStore sets the run store. The default is an in-memory store.
func WithStore(st store.Store) Option {
	return func(s *Scheduler) { s.store = st }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(p events.Publisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// WithMetrics sets the metrics. The default registers with a private
// registry.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithDefaults sets the run defaults.
func WithDefaults(d Defaults) Option {
	return func(s *Scheduler) { s.defaults = d }
}

// New creates a scheduler for runner.
func New(cfg config.SchedulerConfig, runner Runner, opts ...Option) *Scheduler {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.MaxPerCaller < 1 {
		cfg.MaxPerCaller = 1
	}
	base, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		runner:   runner,
		events:   events.Nop{},
		logger:   logging.Nop(),
		defaults: Defaults{MaxRevisions: 3, NumItems: 8},
		pool:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		base:     base,
		stop:     stop,
		runs:     make(map[string]*entry),
		limits:   make(map[string]*callerLimits),
		occupied: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = store.NewMemory()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return s
}

// Submit admits a run for callerID and starts it asynchronously.
// Refusals are *AdmissionRejected; invalid configurations wrap
// ErrInvalidRun.
func (s *Scheduler) Submit(ctx context.Context, callerID string, rc RunConfig) (string, error) {
	c, err := rc.resolve()
	if err != nil {
		return "", err
	}
	mode := rc.Mode
	if mode == "" {
		mode = orchestrator.ModeHuman
	}
	if mode != orchestrator.ModeHuman && mode != orchestrator.ModeAuto {
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRun, mode)
	}
	maxRevisions := s.defaults.MaxRevisions
	if rc.MaxRevisions != nil {
		maxRevisions = *rc.MaxRevisions
	}
	if maxRevisions < 0 {
		return "", fmt.Errorf("%w: max_revisions must be >= 0", ErrInvalidRun)
	}
	numItems := rc.NumItems
	if numItems <= 0 {
		numItems = s.defaults.NumItems
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	undo, err := s.admit(callerID)
	if err != nil {
		s.mu.Unlock()
		s.rejected(ctx, err)
		return "", err
	}
	acquired := s.pool.TryAcquire(1)
	if !acquired && !s.canQueue() {
		undo()
		s.mu.Unlock()
		err := &AdmissionRejected{CallerID: callerID, Reason: ReasonCapacity}
		s.rejected(ctx, err)
		return "", err
	}

	id := uuid.NewString()
	state := orchestrator.NewRunState(id, callerID, c, mode, maxRevisions, numItems)
	e := &entry{run: Run{
		ID:            id,
		CallerID:      callerID,
		Preset:        rc.Preset,
		ConstructName: c.Name,
		Mode:          mode,
		Status:        StatusQueued,
		Phase:         state.Phase,
		MaxRevisions:  maxRevisions,
		CreatedAt:     state.StartedAt,
	}}
	runCtx := s.runContext(e)
	if !acquired {
		s.queued++
		s.metrics.QueueDepth.Set(float64(s.queued))
	}
	s.runs[id] = e
	s.occupied[callerID]++
	s.wg.Add(1)
	snapshot := e.run
	s.mu.Unlock()

	if err := s.store.CreateRun(ctx, store.RunRecord{
		ID:            id,
		CallerID:      callerID,
		Preset:        rc.Preset,
		ConstructName: c.Name,
		Fingerprint:   state.Fingerprint,
		Mode:          string(mode),
		Status:        string(StatusQueued),
		CreatedAt:     state.StartedAt,
	}); err != nil {
		s.logger.Warn(runCtx, "recording run failed", zap.Error(err))
	}
	s.metrics.SubmittedTotal.WithLabelValues(callerID, rc.Preset, string(mode)).Inc()
	s.publish(runCtx, snapshot, events.Submitted)
	s.logger.Info(runCtx, "run submitted", zap.Bool("queued", !acquired), zap.String("mode", string(mode)))

	go s.execute(runCtx, e, acquired, func(ctx context.Context) (*orchestrator.Result, error) {
		return s.runner.Run(ctx, state)
	})
	return id, nil
}

// admit applies the concurrency limit and the rate buckets. The returned
// func gives the rate tokens back. Caller holds s.mu.
func (s *Scheduler) admit(callerID string) (func(), error) {
	if s.occupied[callerID] >= s.cfg.MaxPerCaller {
		return nil, &AdmissionRejected{CallerID: callerID, Reason: ReasonConcurrency}
	}
	lim := s.limitsFor(callerID)
	now := time.Now()

	daily := lim.daily.ReserveN(now, 1)
	if d, ok := delay(daily, now); !ok {
		daily.CancelAt(now)
		return nil, &AdmissionRejected{CallerID: callerID, Reason: ReasonDaily, RetryAfter: d}
	}
	minute := lim.minute.ReserveN(now, 1)
	if d, ok := delay(minute, now); !ok {
		minute.CancelAt(now)
		daily.CancelAt(now)
		return nil, &AdmissionRejected{CallerID: callerID, Reason: ReasonMinute, RetryAfter: d}
	}
	return func() {
		minute.CancelAt(now)
		daily.CancelAt(now)
	}, nil
}

// delay reports whether r is usable immediately, and otherwise how long
// until it would be.
func delay(r *rate.Reservation, now time.Time) (time.Duration, bool) {
	if !r.OK() {
		return 0, false
	}
	d := r.DelayFrom(now)
	return d, d == 0
}

func (s *Scheduler) limitsFor(callerID string) *callerLimits {
	lim, ok := s.limits[callerID]
	if !ok {
		lim = &callerLimits{
			minute: bucket(s.cfg.RateLimitRPM, time.Minute),
			daily:  bucket(s.cfg.RateLimitDaily, 24*time.Hour),
		}
		s.limits[callerID] = lim
	}
	return lim
}

// bucket refills n tokens per period. n <= 0 disables the limit.
func bucket(n int, period time.Duration) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/period.Seconds()), n)
}

// canQueue reports whether a run that found the pool full may wait.
// Caller holds s.mu.
func (s *Scheduler) canQueue() bool {
	return s.cfg.OverflowPolicy != "reject" && s.queued < s.cfg.MaxQueue
}

func (s *Scheduler) rejected(ctx context.Context, err error) {
	var ar *AdmissionRejected
	if errors.As(err, &ar) {
		s.metrics.RateLimitHits.WithLabelValues(ar.CallerID, ar.Reason).Inc()
		s.logger.Info(ctx, "run rejected", zap.String("caller_id", ar.CallerID), zap.String("reason", ar.Reason))
	}
}

// runContext creates a fresh cancellable context for e. Caller holds s.mu.
func (s *Scheduler) runContext(e *entry) context.Context {
	ctx, cancel := context.WithCancel(s.base)
	e.cancel = cancel
	ctx = logging.WithCallerID(ctx, e.run.CallerID)
	return logging.WithRunID(ctx, e.run.ID)
}

// execute waits for a slot if needed, runs fn and records the result.
func (s *Scheduler) execute(ctx context.Context, e *entry, acquired bool, fn func(context.Context) (*orchestrator.Result, error)) {
	defer s.wg.Done()

	if !acquired {
		err := s.pool.Acquire(ctx, 1)
		s.mu.Lock()
		s.queued--
		s.metrics.QueueDepth.Set(float64(s.queued))
		s.mu.Unlock()
		if err != nil {
			s.finish(e, StatusCancelled, "", "")
			return
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.pool.Release(1)
			s.metrics.ActiveWorkers.Dec()
		})
	}
	s.metrics.ActiveWorkers.Inc()
	defer release()

	s.mu.Lock()
	if e.run.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	e.run.Status = StatusRunning
	if e.run.StartedAt == nil {
		e.run.StartedAt = &now
	}
	snapshot := e.run
	s.mu.Unlock()
	s.publish(ctx, snapshot, events.Started)

	res, err := fn(ctx)
	release()
	s.settle(ctx, e, res, err)
}

// settle records the result of one execution.
func (s *Scheduler) settle(ctx context.Context, e *entry, res *orchestrator.Result, err error) {
	s.mu.Lock()
	if e.run.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if res != nil && res.State != nil {
		e.run.Phase = res.State.Phase
		e.run.Round = res.State.Round
	}
	var runErr *orchestrator.RunError
	if errors.As(err, &runErr) {
		e.run.Phase = runErr.Phase
		e.run.Round = runErr.Round
	}

	switch {
	case err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)):
		s.mu.Unlock()
		s.finish(e, StatusCancelled, "", "")
	case err != nil:
		s.mu.Unlock()
		s.logger.Error(ctx, "run failed", zap.Error(err))
		s.finish(e, StatusFailed, orchestrator.OutcomeFailed, err.Error())
	case res.Suspended():
		e.run.Status = StatusSuspended
		e.run.Approval = res.Approval
		// Resume derives a new context; this execution's is done.
		cancel := e.cancel
		e.cancel = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.logger.Info(ctx, "run suspended for approval", zap.Int("round", res.Approval.Round))
	default:
		var outcome orchestrator.Outcome
		if res != nil && res.Report != nil {
			outcome = res.Report.Outcome
			e.run.Report = res.Report
			e.run.Message = res.Message
		}
		s.mu.Unlock()
		s.finish(e, StatusDone, outcome, "")
	}
}

// finish moves e to a terminal status exactly once.
func (s *Scheduler) finish(e *entry, status Status, outcome orchestrator.Outcome, errMsg string) {
	e.finishOnce.Do(func() {
		now := time.Now().UTC()
		s.mu.Lock()
		e.run.Status = status
		e.run.Outcome = outcome
		e.run.Error = errMsg
		e.run.Approval = nil
		e.run.FinishedAt = &now
		if s.occupied[e.run.CallerID]--; s.occupied[e.run.CallerID] <= 0 {
			delete(s.occupied, e.run.CallerID)
		}
		cancel := e.cancel
		snapshot := e.run
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		ctx := logging.WithRunID(context.Background(), snapshot.ID)
		if err := s.store.FinishRun(ctx, snapshot.ID, string(status), string(outcome), errMsg); err != nil {
			s.logger.Warn(ctx, "recording run result failed", zap.Error(err))
		}
		s.metrics.CompletedTotal.WithLabelValues(string(status)).Inc()

		t := events.Completed
		switch status {
		case StatusFailed:
			t = events.Failed
		case StatusCancelled:
			t = events.Cancelled
		}
		s.publish(ctx, snapshot, t)
		s.logger.Info(ctx, "run finished", zap.String("status", string(status)), zap.String("outcome", string(outcome)))
	})
}

// Resume hands resp to a suspended run. The run re-enters the pool without
// rate limits; the answer is processed asynchronously.
func (s *Scheduler) Resume(ctx context.Context, runID string, resp orchestrator.ApprovalResponse) error {
	e, err := s.lookup(ctx, runID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if e.run.Status != StatusSuspended {
		status := e.run.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: run %s is %s", orchestrator.ErrNotSuspended, runID, status)
	}
	acquired := s.pool.TryAcquire(1)
	if !acquired && !s.canQueue() {
		s.mu.Unlock()
		return &AdmissionRejected{CallerID: e.run.CallerID, Reason: ReasonCapacity}
	}
	if !acquired {
		s.queued++
		s.metrics.QueueDepth.Set(float64(s.queued))
	}
	e.run.Status = StatusQueued
	e.run.Approval = nil
	runCtx := s.runContext(e)
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info(runCtx, "run resumed", zap.Bool("approve", resp.Approve))
	go s.execute(runCtx, e, acquired, func(ctx context.Context) (*orchestrator.Result, error) {
		return s.runner.Resume(ctx, runID, resp)
	})
	return nil
}

// lookup returns the entry for runID, adopting suspended runs recorded by
// an earlier process.
func (s *Scheduler) lookup(ctx context.Context, runID string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	rec, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	run := runFromRecord(*rec)
	if !run.Status.Terminal() {
		// Runs left behind by an earlier process are only resumable when
		// their last checkpoint is a suspension; everything else was lost.
		run.Status = StatusFailed
		if cp, err := s.store.LoadCheckpoint(ctx, runID); err == nil {
			if st, err := orchestrator.CheckpointFromRecord(cp).Restore(); err == nil &&
				st.Suspension == orchestrator.SuspensionSuspended {
				run.Status = StatusSuspended
				run.Phase = st.Phase
				run.Round = st.Round
				run.MaxRevisions = st.MaxRevisions
				run.Approval = orchestrator.NewApprovalRequest(st)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.runs[runID]; ok {
		return e, nil
	}
	e = &entry{run: run}
	s.runs[runID] = e
	if run.Status == StatusSuspended {
		s.occupied[run.CallerID]++
	} else {
		e.finishOnce.Do(func() {})
	}
	return e, nil
}

// Cancel stops a run. Queued runs leave the queue, running runs have their
// context cancelled and suspended runs are closed. Cancelling a finished
// run is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	e, err := s.lookup(ctx, runID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	terminal := e.run.Status.Terminal()
	s.mu.Unlock()
	if terminal {
		return nil
	}
	s.finish(e, StatusCancelled, "", "")
	return nil
}

// Status returns a snapshot of runID.
func (s *Scheduler) Status(ctx context.Context, runID string) (Run, error) {
	e, err := s.lookup(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.run, nil
}

// Approval returns the pending approval request of a suspended run.
func (s *Scheduler) Approval(ctx context.Context, runID string) (*orchestrator.ApprovalRequest, error) {
	r, err := s.Status(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusSuspended || r.Approval == nil {
		return nil, fmt.Errorf("%w: run %s is %s", orchestrator.ErrNotSuspended, runID, r.Status)
	}
	return r.Approval, nil
}

// List returns one page of callerID's runs, newest first, and the total.
// page starts at 1.
func (s *Scheduler) List(ctx context.Context, callerID string, page, size int) ([]Run, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	recs, total, err := s.store.ListRuns(ctx, callerID, (page-1)*size, size)
	if err != nil {
		return nil, 0, err
	}
	out := make([]Run, 0, len(recs))
	s.mu.Lock()
	for _, rec := range recs {
		if e, ok := s.runs[rec.ID]; ok {
			out = append(out, e.run)
			continue
		}
		out = append(out, runFromRecord(rec))
	}
	s.mu.Unlock()
	return out, total, nil
}

// Shutdown stops accepting work, cancels every run and waits for workers
// to exit or ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) publish(ctx context.Context, r Run, t events.Type) {
	err := s.events.Publish(ctx, events.Event{
		Type:     t,
		RunID:    r.ID,
		CallerID: r.CallerID,
		Phase:    string(r.Phase),
		Round:    r.Round,
		Outcome:  string(r.Outcome),
		Error:    r.Error,
		Message:  r.Message,
		Time:     time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn(ctx, "publishing event failed", zap.String("event", string(t)), zap.Error(err))
	}
}

func runFromRecord(rec store.RunRecord) Run {
	return Run{
		ID:            rec.ID,
		CallerID:      rec.CallerID,
		Preset:        rec.Preset,
		ConstructName: rec.ConstructName,
		Mode:          orchestrator.Mode(rec.Mode),
		Status:        Status(rec.Status),
		Outcome:       orchestrator.Outcome(rec.Outcome),
		Error:         rec.Error,
		CreatedAt:     rec.CreatedAt,
		FinishedAt:    rec.FinishedAt,
	}
}
