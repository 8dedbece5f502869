// Package scheduler fans search tasks out to per-year worker pools. Each
// worker owns one driver session; a task identity is held by at most one
// worker at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/caseharvest/internal/harvest"
	"github.com/JakeFAU/caseharvest/internal/metrics"
)

// Executor runs one task on a driver session.
type Executor interface {
	Execute(ctx context.Context, driver harvest.PageDriver, task harvest.SearchTask) (harvest.TaskStats, error)
}

// Status is the terminal state of a task.
type Status string

// Task statuses.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// TaskOutcome reports how one task ended.
type TaskOutcome struct {
	Task     harvest.SearchTask
	Status   Status
	Failure  harvest.FailureKind
	Err      error
	Attempts int
	WorkerID int
	Stats    harvest.TaskStats
	Started  time.Time
	Finished time.Time
}

// Report aggregates a scheduler run.
type Report struct {
	Outcomes        []TaskOutcome
	Totals          harvest.TaskStats
	Succeeded       int
	Failed          int
	Canceled        int
	SessionRestarts int
	Allocation      map[int]int
	Duration        time.Duration
}

// Config controls retry and notification behavior.
type Config struct {
	// MaxAttempts bounds how many sessions a task may consume.
	MaxAttempts int
	// RestartBackoff is the pause before reopening a lost session.
	RestartBackoff time.Duration
	// OnTaskDone, if set, is called once per task outcome. It may be called
	// from several goroutines at once.
	OnTaskDone func(TaskOutcome)
}

// Scheduler runs tasks on a bounded pool of workers.
type Scheduler struct {
	drivers harvest.DriverFactory
	exec    Executor
	cfg     Config
	clock   harvest.Clock
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(drivers harvest.DriverFactory, exec Executor, cfg Config, clock harvest.Clock, logger *zap.Logger) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = utcClock{}
	}
	return &Scheduler{drivers: drivers, exec: exec, cfg: cfg, clock: clock, logger: logger}
}

// Run executes every task and blocks until all finish or ctx is canceled.
// Tasks for different years run in parallel on their own workers. Years left
// without a worker are served, most recent first, by workers whose own year
// has drained. Duplicate task identities are collapsed. A canceled run still returns a Report; tasks
// that never started are reported as canceled.
func (s *Scheduler) Run(ctx context.Context, tasks []harvest.SearchTask, budget int, allocation map[int]int) (Report, error) {
	if budget < 1 {
		return Report{}, fmt.Errorf("worker budget must be at least 1, got %d", budget)
	}
	started := s.clock.Now()
	run := newRunState(tasks)
	alloc := ResolveAllocation(run.years(), budget, allocation)
	for year, n := range alloc {
		alloc[year] = min(n, run.pending(year))
	}
	report := Report{Allocation: alloc}
	s.logger.Info("scheduler starting",
		zap.Int("tasks", run.total),
		zap.Int("budget", budget),
		zap.Any("allocation", alloc),
	)

	var unstaffed []int
	for _, year := range run.years() {
		if alloc[year] == 0 {
			unstaffed = append(unstaffed, year)
		}
	}
	var g errgroup.Group
	workerID := 0
	for _, year := range run.years() {
		for range alloc[year] {
			workerID++
			id := workerID
			years := append([]int{year}, unstaffed...)
			g.Go(func() error {
				s.runWorker(ctx, run, id, years)
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, task := range run.drain() {
		outcome := TaskOutcome{Task: task, Status: StatusCanceled, Failure: harvest.FailureCanceled, Err: ctx.Err()}
		run.finish(outcome)
		if s.cfg.OnTaskDone != nil {
			s.cfg.OnTaskDone(outcome)
		}
	}
	report.Outcomes = run.outcomes
	sort.SliceStable(report.Outcomes, func(i, j int) bool {
		return harvest.CompareTasks(report.Outcomes[i].Task, report.Outcomes[j].Task) < 0
	})
	for _, o := range report.Outcomes {
		report.Totals.Add(o.Stats)
		switch o.Status {
		case StatusSucceeded:
			report.Succeeded++
		case StatusFailed:
			report.Failed++
		case StatusCanceled:
			report.Canceled++
		}
	}
	report.SessionRestarts = run.restarts
	report.Duration = s.clock.Now().Sub(started)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("scheduler run: %w", err)
	}
	return report, nil
}

// runWorker pulls tasks from years in order until every queue is empty. The
// first year is the worker's own. The driver session is opened on first use
// and reused across tasks.
func (s *Scheduler) runWorker(ctx context.Context, run *runState, workerID int, years []int) {
	logger := s.logger.With(zap.Int("worker_id", workerID), zap.Int("year", years[0]))
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	var driver harvest.PageDriver
	defer func() {
		if driver != nil {
			if err := driver.Close(); err != nil {
				logger.Warn("close driver session", zap.Error(err))
			}
		}
	}()

	for ctx.Err() == nil {
		task, ok := run.claimFirst(years, workerID)
		if !ok {
			return
		}
		outcome := s.execute(ctx, run, workerID, &driver, task, logger)
		run.release(task)
		run.finish(outcome)
		metrics.ObserveTask(string(outcome.Status), string(outcome.Failure), outcome.Finished.Sub(outcome.Started))
		if s.cfg.OnTaskDone != nil {
			s.cfg.OnTaskDone(outcome)
		}
	}
}

// execute runs task, replacing the session after a session failure and
// re-running the task from the start.
func (s *Scheduler) execute(
	ctx context.Context,
	run *runState,
	workerID int,
	driver *harvest.PageDriver,
	task harvest.SearchTask,
	logger *zap.Logger,
) TaskOutcome {
	logger = logger.With(zap.Stringer("task", task))
	outcome := TaskOutcome{Task: task, WorkerID: workerID, Started: s.clock.Now()}
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		outcome.Attempts = attempt
		if *driver == nil {
			d, err := s.drivers.NewSession(ctx, workerID)
			if err != nil {
				lastErr = harvest.SessionFailure(fmt.Errorf("open session: %w", err))
				if ctx.Err() != nil {
					break
				}
				logger.Warn("session open failed", zap.Int("attempt", attempt), zap.Error(err))
				if attempt < s.cfg.MaxAttempts && !s.backoff(ctx) {
					break
				}
				continue
			}
			*driver = d
		}

		stats, err := s.exec.Execute(ctx, *driver, task)
		outcome.Stats.Add(stats)
		if err == nil {
			outcome.Status = StatusSucceeded
			outcome.Finished = s.clock.Now()
			return outcome
		}
		lastErr = err
		if ctx.Err() != nil || !errors.Is(err, harvest.ErrSessionLost) {
			break
		}
		logger.Warn("driver session lost, restarting", zap.Int("attempt", attempt), zap.Error(err))
		if cerr := (*driver).Close(); cerr != nil {
			logger.Debug("close lost session", zap.Error(cerr))
		}
		*driver = nil
		run.restarted()
		metrics.ObserveSessionRestart()
		if attempt < s.cfg.MaxAttempts && !s.backoff(ctx) {
			break
		}
	}

	outcome.Finished = s.clock.Now()
	outcome.Err = lastErr
	outcome.Failure = harvest.Classify(lastErr)
	switch {
	case ctx.Err() != nil:
		outcome.Status = StatusCanceled
		outcome.Failure = harvest.FailureCanceled
	case errors.Is(lastErr, harvest.ErrSessionLost):
		outcome.Status = StatusFailed
		outcome.Err = fmt.Errorf("%w after %d attempts: %w", harvest.ErrRetriesExhausted, outcome.Attempts, lastErr)
	default:
		outcome.Status = StatusFailed
	}
	logger.Warn("task did not complete",
		zap.String("status", string(outcome.Status)),
		zap.String("failure", string(outcome.Failure)),
		zap.Int("attempts", outcome.Attempts),
		zap.Error(outcome.Err),
	)
	return outcome
}

func (s *Scheduler) backoff(ctx context.Context) bool {
	if s.cfg.RestartBackoff <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.cfg.RestartBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// DefaultAllocation splits budget evenly across years. The remainder goes to
// the most recent years. When years outnumber the budget only the most
// recent budget years get a worker; the rest get zero. The total never
// exceeds budget.
func DefaultAllocation(years []int, budget int) map[int]int {
	alloc := make(map[int]int, len(years))
	if len(years) == 0 {
		return alloc
	}
	budget = max(budget, 0)
	sorted := append([]int(nil), years...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
	each := budget / len(sorted)
	rem := budget - each*len(sorted)
	for i, y := range sorted {
		alloc[y] = each
		if i < rem {
			alloc[y]++
		}
	}
	return alloc
}

// ResolveAllocation applies a caller allocation over the default split.
// Years the caller names use its count (at least one). The budget left over
// is split across the other years; years it does not reach get zero. With
// no named year in scope the default split applies.
func ResolveAllocation(years []int, budget int, requested map[int]int) map[int]int {
	alloc := make(map[int]int, len(years))
	var unnamed []int
	named := 0
	for _, y := range years {
		n, ok := requested[y]
		if !ok {
			unnamed = append(unnamed, y)
			continue
		}
		alloc[y] = max(1, n)
		named += alloc[y]
	}
	if named == 0 {
		return DefaultAllocation(years, budget)
	}
	for y, n := range DefaultAllocation(unnamed, budget-named) {
		alloc[y] = n
	}
	return alloc
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// runState holds the per-year queues and the assignment table.
type runState struct {
	mu       sync.Mutex
	queues   map[int][]harvest.SearchTask
	assigned map[harvest.TaskID]int
	outcomes []TaskOutcome
	restarts int
	total    int
}

func newRunState(tasks []harvest.SearchTask) *runState {
	sorted := append([]harvest.SearchTask(nil), tasks...)
	harvest.SortTasks(sorted)
	st := &runState{
		queues:   make(map[int][]harvest.SearchTask),
		assigned: make(map[harvest.TaskID]int),
	}
	seen := make(map[harvest.TaskID]bool, len(sorted))
	for _, t := range sorted {
		if seen[t.ID()] {
			continue
		}
		seen[t.ID()] = true
		st.queues[t.Year] = append(st.queues[t.Year], t)
		st.total++
	}
	return st
}

// years lists years with queued tasks, most recent first.
func (r *runState) years() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	years := make([]int, 0, len(r.queues))
	for y := range r.queues {
		years = append(years, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years
}

func (r *runState) pending(year int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[year])
}

// claimFirst claims from the first year in years with a task available.
func (r *runState) claimFirst(years []int, workerID int) (harvest.SearchTask, bool) {
	for _, y := range years {
		if task, ok := r.claim(y, workerID); ok {
			return task, true
		}
	}
	return harvest.SearchTask{}, false
}

// claim pops the next task for year and records the assignment. A task
// already held by another worker is never handed out.
func (r *runState) claim(year, workerID int) (harvest.SearchTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[year]
	for len(q) > 0 {
		task := q[0]
		q = q[1:]
		if _, busy := r.assigned[task.ID()]; busy {
			continue
		}
		r.queues[year] = q
		r.assigned[task.ID()] = workerID
		return task, true
	}
	r.queues[year] = q
	return harvest.SearchTask{}, false
}

func (r *runState) release(task harvest.SearchTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assigned, task.ID())
}

func (r *runState) finish(o TaskOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *runState) restarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts++
}

// drain removes and returns every task never claimed.
func (r *runState) drain() []harvest.SearchTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []harvest.SearchTask
	for y, q := range r.queues {
		out = append(out, q...)
		delete(r.queues, y)
	}
	return out
}
