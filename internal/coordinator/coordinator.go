// Package coordinator is the top-level control loop of a harvest run: it
// expands the requested scope into search tasks, prepares their partitions,
// runs the scheduler and reports what happened.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/harvest"
	"github.com/JakeFAU/caseharvest/internal/scheduler"
)

// CorruptPolicy decides what happens to a partition whose log is unreadable.
type CorruptPolicy string

// Corrupt partition policies.
const (
	CorruptAbort      CorruptPolicy = "abort"
	CorruptQuarantine CorruptPolicy = "quarantine"
)

// Scope selects the search space.
type Scope struct {
	Registries []harvest.Registry
	CaseTypes  []harvest.CaseType
	YearRanges []harvest.YearRange
}

// Config controls a run.
type Config struct {
	WorkerBudget int
	// Allocation optionally fixes the number of workers per year.
	Allocation map[int]int
	OnCorrupt  CorruptPolicy
	Scheduler  scheduler.Config
}

// Store is the partition store the coordinator prepares before a run.
type Store interface {
	harvest.PartitionStore
	Quarantine(key harvest.PartitionKey) (string, error)
}

// Ledger records run and task outcomes durably.
type Ledger interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time, tasks int) error
	RecordTask(ctx context.Context, runID string, outcome scheduler.TaskOutcome) error
	FinishRun(ctx context.Context, summary Summary) error
}

// Publisher announces a finished run.
type Publisher interface {
	PublishSummary(ctx context.Context, summary Summary) error
}

// Observer follows run progress, e.g. for a status endpoint.
type Observer interface {
	RunStarted(runID string, tasks int, at time.Time)
	TaskFinished(outcome scheduler.TaskOutcome)
	RunFinished(summary Summary)
}

// Deps are the collaborators of a Coordinator. Ledger, Publisher and
// Observer are optional.
type Deps struct {
	Store     Store
	Drivers   harvest.DriverFactory
	Executor  scheduler.Executor
	Ledger    Ledger
	Publisher Publisher
	Observer  Observer
	IDs       harvest.IDGenerator
	Clock     harvest.Clock
}

// Coordinator runs harvests.
type Coordinator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Coordinator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if deps.Store == nil || deps.Drivers == nil || deps.Executor == nil {
		return nil, errors.New("coordinator requires a store, a driver factory and an executor")
	}
	if deps.IDs == nil || deps.Clock == nil {
		return nil, errors.New("coordinator requires an id generator and a clock")
	}
	if cfg.WorkerBudget < 1 {
		return nil, fmt.Errorf("worker budget must be at least 1, got %d", cfg.WorkerBudget)
	}
	if cfg.OnCorrupt == "" {
		cfg.OnCorrupt = CorruptAbort
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{deps: deps, cfg: cfg, logger: logger}, nil
}

// BuildTasks expands scope into one task per registry, case type and year.
// Priority is the year, so recent years are handled first.
func BuildTasks(scope Scope) []harvest.SearchTask {
	var tasks []harvest.SearchTask
	for _, reg := range scope.Registries {
		for _, ct := range scope.CaseTypes {
			for _, yr := range scope.YearRanges {
				for _, year := range yr.Years() {
					tasks = append(tasks, harvest.SearchTask{
						Registry:  reg,
						CaseType:  ct,
						Year:      year,
						YearRange: yr,
						Priority:  year,
					})
				}
			}
		}
	}
	harvest.SortTasks(tasks)
	return tasks
}

// Run harvests scope. Partition preparation errors abort the run before any
// task starts; task failures are reported in the Summary.
func (c *Coordinator) Run(ctx context.Context, scope Scope) (Summary, error) {
	ranges, err := harvest.DistinctYearRanges(scope.YearRanges)
	if err != nil {
		return Summary{}, fmt.Errorf("invalid scope: %w", err)
	}
	scope.YearRanges = ranges
	runID, err := c.deps.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("new run id: %w", err)
	}
	logger := c.logger.With(zap.String("run_id", runID))
	tasks := BuildTasks(scope)
	if len(tasks) == 0 {
		return Summary{}, errors.New("scope selects no tasks")
	}
	started := c.deps.Clock.Now()

	partitions, err := c.preparePartitions(ctx, tasks, logger)
	if err != nil {
		return Summary{}, err
	}

	if c.deps.Ledger != nil {
		if err := c.deps.Ledger.StartRun(ctx, runID, started, len(tasks)); err != nil {
			logger.Error("ledger start run failed", zap.Error(err))
		}
	}
	if c.deps.Observer != nil {
		c.deps.Observer.RunStarted(runID, len(tasks), started)
	}
	logger.Info("harvest starting",
		zap.Int("tasks", len(tasks)),
		zap.Int("partitions", len(partitions)),
		zap.Int("worker_budget", c.cfg.WorkerBudget),
	)

	schedCfg := c.cfg.Scheduler
	userHook := schedCfg.OnTaskDone
	schedCfg.OnTaskDone = func(o scheduler.TaskOutcome) {
		c.taskDone(ctx, runID, o, logger)
		if userHook != nil {
			userHook(o)
		}
	}
	sched := scheduler.New(c.deps.Drivers, c.deps.Executor, schedCfg, c.deps.Clock, c.logger)
	report, runErr := sched.Run(ctx, tasks, c.cfg.WorkerBudget, c.cfg.Allocation)

	summary := newSummary(runID, started, c.deps.Clock.Now(), report, partitions)
	c.finish(ctx, summary, logger)
	if runErr != nil {
		return summary, fmt.Errorf("run %s: %w", runID, runErr)
	}
	return summary, nil
}

// preparedPartition is an open partition and its counters when the run
// started. Open partitions are cached by the store across runs.
type preparedPartition struct {
	partition harvest.Partition
	base      harvest.PartitionStats
}

// preparePartitions opens every partition the tasks write to so corrupt
// persisted state is handled before any worker starts.
func (c *Coordinator) preparePartitions(
	ctx context.Context,
	tasks []harvest.SearchTask,
	logger *zap.Logger,
) (map[harvest.PartitionKey]preparedPartition, error) {
	out := make(map[harvest.PartitionKey]preparedPartition)
	for _, task := range tasks {
		key := task.Partition()
		if _, ok := out[key]; ok {
			continue
		}
		p, err := c.deps.Store.OpenPartition(ctx, key)
		if errors.Is(err, harvest.ErrRecoverableIO) && c.cfg.OnCorrupt == CorruptQuarantine {
			moved, qerr := c.deps.Store.Quarantine(key)
			if qerr != nil {
				return nil, fmt.Errorf("quarantine %s: %w", key, qerr)
			}
			logger.Warn("corrupt partition quarantined, starting fresh",
				zap.Stringer("partition", key),
				zap.String("moved_to", moved),
				zap.Error(err),
			)
			p, err = c.deps.Store.OpenPartition(ctx, key)
		}
		if err != nil {
			return nil, fmt.Errorf("prepare partition %s: %w", key, err)
		}
		out[key] = preparedPartition{partition: p, base: p.Stats()}
	}
	return out, nil
}

func (c *Coordinator) taskDone(ctx context.Context, runID string, o scheduler.TaskOutcome, logger *zap.Logger) {
	if c.deps.Ledger != nil {
		if err := c.deps.Ledger.RecordTask(context.WithoutCancel(ctx), runID, o); err != nil {
			logger.Error("ledger record task failed", zap.Stringer("task", o.Task), zap.Error(err))
		}
	}
	if c.deps.Observer != nil {
		c.deps.Observer.TaskFinished(o)
	}
}

func (c *Coordinator) finish(ctx context.Context, summary Summary, logger *zap.Logger) {
	// Reporting still happens for canceled runs.
	ctx = context.WithoutCancel(ctx)
	if c.deps.Ledger != nil {
		if err := c.deps.Ledger.FinishRun(ctx, summary); err != nil {
			logger.Error("ledger finish run failed", zap.Error(err))
		}
	}
	if c.deps.Publisher != nil {
		if err := c.deps.Publisher.PublishSummary(ctx, summary); err != nil {
			logger.Error("publish summary failed", zap.Error(err))
		}
	}
	if c.deps.Observer != nil {
		c.deps.Observer.RunFinished(summary)
	}
	logger.Info("harvest finished",
		zap.Int("tasks_run", summary.TasksRun),
		zap.Int("inserted", summary.Inserted),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.TasksFailed),
		zap.Int("canceled", summary.TasksCanceled),
		zap.Duration("duration", summary.Duration),
	)
}

// Summary is the result of one run.
type Summary struct {
	RunID           string             `json:"run_id"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
	Duration        time.Duration      `json:"duration_ns"`
	TasksRun        int                `json:"tasks_run"`
	TasksSucceeded  int                `json:"tasks_succeeded"`
	TasksFailed     int                `json:"tasks_failed"`
	TasksCanceled   int                `json:"tasks_canceled"`
	Inserted        int                `json:"inserted"`
	Skipped         int                `json:"skipped"`
	Unkeyed         int                `json:"unkeyed"`
	Pages           int                `json:"pages"`
	SessionRestarts int                `json:"session_restarts"`
	Allocation      map[int]int        `json:"allocation"`
	Failures        []TaskFailure      `json:"failures,omitempty"`
	Partitions      []PartitionSummary `json:"partitions"`
}

// TaskFailure describes a task that did not succeed.
type TaskFailure struct {
	Task     string              `json:"task"`
	Status   scheduler.Status    `json:"status"`
	Kind     harvest.FailureKind `json:"kind"`
	Attempts int                 `json:"attempts"`
	Error    string              `json:"error,omitempty"`
}

// PartitionSummary reports a partition at the end of a run. Stored is the
// partition total; Inserted and Skipped count this run only.
type PartitionSummary struct {
	Partition string `json:"partition"`
	Stored    int    `json:"stored"`
	Inserted  int    `json:"inserted"`
	Skipped   int    `json:"skipped"`
}

func newSummary(
	runID string,
	started, finished time.Time,
	report scheduler.Report,
	partitions map[harvest.PartitionKey]preparedPartition,
) Summary {
	s := Summary{
		RunID:           runID,
		StartedAt:       started,
		FinishedAt:      finished,
		Duration:        finished.Sub(started),
		TasksSucceeded:  report.Succeeded,
		TasksFailed:     report.Failed,
		TasksCanceled:   report.Canceled,
		TasksRun:        report.Succeeded + report.Failed,
		Inserted:        report.Totals.Inserted,
		Skipped:         report.Totals.Skipped,
		Unkeyed:         report.Totals.Unkeyed,
		Pages:           report.Totals.Pages,
		SessionRestarts: report.SessionRestarts,
		Allocation:      report.Allocation,
	}
	for _, o := range report.Outcomes {
		if o.Status == scheduler.StatusSucceeded {
			continue
		}
		f := TaskFailure{Task: o.Task.String(), Status: o.Status, Kind: o.Failure, Attempts: o.Attempts}
		if o.Err != nil {
			f.Error = o.Err.Error()
		}
		s.Failures = append(s.Failures, f)
	}
	for key, p := range partitions {
		st := p.partition.Stats()
		s.Partitions = append(s.Partitions, PartitionSummary{
			Partition: key.Path(),
			Stored:    st.Stored,
			Inserted:  st.Inserted - p.base.Inserted,
			Skipped:   st.Skipped - p.base.Skipped,
		})
	}
	sort.Slice(s.Partitions, func(i, j int) bool { return s.Partitions[i].Partition < s.Partitions[j].Partition })
	return s
}
