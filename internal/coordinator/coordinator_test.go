package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/driver/replay"
	"github.com/JakeFAU/caseharvest/internal/harvest"
	"github.com/JakeFAU/caseharvest/internal/hash/sha256"
	"github.com/JakeFAU/caseharvest/internal/scheduler"
	"github.com/JakeFAU/caseharvest/internal/store"
	"github.com/JakeFAU/caseharvest/internal/traversal"
	"github.com/JakeFAU/caseharvest/internal/worker"
)

var (
	civilAppeal = harvest.CaseType{Value: "1", Text: "C.A."}
	testRange   = harvest.YearRange{From: 2023, To: 2024}
	testNow     = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type fakeLedger struct {
	mu       sync.Mutex
	started  []string
	tasks    []scheduler.TaskOutcome
	finished []Summary
}

func (l *fakeLedger) StartRun(_ context.Context, runID string, _ time.Time, _ int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, runID)
	return nil
}

func (l *fakeLedger) RecordTask(_ context.Context, _ string, o scheduler.TaskOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, o)
	return nil
}

func (l *fakeLedger) FinishRun(_ context.Context, s Summary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, s)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	summaries []Summary
}

func (p *fakePublisher) PublishSummary(_ context.Context, s Summary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, s)
	return nil
}

type harness struct {
	src       *replay.Source
	factory   *replay.Factory
	store     *store.Store
	ledger    *fakeLedger
	publisher *fakePublisher
	coord     *Coordinator
}

func newHarness(t *testing.T, root string, cfg Config) *harness {
	t.Helper()
	st, err := store.New(store.Config{RootDir: root}, fixedClock{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	src := replay.NewSource()
	engine := traversal.New(
		traversal.Config{PageTimeout: time.Second},
		harvest.NewExponentialRetryPolicy(2, time.Millisecond, time.Millisecond),
		sha256.New(),
		zap.NewNop(),
	)
	h := &harness{
		src:       src,
		factory:   &replay.Factory{Source: src},
		store:     st,
		ledger:    &fakeLedger{},
		publisher: &fakePublisher{},
	}
	if cfg.WorkerBudget == 0 {
		cfg.WorkerBudget = 2
	}
	h.coord, err = New(Deps{
		Store:     st,
		Drivers:   h.factory,
		Executor:  worker.New(engine, st, nil, zap.NewNop()),
		Ledger:    h.ledger,
		Publisher: h.publisher,
		IDs:       &seqIDs{},
		Clock:     fixedClock{},
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	return h
}

func task(reg harvest.Registry, year int) harvest.SearchTask {
	return harvest.SearchTask{Registry: reg, CaseType: civilAppeal, Year: year, YearRange: testRange, Priority: year}
}

func TestBuildTasksCoversScopeNewestFirst(t *testing.T) {
	t.Parallel()

	tasks := BuildTasks(Scope{
		Registries: []harvest.Registry{harvest.RegistryLahore, harvest.RegistryKarachi},
		CaseTypes:  []harvest.CaseType{civilAppeal},
		YearRanges: []harvest.YearRange{testRange},
	})
	require.Len(t, tasks, 4)
	require.Equal(t, []harvest.SearchTask{
		task(harvest.RegistryKarachi, 2024),
		task(harvest.RegistryLahore, 2024),
		task(harvest.RegistryKarachi, 2023),
		task(harvest.RegistryLahore, 2023),
	}, tasks)
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, t.TempDir(), Config{})
	h.src.Add(task(harvest.RegistryLahore, 2024).Params(), replay.Generate("C.A.", 2024, 3, 5))
	h.src.Add(task(harvest.RegistryLahore, 2023).Params(), replay.Generate("C.A.", 2023, 2, 5))
	scope := Scope{
		Registries: []harvest.Registry{harvest.RegistryLahore},
		CaseTypes:  []harvest.CaseType{civilAppeal},
		YearRanges: []harvest.YearRange{testRange},
	}

	first, err := h.coord.Run(context.Background(), scope)
	require.NoError(t, err)
	require.Equal(t, "run-1", first.RunID)
	require.Equal(t, 2, first.TasksRun)
	require.Equal(t, 25, first.Inserted)
	require.Zero(t, first.Skipped)
	require.Empty(t, first.Failures)
	require.Equal(t, []PartitionSummary{{Partition: "L/1_C_A/2023-2024", Stored: 25, Inserted: 25}}, first.Partitions)

	second, err := h.coord.Run(context.Background(), scope)
	require.NoError(t, err)
	require.Zero(t, second.Inserted)
	require.Equal(t, first.Inserted, second.Skipped)
	require.Equal(t, []PartitionSummary{{Partition: "L/1_C_A/2023-2024", Stored: 25, Skipped: 25}}, second.Partitions)

	require.Equal(t, []string{"run-1", "run-2"}, h.ledger.started)
	require.Len(t, h.ledger.tasks, 4)
	require.Len(t, h.ledger.finished, 2)
	require.Len(t, h.publisher.summaries, 2)
	require.Equal(t, second, h.publisher.summaries[1])
}

func TestRunReportsValidationRejectionAndContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, t.TempDir(), Config{})
	h.src.Add(task(harvest.RegistryQuetta, 2024).Params(), &replay.Fixture{Validation: "Please provide more search criteria"})
	h.src.Add(task(harvest.RegistryQuetta, 2023).Params(), replay.Generate("C.A.", 2023, 1, 3))

	summary, err := h.coord.Run(context.Background(), Scope{
		Registries: []harvest.Registry{harvest.RegistryQuetta},
		CaseTypes:  []harvest.CaseType{civilAppeal},
		YearRanges: []harvest.YearRange{testRange},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.TasksSucceeded)
	require.Equal(t, 1, summary.TasksFailed)
	require.Equal(t, 3, summary.Inserted)
	require.Len(t, summary.Failures, 1)
	require.Equal(t, harvest.FailureValidation, summary.Failures[0].Kind)
	require.Equal(t, 1, summary.Failures[0].Attempts)
}

func writeCorruptLog(t *testing.T, root string, key harvest.PartitionKey) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(key.Path()), "cases.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("garbage\n{\"seq\":1}\n"), 0o600))
	return path
}

func TestRunAbortsOnCorruptPartition(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeCorruptLog(t, root, task(harvest.RegistryLahore, 2024).Partition())
	h := newHarness(t, root, Config{OnCorrupt: CorruptAbort})

	_, err := h.coord.Run(context.Background(), Scope{
		Registries: []harvest.Registry{harvest.RegistryLahore},
		CaseTypes:  []harvest.CaseType{civilAppeal},
		YearRanges: []harvest.YearRange{testRange},
	})
	require.ErrorIs(t, err, harvest.ErrRecoverableIO)
	require.Empty(t, h.ledger.started)
}

func TestRunQuarantinesCorruptPartition(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := writeCorruptLog(t, root, task(harvest.RegistryLahore, 2024).Partition())
	h := newHarness(t, root, Config{OnCorrupt: CorruptQuarantine})
	h.src.Add(task(harvest.RegistryLahore, 2024).Params(), replay.Generate("C.A.", 2024, 1, 2))

	summary, err := h.coord.Run(context.Background(), Scope{
		Registries: []harvest.Registry{harvest.RegistryLahore},
		CaseTypes:  []harvest.CaseType{civilAppeal},
		YearRanges: []harvest.YearRange{testRange},
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Inserted)
	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestRunCanceledStillReports(t *testing.T) {
	t.Parallel()

	h := newHarness(t, t.TempDir(), Config{WorkerBudget: 1})
	h.factory.Latency = 50 * time.Millisecond
	h.src.Add(task(harvest.RegistryLahore, 2024).Params(), replay.Generate("C.A.", 2024, 100, 1))
	h.src.Add(task(harvest.RegistryLahore, 2023).Params(), replay.Generate("C.A.", 2023, 100, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	summary, err := h.coord.Run(ctx, Scope{
		Registries: []harvest.Registry{harvest.RegistryLahore},
		CaseTypes:  []harvest.CaseType{civilAppeal},
		YearRanges: []harvest.YearRange{testRange},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 2, summary.TasksCanceled)
	require.Len(t, summary.Failures, 2)
	require.Equal(t, scheduler.StatusCanceled, summary.Failures[0].Status)
	require.Equal(t, harvest.FailureCanceled, summary.Failures[0].Kind)
	require.Len(t, h.ledger.finished, 1)
	require.Len(t, h.publisher.summaries, 1)
}

func TestRunRejectsOverlappingYearRanges(t *testing.T) {
	t.Parallel()

	h := newHarness(t, t.TempDir(), Config{})
	_, err := h.coord.Run(context.Background(), Scope{
		Registries: []harvest.Registry{harvest.RegistryLahore},
		CaseTypes:  []harvest.CaseType{civilAppeal},
		YearRanges: []harvest.YearRange{testRange, {From: 2024, To: 2024}},
	})
	require.ErrorContains(t, err, "overlap")
	require.Empty(t, h.ledger.started)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{WorkerBudget: 1}, nil)
	require.Error(t, err)
}
