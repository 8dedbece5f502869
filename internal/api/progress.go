package api

import (
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/caseharvest/internal/coordinator"
	"github.com/JakeFAU/caseharvest/internal/scheduler"
)

const (
	recentTaskLimit = 50
	historyLimit    = 20
)

// TaskView is one finished task as shown by the status API.
type TaskView struct {
	Task     string           `json:"task"`
	Status   scheduler.Status `json:"status"`
	Failure  string           `json:"failure,omitempty"`
	Attempts int              `json:"attempts"`
	WorkerID int              `json:"worker_id"`
	Pages    int              `json:"pages"`
	Inserted int              `json:"inserted"`
	Skipped  int              `json:"skipped"`
	Error    string           `json:"error,omitempty"`
	Finished time.Time        `json:"finished_at"`
}

// RunProgress is the live view of the current (or last) run.
type RunProgress struct {
	RunID      string     `json:"run_id"`
	Running    bool       `json:"running"`
	StartedAt  time.Time  `json:"started_at"`
	TotalTasks int        `json:"total_tasks"`
	Done       int        `json:"done"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Canceled   int        `json:"canceled"`
	Inserted   int        `json:"inserted"`
	Skipped    int        `json:"skipped"`
	Recent     []TaskView `json:"recent"`
}

// Tracker follows run progress. It implements coordinator.Observer.
type Tracker struct {
	mu      sync.RWMutex
	current RunProgress
	active  bool
	history []coordinator.Summary
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RunStarted resets the live view.
func (t *Tracker) RunStarted(runID string, tasks int, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = RunProgress{RunID: runID, Running: true, StartedAt: at, TotalTasks: tasks}
	t.active = true
}

// TaskFinished folds one outcome into the live view.
func (t *Tracker) TaskFinished(o scheduler.TaskOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.current
	p.Done++
	switch o.Status {
	case scheduler.StatusSucceeded:
		p.Succeeded++
	case scheduler.StatusFailed:
		p.Failed++
	case scheduler.StatusCanceled:
		p.Canceled++
	}
	p.Inserted += o.Stats.Inserted
	p.Skipped += o.Stats.Skipped

	view := TaskView{
		Task:     o.Task.String(),
		Status:   o.Status,
		Failure:  string(o.Failure),
		Attempts: o.Attempts,
		WorkerID: o.WorkerID,
		Pages:    o.Stats.Pages,
		Inserted: o.Stats.Inserted,
		Skipped:  o.Stats.Skipped,
		Finished: o.Finished,
	}
	if o.Err != nil {
		view.Error = o.Err.Error()
	}
	p.Recent = append(p.Recent, view)
	if over := len(p.Recent) - recentTaskLimit; over > 0 {
		p.Recent = slices.Delete(p.Recent, 0, over)
	}
}

// RunFinished closes the live view and keeps the summary.
func (t *Tracker) RunFinished(s coordinator.Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.Running = false
	t.active = false
	t.history = append(t.history, s)
	if over := len(t.history) - historyLimit; over > 0 {
		t.history = slices.Delete(t.history, 0, over)
	}
}

// Progress returns a copy of the live view and whether any run was seen.
func (t *Tracker) Progress() (RunProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.current
	p.Recent = slices.Clone(p.Recent)
	return p, p.RunID != ""
}

// Running reports whether a run is in progress.
func (t *Tracker) Running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Summaries returns finished run summaries, most recent first.
func (t *Tracker) Summaries() []coordinator.Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := slices.Clone(t.history)
	slices.Reverse(out)
	return out
}

// Summary looks up a finished run.
func (t *Tracker) Summary(runID string) (coordinator.Summary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.history {
		if s.RunID == runID {
			return s, true
		}
	}
	return coordinator.Summary{}, false
}
