// Package traversal walks every result page of a search task through a
// PageDriver, confirming each page transition before yielding its records.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/caseharvest/internal/harvest"
	"github.com/JakeFAU/caseharvest/internal/metrics"
)

var errStopped = errors.New("traversal stopped by consumer")

// Config controls traversal behavior.
type Config struct {
	// PageTimeout bounds the wait for a search submission or page transition.
	PageTimeout time.Duration
	// MaxPages caps the pages visited per task; 0 means no cap.
	MaxPages int
	// PaceQPS limits page transitions per second for one session; 0 disables pacing.
	PaceQPS float64
}

// Fingerprinter derives a content fingerprint from page text.
type Fingerprinter interface {
	Fingerprint(content string) string
}

// Page is one confirmed results page.
type Page struct {
	Cursor      harvest.PageCursor
	Fingerprint string
	Records     []harvest.RawRecord
}

// Result summarizes a traversal.
type Result struct {
	Pages   int
	Records int
	Retries int
	// Visited lists page indexes in the order they were confirmed.
	Visited []int
}

// Engine drives tasks through their result pages.
type Engine struct {
	cfg         Config
	retry       harvest.RetryPolicy
	fingerprint Fingerprinter
	logger      *zap.Logger
}

// New constructs an Engine.
func New(cfg Config, retry harvest.RetryPolicy, fp Fingerprinter, logger *zap.Logger) *Engine {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if retry == nil {
		retry = harvest.NewExponentialRetryPolicy(3, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:         cfg,
		retry:       retry,
		fingerprint: fp,
		logger:      logger,
	}
}

// Traverse returns a lazy sequence of the task's raw records. A terminal
// error is yielded once, after every record that was read before it.
func (e *Engine) Traverse(ctx context.Context, task harvest.SearchTask, driver harvest.PageDriver) iter.Seq2[harvest.RawRecord, error] {
	return func(yield func(harvest.RawRecord, error) bool) {
		_, err := e.Walk(ctx, task, driver, func(p Page) error {
			for _, rec := range p.Records {
				if !yield(rec, nil) {
					return errStopped
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopped) {
			yield(nil, err)
		}
	}
}

// Walk visits every page of the task in increasing index order.
func (e *Engine) Walk(ctx context.Context, task harvest.SearchTask, driver harvest.PageDriver, visit func(Page) error) (Result, error) {
	return e.WalkFrom(ctx, task, driver, 1, visit)
}

// WalkFrom is Walk, but pages before from are navigated without being
// passed to visit. It lets a caller resume from a saved cursor.
func (e *Engine) WalkFrom(
	ctx context.Context,
	task harvest.SearchTask,
	driver harvest.PageDriver,
	from int,
	visit func(Page) error,
) (Result, error) {
	var res Result
	logger := e.logger.With(zap.Stringer("task", task))
	var pacer *rate.Limiter
	if e.cfg.PaceQPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(e.cfg.PaceQPS), 1)
	}

	page, err := e.submit(ctx, task, driver, &res)
	if err != nil {
		return res, err
	}
	switch page.Signal {
	case harvest.SignalValidation:
		if derr := driver.DismissBlockingDialog(ctx, page); derr != nil {
			logger.Debug("dismiss validation dialog failed", zap.Error(derr))
		}
		return res, &harvest.ValidationRejection{Task: task, Message: page.Message}
	case harvest.SignalEmpty:
		logger.Info("search returned no records")
		return res, nil
	}

	cursor := harvest.PageCursor{Task: task}
	if err := cursor.Advance(pageIndex(page, 1)); err != nil {
		return res, err
	}
	fp := e.fingerprintOf(page)
	seen := map[string]int{fp: cursor.PageIndex}

	for {
		controls, err := e.controls(ctx, driver, page)
		if err != nil {
			return res, err
		}
		if controls.Total > 0 {
			cursor.TotalPages = controls.Total
		}
		records, err := driver.ReadRecords(ctx, page)
		if err != nil {
			return res, e.wrapDriverErr(ctx, err, cursor.PageIndex, "read")
		}

		res.Pages++
		res.Visited = append(res.Visited, cursor.PageIndex)
		metrics.ObservePage()
		if cursor.PageIndex >= from {
			res.Records += len(records)
			if err := visit(Page{Cursor: cursor, Fingerprint: fp, Records: records}); err != nil {
				return res, err
			}
		}
		logger.Debug("page visited", zap.Int("page", cursor.PageIndex), zap.Int("records", len(records)))

		if e.cfg.MaxPages > 0 && res.Pages >= e.cfg.MaxPages {
			logger.Warn("page cap reached", zap.Int("max_pages", e.cfg.MaxPages))
			return res, nil
		}
		target, ok := NextTarget(cursor, controls)
		if !ok {
			return res, nil
		}
		if target.Kind == harvest.TargetPage && target.Page > cursor.PageIndex+1 {
			logger.Warn("pagination gap, skipping pages",
				zap.Int("from_page", cursor.PageIndex+1),
				zap.Int("to_page", target.Page-1),
			)
		}
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return res, fmt.Errorf("page pacing: %w", err)
			}
		}

		next, err := e.advance(ctx, driver, page, target, cursor.PageIndex, seen, &res)
		if err != nil {
			logger.Warn("abandoning traversal",
				zap.Int("page", cursor.PageIndex),
				zap.Int("target", target.Page),
				zap.Error(err),
			)
			return res, err
		}
		if next.Signal == harvest.SignalEmpty {
			return res, nil
		}
		if err := cursor.Advance(pageIndex(next, target.Page)); err != nil {
			return res, err
		}
		page = next
		fp = e.fingerprintOf(page)
		seen[fp] = cursor.PageIndex
	}
}

// NextTarget picks the pagination action following the cursor's page. It
// prefers the next numbered target, then an ellipsis continuation, then a
// plain "next" control. ok is false at the end of results.
func NextTarget(cursor harvest.PageCursor, controls harvest.PageControls) (harvest.Target, bool) {
	if controls.Total > 0 && cursor.PageIndex >= controls.Total {
		return harvest.Target{}, false
	}
	want := cursor.PageIndex + 1
	higher := 0
	for _, p := range controls.Pages {
		if p == want {
			return harvest.Target{Kind: harvest.TargetPage, Page: want}, true
		}
		if p > want && (higher == 0 || p < higher) {
			higher = p
		}
	}
	switch {
	case controls.Forward:
		return harvest.Target{Kind: harvest.TargetEllipsis, Page: want}, true
	case controls.Next:
		return harvest.Target{Kind: harvest.TargetNext, Page: want}, true
	case higher > 0:
		return harvest.Target{Kind: harvest.TargetPage, Page: higher}, true
	default:
		return harvest.Target{}, false
	}
}

func (e *Engine) submit(ctx context.Context, task harvest.SearchTask, driver harvest.PageDriver, res *Result) (harvest.PageHandle, error) {
	return e.withRetry(ctx, driver, harvest.PageHandle{}, res, func(waitCtx context.Context) (harvest.PageHandle, error) {
		page, err := driver.SubmitSearch(waitCtx, task.Params())
		if err != nil {
			return harvest.PageHandle{}, e.wrapDriverErr(ctx, err, 1, "submit")
		}
		return page, nil
	})
}

func (e *Engine) controls(ctx context.Context, driver harvest.PageDriver, page harvest.PageHandle) (harvest.PageControls, error) {
	controls, err := driver.Controls(ctx, page)
	if err != nil {
		return harvest.PageControls{}, e.wrapDriverErr(ctx, err, page.Index, "controls")
	}
	return controls, nil
}

func (e *Engine) advance(
	ctx context.Context,
	driver harvest.PageDriver,
	page harvest.PageHandle,
	target harvest.Target,
	current int,
	seen map[string]int,
	res *Result,
) (harvest.PageHandle, error) {
	return e.withRetry(ctx, driver, page, res, func(waitCtx context.Context) (harvest.PageHandle, error) {
		next, err := driver.Advance(waitCtx, page, target)
		if err != nil {
			return harvest.PageHandle{}, e.wrapDriverErr(ctx, err, target.Page, "advance")
		}
		if next.Signal == harvest.SignalEmpty {
			return next, nil
		}
		if next.Signal == harvest.SignalValidation {
			return harvest.PageHandle{}, &harvest.NavigationError{
				Page: target.Page,
				Op:   "advance",
				Err:  fmt.Errorf("unexpected dialog: %s", next.Message),
			}
		}
		if prev, dup := seen[e.fingerprintOf(next)]; dup {
			return harvest.PageHandle{}, &harvest.NavigationError{
				Page: target.Page,
				Op:   "confirm",
				Err:  fmt.Errorf("%w: content matches page %d", harvest.ErrStalePage, prev),
			}
		}
		if idx := pageIndex(next, target.Page); idx != target.Page || idx <= current {
			return harvest.PageHandle{}, &harvest.NavigationError{
				Page: target.Page,
				Op:   "confirm",
				Err:  fmt.Errorf("landed on page %d", idx),
			}
		}
		return next, nil
	})
}

// withRetry runs op under a bounded wait, retrying transient failures with
// backoff. Blocking dialogs are dismissed before each retry.
func (e *Engine) withRetry(
	ctx context.Context,
	driver harvest.PageDriver,
	page harvest.PageHandle,
	res *Result,
	op func(context.Context) (harvest.PageHandle, error),
) (harvest.PageHandle, error) {
	for attempt := 0; ; attempt++ {
		waitCtx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
		next, err := op(waitCtx)
		cancel()
		if err == nil {
			return next, nil
		}
		if ctx.Err() != nil {
			return harvest.PageHandle{}, fmt.Errorf("traversal canceled: %w", ctx.Err())
		}
		if !e.retry.ShouldRetry(err, attempt) {
			if errors.Is(err, harvest.ErrNavigation) {
				return harvest.PageHandle{}, fmt.Errorf("%w after %d attempts: %w", harvest.ErrRetriesExhausted, attempt+1, err)
			}
			return harvest.PageHandle{}, err
		}
		res.Retries++
		metrics.ObserveTransitionRetry()
		if derr := driver.DismissBlockingDialog(ctx, page); derr != nil {
			e.logger.Debug("dismiss dialog before retry failed", zap.Error(derr))
		}
		if err := sleep(ctx, e.retry.Backoff(attempt)); err != nil {
			return harvest.PageHandle{}, fmt.Errorf("traversal canceled: %w", err)
		}
	}
}

func (e *Engine) wrapDriverErr(ctx context.Context, err error, page int, op string) error {
	switch {
	case errors.Is(err, harvest.ErrSessionLost), errors.Is(err, harvest.ErrNavigation):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("traversal canceled: %w", ctx.Err())
	default:
		return &harvest.NavigationError{Page: page, Op: op, Err: err}
	}
}

func (e *Engine) fingerprintOf(page harvest.PageHandle) string {
	if e.fingerprint == nil {
		return page.Content
	}
	return e.fingerprint.Fingerprint(page.Content)
}

func pageIndex(page harvest.PageHandle, fallback int) int {
	if page.Index > 0 {
		return page.Index
	}
	return fallback
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
