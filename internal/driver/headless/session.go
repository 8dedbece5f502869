package headless

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

const (
	pollInterval = 200 * time.Millisecond
	// evalTimeout bounds a single script evaluation; evaluations stall while
	// a JavaScript dialog is open.
	evalTimeout    = 2 * time.Second
	postbackSettle = 300 * time.Millisecond
)

// driver is one browser session bound to a single worker.
type driver struct {
	ctx     context.Context
	cancel  func()
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter

	mu         sync.Mutex
	dialog     string
	dialogOpen bool
	forwardArg string

	lost   atomic.Bool
	closed atomic.Bool
}

func newDriver(ctx context.Context, cancel func(), cfg Config, logger *zap.Logger) *driver {
	d := &driver{ctx: ctx, cancel: cancel, cfg: cfg, logger: logger}
	if cfg.ActionInterval > 0 {
		d.limiter = rate.NewLimiter(rate.Every(cfg.ActionInterval), 1)
	}
	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *page.EventJavascriptDialogOpening:
			d.mu.Lock()
			d.dialog = e.Message
			d.dialogOpen = true
			d.mu.Unlock()
		case *page.EventJavascriptDialogClosed:
			d.mu.Lock()
			d.dialogOpen = false
			d.mu.Unlock()
		case *inspector.EventTargetCrashed:
			d.lost.Store(true)
			d.logger.Warn("browser target crashed")
		case *inspector.EventDetached:
			d.lost.Store(true)
			d.logger.Warn("browser target detached", zap.String("reason", string(e.Reason)))
		}
	})
	return d
}

func (d *driver) load(ctx context.Context) error {
	if err := d.run(ctx, d.cfg.NavigationTimeout,
		chromedp.Navigate(d.cfg.BaseURL),
		chromedp.WaitReady(d.cfg.Selectors.Registry, chromedp.ByQuery),
	); err != nil {
		return harvest.SessionFailure(fmt.Errorf("load %s: %w", d.cfg.BaseURL, err))
	}
	return nil
}

// run executes actions on the session context, bounded by the caller's ctx
// and timeout. Errors caused by the browser going away match ErrSessionLost.
func (d *driver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if d.closed.Load() || d.lost.Load() {
		return harvest.SessionFailure(errors.New("browser session is gone"))
	}
	runCtx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	switch {
	case err == nil:
		return nil
	case d.lost.Load() || d.ctx.Err() != nil:
		return harvest.SessionFailure(err)
	case ctx.Err() != nil:
		return fmt.Errorf("browser action: %w", ctx.Err())
	default:
		return err
	}
}

func (d *driver) eval(ctx context.Context, script string, out any) error {
	return d.run(ctx, evalTimeout, chromedp.Evaluate(script, out))
}

func (d *driver) throttle(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait action budget: %w", err)
	}
	return nil
}

func (d *driver) pendingDialog() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialog, d.dialogOpen
}

func (d *driver) selectOption(ctx context.Context, sel string, candidates ...string) error {
	var ok bool
	if err := d.eval(ctx, jsCall(selectOptionJS, sel, candidates), &ok); err != nil {
		return fmt.Errorf("select %s: %w", sel, err)
	}
	if !ok {
		return fmt.Errorf("select %s: no option matching %v", sel, candidates)
	}
	return nil
}

func (d *driver) settle(ctx context.Context, next string) error {
	return d.run(ctx, d.cfg.NavigationTimeout,
		chromedp.Sleep(postbackSettle),
		chromedp.WaitReady(next, chromedp.ByQuery),
	)
}

// SubmitSearch reloads the search page, fills the form and waits for the
// outcome: a listing, an empty result or a validation dialog.
func (d *driver) SubmitSearch(ctx context.Context, params harvest.SearchParams) (harvest.PageHandle, error) {
	if err := d.throttle(ctx); err != nil {
		return harvest.PageHandle{}, err
	}
	sel := d.cfg.Selectors
	if err := d.run(ctx, d.cfg.NavigationTimeout,
		chromedp.Navigate(d.cfg.BaseURL),
		chromedp.WaitReady(sel.Registry, chromedp.ByQuery),
	); err != nil {
		return harvest.PageHandle{}, fmt.Errorf("open search form: %w", err)
	}

	caseTypeText := params.CaseType
	if ct, err := harvest.ParseCaseType(params.CaseType); err == nil {
		caseTypeText = ct.Text
	}
	steps := []struct {
		sel        string
		next       string
		candidates []string
	}{
		{sel.Registry, sel.CaseType, []string{params.Registry, harvest.Registry(params.Registry).Name()}},
		{sel.CaseType, sel.Year, []string{params.CaseType, caseTypeText}},
		{sel.Year, sel.Submit, []string{params.Year}},
	}
	for _, step := range steps {
		if err := d.selectOption(ctx, step.sel, step.candidates...); err != nil {
			return harvest.PageHandle{}, err
		}
		if err := d.settle(ctx, step.next); err != nil {
			return harvest.PageHandle{}, fmt.Errorf("wait for %s: %w", step.next, err)
		}
	}

	var clicked bool
	if err := d.eval(ctx, jsCall(clickJS, sel.Submit), &clicked); err != nil {
		return harvest.PageHandle{}, fmt.Errorf("submit search: %w", err)
	}
	if !clicked {
		return harvest.PageHandle{}, fmt.Errorf("submit button %s not found", sel.Submit)
	}
	h, err := d.waitOutcome(ctx, "", "")
	if err != nil {
		return harvest.PageHandle{}, err
	}
	if h.Signal == harvest.SignalNone && h.Index == 0 {
		h.Index = 1
	}
	return h, nil
}

// waitOutcome polls until the page shows a dialog, an empty-result banner
// or a result table whose content or current page differs from the previous
// one.
func (d *driver) waitOutcome(ctx context.Context, prevContent, prevCurrent string) (harvest.PageHandle, error) {
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.NavigationTimeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if msg, open := d.pendingDialog(); open {
			return harvest.PageHandle{Signal: harvest.SignalValidation, Message: msg}, nil
		}
		var st pageState
		err := d.eval(waitCtx, jsCall(pageStateJS, d.cfg.Selectors.Results, d.cfg.Selectors.PagerLinks), &st)
		switch {
		case errors.Is(err, harvest.ErrSessionLost):
			return harvest.PageHandle{}, err
		case err != nil:
			d.logger.Debug("page state probe failed", zap.Error(err))
		case st.NoRecord:
			return harvest.PageHandle{Signal: harvest.SignalEmpty, Message: "No Record Found"}, nil
		case st.HasResults && (st.Content != prevContent || st.Current != prevCurrent):
			index, _ := strconv.Atoi(st.Current)
			return harvest.PageHandle{Index: index, Content: st.Content}, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return harvest.PageHandle{}, fmt.Errorf("wait for results: %w", ctx.Err())
			}
			return harvest.PageHandle{}, fmt.Errorf("wait for results: %w", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// ReadRecords extracts the rows of the current listing and, when enabled,
// the detail view of each row.
func (d *driver) ReadRecords(ctx context.Context, _ harvest.PageHandle) ([]harvest.RawRecord, error) {
	sel := d.cfg.Selectors
	var grid gridRows
	if err := d.run(ctx, d.cfg.NavigationTimeout,
		chromedp.Evaluate(jsCall(rowsJS, sel.Results, sel.PagerLinks), &grid),
	); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	records := make([]harvest.RawRecord, 0, len(grid.Rows))
	for _, cells := range grid.Rows {
		records = append(records, recordFromCells(grid.Headers, cells))
	}
	if !d.cfg.Details {
		return records, nil
	}
	for i, rec := range records {
		detail, err := d.readDetail(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("read detail %d: %w", i, err)
		}
		for k, v := range detail {
			if v != "" {
				rec[k] = v
			}
		}
	}
	return records, nil
}

func (d *driver) readDetail(ctx context.Context, index int) (map[string]string, error) {
	sel := d.cfg.Selectors
	if err := d.throttle(ctx); err != nil {
		return nil, err
	}
	var opened bool
	if err := d.eval(ctx, jsCall(clickDetailJS, sel.Results, sel.DetailLinkText, index), &opened); err != nil {
		return nil, err
	}
	if !opened {
		return nil, nil
	}
	caseNoSel := sel.DetailFields[harvest.FieldCaseNo]
	if caseNoSel != "" {
		if err := d.run(ctx, d.cfg.NavigationTimeout, chromedp.WaitVisible(caseNoSel, chromedp.ByQuery)); err != nil {
			return nil, fmt.Errorf("wait for detail view: %w", err)
		}
	}
	detail := map[string]string{}
	if err := d.eval(ctx, jsCall(detailJS, sel.DetailFields, sel.MemoLink, sel.JudgementLink, sel.History), &detail); err != nil {
		return nil, err
	}
	var closed bool
	if err := d.eval(ctx, jsCall(clickJS, sel.DetailClose), &closed); err != nil {
		return nil, err
	}
	if closed {
		if err := d.run(ctx, d.cfg.NavigationTimeout, chromedp.Sleep(postbackSettle)); err != nil {
			return nil, err
		}
	}
	return detail, nil
}

// Controls reads the pager of the current listing.
func (d *driver) Controls(ctx context.Context, _ harvest.PageHandle) (harvest.PageControls, error) {
	var st pagerState
	if err := d.eval(ctx, jsCall(pagerJS, d.cfg.Selectors.PagerLinks), &st); err != nil {
		return harvest.PageControls{}, fmt.Errorf("read pager: %w", err)
	}
	_, controls, forwardArg := parsePager(st)
	d.mu.Lock()
	d.forwardArg = forwardArg
	d.mu.Unlock()
	return controls, nil
}

// Advance clicks the pager link for target and waits for the listing to
// change.
func (d *driver) Advance(ctx context.Context, cur harvest.PageHandle, target harvest.Target) (harvest.PageHandle, error) {
	var arg string
	switch target.Kind {
	case harvest.TargetPage:
		arg = strconv.Itoa(target.Page)
	case harvest.TargetEllipsis:
		d.mu.Lock()
		arg = d.forwardArg
		d.mu.Unlock()
		if arg == "" {
			return harvest.PageHandle{}, errors.New("no forward continuation on this page")
		}
	case harvest.TargetNext:
		arg = "Next"
	default:
		return harvest.PageHandle{}, fmt.Errorf("unknown target kind %d", target.Kind)
	}
	if err := d.throttle(ctx); err != nil {
		return harvest.PageHandle{}, err
	}
	var clicked bool
	if err := d.eval(ctx, jsCall(clickPagerJS, d.cfg.Selectors.PagerLinks, arg), &clicked); err != nil {
		return harvest.PageHandle{}, fmt.Errorf("click pager %s: %w", arg, err)
	}
	if !clicked {
		return harvest.PageHandle{}, fmt.Errorf("pager link %s not found", arg)
	}
	prevCurrent := ""
	if cur.Index > 0 {
		prevCurrent = strconv.Itoa(cur.Index)
	}
	return d.waitOutcome(ctx, cur.Content, prevCurrent)
}

// DismissBlockingDialog closes an open JavaScript dialog, if any.
func (d *driver) DismissBlockingDialog(ctx context.Context, _ harvest.PageHandle) error {
	msg, open := d.pendingDialog()
	if !open {
		return nil
	}
	if err := d.run(ctx, evalTimeout, page.HandleJavaScriptDialog(false)); err != nil {
		return fmt.Errorf("dismiss dialog %q: %w", msg, err)
	}
	d.mu.Lock()
	d.dialogOpen = false
	d.mu.Unlock()
	d.logger.Debug("dialog dismissed", zap.String("message", msg))
	return nil
}

// Close terminates the browser. It is safe to call more than once.
func (d *driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.cancel()
	return nil
}
