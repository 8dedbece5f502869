// Package replay implements a PageDriver that replays fixed result pages.
// It mimics a numbered pager that shows a window of page links followed by
// an ellipsis continuation, and supports scripted faults.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

// Fixture is the full result set returned for one search.
type Fixture struct {
	// Pages holds the records of page 1..N.
	Pages [][]harvest.RawRecord
	// Window is how many numbered links the pager shows; 0 shows all.
	Window int
	// ShowTotal exposes the page count through PageControls.Total.
	ShowTotal bool
	// NextOnly hides numbered links and offers only a "next" control.
	NextOnly bool
	// Validation makes the search fail with this validation message.
	Validation string

	// Scripted faults keyed by destination page; values count remaining hits.
	FailAdvance  map[int]int
	StaleAdvance map[int]int
	CrashAdvance map[int]int
	// SubmitFailures makes the first n submissions fail transiently.
	SubmitFailures int
}

// Generate builds a fixture with pages × perPage records whose case numbers
// are "<prefix> <n>/<year>".
func Generate(prefix string, year, pages, perPage int) *Fixture {
	fx := &Fixture{Pages: make([][]harvest.RawRecord, pages)}
	n := 0
	for p := range pages {
		for range perPage {
			n++
			fx.Pages[p] = append(fx.Pages[p], harvest.RawRecord{
				harvest.FieldCaseNo:    fmt.Sprintf("%s %d/%d", prefix, n, year),
				harvest.FieldCaseTitle: fmt.Sprintf("Appellant %d v. The State", n),
				harvest.FieldStatus:    "Pending",
			})
		}
	}
	return fx
}

// Source maps search parameters to fixtures. It is shared by every session
// a Factory opens, so scripted faults are consumed once across sessions.
type Source struct {
	mu       sync.Mutex
	fixtures map[harvest.SearchParams]*Fixture
}

// NewSource creates an empty Source.
func NewSource() *Source {
	return &Source{fixtures: make(map[harvest.SearchParams]*Fixture)}
}

// Add registers the fixture returned for params.
func (s *Source) Add(params harvest.SearchParams, fx *Fixture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixtures[params] = fx
}

func (s *Source) lookup(params harvest.SearchParams) *Fixture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fixtures[params]
}

// take consumes one scripted fault for page, if any remain.
func (s *Source) take(faults map[int]int, page int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if faults[page] <= 0 {
		return false
	}
	faults[page]--
	return true
}

func (s *Source) takeSubmit(fx *Fixture) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fx.SubmitFailures <= 0 {
		return false
	}
	fx.SubmitFailures--
	return true
}

// Factory opens replay sessions over a Source.
type Factory struct {
	Source *Source
	// Latency delays every navigation, honoring ctx cancellation.
	Latency time.Duration
	// OpenErr, when set, fails session creation.
	OpenErr error

	opened atomic.Int64
	closed atomic.Int64
}

// NewSession implements harvest.DriverFactory.
func (f *Factory) NewSession(ctx context.Context, workerID int) (harvest.PageDriver, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open replay session: %w", err)
	}
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	f.opened.Add(1)
	return &Driver{source: f.Source, latency: f.Latency, workerID: workerID, onClose: func() { f.closed.Add(1) }}, nil
}

// Opened returns how many sessions were created.
func (f *Factory) Opened() int { return int(f.opened.Load()) }

// Closed returns how many sessions were closed.
func (f *Factory) Closed() int { return int(f.closed.Load()) }

// Driver is a single replay session.
type Driver struct {
	source   *Source
	latency  time.Duration
	workerID int
	onClose  func()

	mu         sync.Mutex
	fixture    *Fixture
	page       int
	visits     []int
	dismissals int
	closed     bool
}

// New returns a standalone session over source.
func New(source *Source) *Driver {
	return &Driver{source: source}
}

// SubmitSearch loads page 1 of the fixture registered for params.
func (d *Driver) SubmitSearch(ctx context.Context, params harvest.SearchParams) (harvest.PageHandle, error) {
	if err := d.wait(ctx); err != nil {
		return harvest.PageHandle{}, err
	}
	fx := d.source.lookup(params)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case fx == nil:
		return harvest.PageHandle{Signal: harvest.SignalEmpty, Message: "No Record Found"}, nil
	case fx.Validation != "":
		return harvest.PageHandle{Signal: harvest.SignalValidation, Message: fx.Validation}, nil
	case d.source.takeSubmit(fx):
		return harvest.PageHandle{}, errors.New("search form did not load")
	case len(fx.Pages) == 0:
		return harvest.PageHandle{Signal: harvest.SignalEmpty, Message: "No Record Found"}, nil
	}
	d.fixture = fx
	d.page = 1
	d.visits = append(d.visits, 1)
	return d.handle(1), nil
}

// ReadRecords returns a copy of the current page's records.
func (d *Driver) ReadRecords(ctx context.Context, _ harvest.PageHandle) ([]harvest.RawRecord, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fixture == nil {
		return nil, errors.New("no search loaded")
	}
	src := d.fixture.Pages[d.page-1]
	out := make([]harvest.RawRecord, 0, len(src))
	for _, rec := range src {
		cp := make(harvest.RawRecord, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out, nil
}

// Controls reports the pager state of the current page.
func (d *Driver) Controls(ctx context.Context, _ harvest.PageHandle) (harvest.PageControls, error) {
	if err := d.wait(ctx); err != nil {
		return harvest.PageControls{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fixture == nil {
		return harvest.PageControls{}, errors.New("no search loaded")
	}
	return d.controls(), nil
}

// Advance performs a pagination action.
func (d *Driver) Advance(ctx context.Context, _ harvest.PageHandle, target harvest.Target) (harvest.PageHandle, error) {
	if err := d.wait(ctx); err != nil {
		return harvest.PageHandle{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fixture == nil {
		return harvest.PageHandle{}, errors.New("no search loaded")
	}
	dest, err := d.destination(target)
	if err != nil {
		return harvest.PageHandle{}, err
	}
	fx := d.fixture
	switch {
	case d.source.take(fx.CrashAdvance, dest):
		d.closed = true
		return harvest.PageHandle{}, harvest.SessionFailure(errors.New("browser disconnected"))
	case d.source.take(fx.FailAdvance, dest):
		return harvest.PageHandle{}, fmt.Errorf("timed out waiting for page %d", dest)
	case d.source.take(fx.StaleAdvance, dest):
		return d.handle(d.page), nil
	}
	d.page = dest
	d.visits = append(d.visits, dest)
	return d.handle(dest), nil
}

// DismissBlockingDialog records the dismissal.
func (d *Driver) DismissBlockingDialog(context.Context, harvest.PageHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dismissals++
	return nil
}

// Close ends the session.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed && d.onClose == nil {
		return nil
	}
	d.closed = true
	if d.onClose != nil {
		d.onClose()
		d.onClose = nil
	}
	return nil
}

// Visits returns every page index the session loaded, in order.
func (d *Driver) Visits() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.visits...)
}

// Dismissals returns how many dialogs were dismissed.
func (d *Driver) Dismissals() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dismissals
}

func (d *Driver) wait(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return harvest.SessionFailure(errors.New("replay session closed"))
	}
	if d.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("replay wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (d *Driver) handle(page int) harvest.PageHandle {
	records := d.fixture.Pages[page-1]
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec[harvest.FieldCaseNo])
	}
	return harvest.PageHandle{
		Index:   page,
		Content: fmt.Sprintf("page %d\n%s", page, strings.Join(keys, "\n")),
	}
}

func (d *Driver) window() (int, int) {
	total := len(d.fixture.Pages)
	size := d.fixture.Window
	if size <= 0 {
		return 1, total
	}
	start := ((d.page-1)/size)*size + 1
	return start, min(start+size-1, total)
}

func (d *Driver) controls() harvest.PageControls {
	total := len(d.fixture.Pages)
	var c harvest.PageControls
	if d.fixture.ShowTotal {
		c.Total = total
	}
	if d.fixture.NextOnly {
		c.Next = d.page < total
		return c
	}
	start, end := d.window()
	for p := start; p <= end; p++ {
		if p != d.page {
			c.Pages = append(c.Pages, p)
		}
	}
	sort.Ints(c.Pages)
	c.Forward = end < total
	return c
}

func (d *Driver) destination(target harvest.Target) (int, error) {
	c := d.controls()
	switch target.Kind {
	case harvest.TargetPage:
		for _, p := range c.Pages {
			if p == target.Page {
				return p, nil
			}
		}
		return 0, fmt.Errorf("page link %d not visible", target.Page)
	case harvest.TargetEllipsis:
		if !c.Forward {
			return 0, errors.New("no ellipsis control")
		}
		_, end := d.window()
		return end + 1, nil
	case harvest.TargetNext:
		if !c.Next {
			return 0, errors.New("no next control")
		}
		return d.page + 1, nil
	default:
		return 0, fmt.Errorf("unknown target kind %d", target.Kind)
	}
}
