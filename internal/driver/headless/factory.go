// Package headless implements the search-page driver on headless Chrome via
// chromedp. Each session runs in its own browser process, so a crash only
// takes down the worker that owned it.
package headless

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

// Selectors locate the search form and result elements. All are CSS
// selectors evaluated with document.querySelector.
type Selectors struct {
	Registry   string `mapstructure:"registry" yaml:"registry"`
	CaseType   string `mapstructure:"case_type" yaml:"case_type"`
	Year       string `mapstructure:"year" yaml:"year"`
	Submit     string `mapstructure:"submit" yaml:"submit"`
	Results    string `mapstructure:"results" yaml:"results"`
	PagerLinks string `mapstructure:"pager_links" yaml:"pager_links"`

	// DetailLinkText is the text of the per-row link that opens case details.
	DetailLinkText string `mapstructure:"detail_link_text" yaml:"detail_link_text"`
	DetailClose    string `mapstructure:"detail_close" yaml:"detail_close"`
	// DetailFields maps raw record field names to detail-view selectors.
	DetailFields  map[string]string `mapstructure:"detail_fields" yaml:"detail_fields"`
	MemoLink      string            `mapstructure:"memo_link" yaml:"memo_link"`
	JudgementLink string            `mapstructure:"judgement_link" yaml:"judgement_link"`
	History       string            `mapstructure:"history" yaml:"history"`
}

// DefaultSelectors match the Supreme Court online case information page.
func DefaultSelectors() Selectors {
	return Selectors{
		Registry:       "#ddlRegistry",
		CaseType:       "#ddlCaseType",
		Year:           "#ddlYear",
		Submit:         "#btnSearch",
		Results:        "table[id*='gv']",
		PagerLinks:     "a[href*='Page$']",
		DetailLinkText: "View Details",
		DetailClose:    "#btnClose",
		DetailFields: map[string]string{
			harvest.FieldCaseNo:          "#spCaseNo",
			harvest.FieldCaseTitle:       "#spCaseTitle",
			harvest.FieldStatus:          "#spStatus",
			harvest.FieldInstitutionDate: "#spInstDate",
			harvest.FieldDisposalDate:    "#spDispDate",
			harvest.FieldAdvocates:       "#spAOR",
		},
		MemoLink:      "#spMemo a",
		JudgementLink: "#spJudgement a",
		History:       "#tblHistory",
	}
}

// Config controls browser sessions.
type Config struct {
	BaseURL           string
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	// ActionInterval is the minimum spacing between form submissions, pager
	// clicks and detail views within one session. Zero disables pacing.
	ActionInterval time.Duration
	// Details opens each row's detail view to collect advocates, documents
	// and history.
	Details   bool
	Selectors Selectors
}

// Factory opens one browser per session.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory validates cfg and fills unset selectors with defaults.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("headless driver requires a base url")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	cfg.Selectors = mergeSelectors(cfg.Selectors, DefaultSelectors())
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, logger: logger}, nil
}

// NewSession launches a browser and loads the search page.
func (f *Factory) NewSession(ctx context.Context, workerID int) (harvest.PageDriver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	d := newDriver(browserCtx, func() {
		browserCancel()
		allocCancel()
	}, f.cfg, f.logger.With(zap.Int("worker_id", workerID)))
	if err := d.load(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func mergeSelectors(s, def Selectors) Selectors {
	pick := func(v, d string) string {
		if strings.TrimSpace(v) == "" {
			return d
		}
		return v
	}
	s.Registry = pick(s.Registry, def.Registry)
	s.CaseType = pick(s.CaseType, def.CaseType)
	s.Year = pick(s.Year, def.Year)
	s.Submit = pick(s.Submit, def.Submit)
	s.Results = pick(s.Results, def.Results)
	s.PagerLinks = pick(s.PagerLinks, def.PagerLinks)
	s.DetailLinkText = pick(s.DetailLinkText, def.DetailLinkText)
	s.DetailClose = pick(s.DetailClose, def.DetailClose)
	s.MemoLink = pick(s.MemoLink, def.MemoLink)
	s.JudgementLink = pick(s.JudgementLink, def.JudgementLink)
	s.History = pick(s.History, def.History)
	if len(s.DetailFields) == 0 {
		s.DetailFields = def.DetailFields
	}
	return s
}
