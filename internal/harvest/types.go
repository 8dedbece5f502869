// Package harvest defines the core types shared across the case harvester:
// search tasks, page cursors, raw and canonical case records, partition keys,
// and the contracts for external collaborators.
package harvest

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Unavailable marks a field the source did not expose.
const Unavailable = "N/A"

// NoDocument is recorded as the downloaded path when no file was stored.
const NoDocument = "No PDF Available"

// Registry is a court-seat identifier partitioning cases.
type Registry string

// Registries known to the case search form, keyed by their form value.
const (
	RegistryIslamabad Registry = "I"
	RegistryLahore    Registry = "L"
	RegistryKarachi   Registry = "K"
	RegistryPeshawar  Registry = "P"
	RegistryQuetta    Registry = "Q"
)

// KnownRegistries lists every registry in form order.
var KnownRegistries = []Registry{
	RegistryIslamabad, RegistryLahore, RegistryKarachi, RegistryPeshawar, RegistryQuetta,
}

var registryNames = map[Registry]string{
	RegistryIslamabad: "Islamabad",
	RegistryLahore:    "Lahore",
	RegistryKarachi:   "Karachi",
	RegistryPeshawar:  "Peshawar",
	RegistryQuetta:    "Quetta",
}

// Name returns the human-readable registry name.
func (r Registry) Name() string {
	if name, ok := registryNames[r]; ok {
		return name
	}
	return string(r)
}

// ParseRegistry accepts either the form value ("L") or the name ("Lahore").
func ParseRegistry(s string) (Registry, error) {
	s = strings.TrimSpace(s)
	for code, name := range registryNames {
		if strings.EqualFold(s, string(code)) || strings.EqualFold(s, name) {
			return code, nil
		}
	}
	return "", fmt.Errorf("unknown registry %q", s)
}

// CaseType is a category of legal proceeding, identified by its search form value.
type CaseType struct {
	Value string `json:"value" mapstructure:"value"`
	Text  string `json:"text" mapstructure:"text"`
}

// KnownCaseTypes lists the case types offered by the search form.
var KnownCaseTypes = []CaseType{
	{Value: "1", Text: "C.A."},
	{Value: "2", Text: "Crl.A."},
	{Value: "3", Text: "C.P."},
	{Value: "4", Text: "Crl.P."},
	{Value: "5", Text: "C.M.A."},
	{Value: "6", Text: "C.R.P."},
	{Value: "7", Text: "Crl.M.A."},
	{Value: "8", Text: "Crl.R.P."},
	{Value: "9", Text: "Crl.Sh.P."},
}

// ParseCaseType resolves a form value ("9") or display text ("Crl.Sh.P.").
func ParseCaseType(s string) (CaseType, error) {
	s = strings.TrimSpace(s)
	for _, ct := range KnownCaseTypes {
		if s == ct.Value || strings.EqualFold(s, ct.Text) {
			return ct, nil
		}
	}
	return CaseType{}, fmt.Errorf("unknown case type %q", s)
}

// Slug is a filesystem-safe form of the case type text ("Crl.Sh.P." -> "Crl_Sh_P").
func (c CaseType) Slug() string {
	var b strings.Builder
	for _, r := range strings.Trim(c.Text, ".") {
		switch {
		case r == '.' || r == ' ' || r == '/':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return fmt.Sprintf("%s_%s", c.Value, b.String())
}

// YearRange is a contiguous group of years used as a partition boundary.
type YearRange struct {
	From int
	To   int
}

// DefaultYearRanges are the five-year buckets used by the case archive.
var DefaultYearRanges = []YearRange{
	{1980, 1984}, {1985, 1989}, {1990, 1994}, {1995, 1999},
	{2000, 2004}, {2005, 2009}, {2010, 2014}, {2015, 2019},
	{2020, 2024}, {2025, 2025},
}

// ParseYearRange parses "2020-2024" or a single year "2025".
func ParseYearRange(s string) (YearRange, error) {
	s = strings.TrimSpace(s)
	from, to, found := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return YearRange{}, fmt.Errorf("parse year range %q: %w", s, err)
	}
	end := start
	if found {
		end, err = strconv.Atoi(strings.TrimSpace(to))
		if err != nil {
			return YearRange{}, fmt.Errorf("parse year range %q: %w", s, err)
		}
	}
	if end < start {
		return YearRange{}, fmt.Errorf("year range %q ends before it starts", s)
	}
	return YearRange{From: start, To: end}, nil
}

// DistinctYearRanges drops exact duplicates from ranges, keeping first
// occurrence order. Ranges that share a year without being equal are
// rejected: a year must map to exactly one partition.
func DistinctYearRanges(ranges []YearRange) ([]YearRange, error) {
	out := make([]YearRange, 0, len(ranges))
	for _, yr := range ranges {
		dup := false
		for _, seen := range out {
			if seen == yr {
				dup = true
				break
			}
			if yr.From <= seen.To && seen.From <= yr.To {
				return nil, fmt.Errorf("year ranges %s and %s overlap", seen, yr)
			}
		}
		if !dup {
			out = append(out, yr)
		}
	}
	return out, nil
}

// RangeFor returns the default year range containing year.
func RangeFor(year int) YearRange {
	for _, yr := range DefaultYearRanges {
		if yr.Contains(year) {
			return yr
		}
	}
	return YearRange{From: year, To: year}
}

// Contains reports whether year falls inside the range.
func (y YearRange) Contains(year int) bool {
	return year >= y.From && year <= y.To
}

// Years enumerates the range, oldest first.
func (y YearRange) Years() []int {
	years := make([]int, 0, y.To-y.From+1)
	for yr := y.From; yr <= y.To; yr++ {
		years = append(years, yr)
	}
	return years
}

func (y YearRange) String() string {
	if y.From == y.To {
		return strconv.Itoa(y.From)
	}
	return fmt.Sprintf("%d-%d", y.From, y.To)
}

// SearchTask describes one query against the search form. It is a value
// type; identity is (Registry, CaseType, Year).
type SearchTask struct {
	Registry  Registry
	CaseType  CaseType
	Year      int
	YearRange YearRange
	Priority  int
}

// TaskID identifies a SearchTask independently of its priority.
type TaskID struct {
	Registry Registry
	CaseType string
	Year     int
}

// ID returns the task identity.
func (t SearchTask) ID() TaskID {
	return TaskID{Registry: t.Registry, CaseType: t.CaseType.Value, Year: t.Year}
}

// Partition returns the output partition the task's records belong to.
func (t SearchTask) Partition() PartitionKey {
	return PartitionKey{Registry: t.Registry, CaseType: t.CaseType, YearRange: t.YearRange}
}

// Params converts the task into search form parameters.
func (t SearchTask) Params() SearchParams {
	return SearchParams{
		Registry: string(t.Registry),
		CaseType: t.CaseType.Value,
		Year:     strconv.Itoa(t.Year),
	}
}

func (t SearchTask) String() string {
	return fmt.Sprintf("%s/%s/%d", t.Registry, t.CaseType.Text, t.Year)
}

func (id TaskID) String() string {
	return fmt.Sprintf("%s/%s/%d", id.Registry, id.CaseType, id.Year)
}

// SortTasks orders tasks by descending priority, then identity, so queues
// are deterministic.
func SortTasks(tasks []SearchTask) {
	slices.SortStableFunc(tasks, CompareTasks)
}

// CompareTasks is the ordering used by SortTasks.
func CompareTasks(a, b SearchTask) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Registry, b.Registry); c != 0 {
		return c
	}
	if c := cmp.Compare(a.CaseType.Value, b.CaseType.Value); c != 0 {
		return c
	}
	return cmp.Compare(b.Year, a.Year)
}

// SearchParams are the form values submitted to the search page.
type SearchParams struct {
	Registry string
	CaseType string
	Year     string
}

// PartitionKey identifies one persisted output unit.
type PartitionKey struct {
	Registry  Registry
	CaseType  CaseType
	YearRange YearRange
}

// Path returns the relative directory for the partition ("L/9_Crl_Sh_P/2020-2024").
func (k PartitionKey) Path() string {
	return fmt.Sprintf("%s/%s/%s", k.Registry, k.CaseType.Slug(), k.YearRange)
}

func (k PartitionKey) String() string {
	return k.Path()
}

// ParsePartitionKey reverses Path. The case type segment may be a slug, a
// form value or display text.
func ParsePartitionKey(path string) (PartitionKey, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		return PartitionKey{}, fmt.Errorf("partition %q: want REGISTRY/CASE_TYPE/YEAR_RANGE", path)
	}
	reg, err := ParseRegistry(parts[0])
	if err != nil {
		return PartitionKey{}, err
	}
	ct, err := ParseCaseType(parts[1])
	if err != nil {
		found := false
		for _, known := range KnownCaseTypes {
			if known.Slug() == parts[1] {
				ct, found = known, true
				break
			}
		}
		if !found {
			return PartitionKey{}, err
		}
	}
	yr, err := ParseYearRange(parts[2])
	if err != nil {
		return PartitionKey{}, err
	}
	return PartitionKey{Registry: reg, CaseType: ct, YearRange: yr}, nil
}

// PageCursor tracks a traversal position. It is owned by one traversal and
// only moves forward.
type PageCursor struct {
	Task       SearchTask
	PageIndex  int
	TotalPages int // 0 when the source does not expose a total
}

// Advance moves the cursor to page. It refuses to move backwards.
func (c *PageCursor) Advance(page int) error {
	if page <= c.PageIndex {
		return fmt.Errorf("cursor for %s cannot move from page %d to %d", c.Task, c.PageIndex, page)
	}
	c.PageIndex = page
	return nil
}

// Done reports whether a known page total has been reached.
func (c PageCursor) Done() bool {
	return c.TotalPages > 0 && c.PageIndex >= c.TotalPages
}

// RawRecord is a field-name to text mapping produced by a page driver.
type RawRecord map[string]string

// Raw record field names understood by the normalizer.
const (
	FieldCaseNo          = "case_no"
	FieldCaseTitle       = "case_title"
	FieldStatus          = "status"
	FieldInstitutionDate = "institution_date"
	FieldDisposalDate    = "disposal_date"
	FieldAdvocates       = "advocates"
	FieldAdvocateASC     = "advocate_asc"
	FieldAdvocateAOR     = "advocate_aor"
	FieldProsecutor      = "prosecutor"
	FieldMemoFile        = "memo_file"
	FieldJudgementFile   = "judgement_file"
	FieldHistory         = "history"
)

// Advocates groups counsel by role.
type Advocates struct {
	ASC        string `json:"asc"`
	AOR        string `json:"aor"`
	Prosecutor string `json:"prosecutor"`
}

// Document references a file attached to a case.
type Document struct {
	File           string `json:"file"`
	Type           string `json:"type"`
	DownloadedPath string `json:"downloaded_path,omitempty"`
}

// HistoryEntry is one hearing or event in a case's history.
type HistoryEntry struct {
	Date  string `json:"date"`
	Event string `json:"event"`
}

// CaseRecord is the canonical shape persisted for a case.
type CaseRecord struct {
	CaseNo          string         `json:"case_no"`
	CaseTitle       string         `json:"case_title"`
	Status          string         `json:"status"`
	InstitutionDate string         `json:"institution_date"`
	DisposalDate    string         `json:"disposal_date"`
	Advocates       Advocates      `json:"advocates"`
	Memo            Document       `json:"memo"`
	Judgement       Document       `json:"judgement"`
	History         []HistoryEntry `json:"history"`
	Year            int            `json:"year"`
	CaseType        string         `json:"case_type"`
	Registry        string         `json:"registry"`
	YearRange       string         `json:"year_range"`
}

// HasKey reports whether the record carries a usable deduplication key.
func (r CaseRecord) HasKey() bool {
	return r.CaseNo != "" && r.CaseNo != Unavailable
}

// PutResult is the outcome of storing a record.
type PutResult int

// Store outcomes.
const (
	Inserted PutResult = iota + 1
	Skipped
)

func (p PutResult) String() string {
	switch p {
	case Inserted:
		return "inserted"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// PartitionStats reports store activity for a partition.
type PartitionStats struct {
	Stored   int `json:"stored"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// TaskStats counts the work done for one task execution.
type TaskStats struct {
	Pages            int `json:"pages"`
	Records          int `json:"records"`
	Inserted         int `json:"inserted"`
	Skipped          int `json:"skipped"`
	Unkeyed          int `json:"unkeyed"`
	Retries          int `json:"retries"`
	Documents        int `json:"documents"`
	DocumentFailures int `json:"document_failures"`
}

// Add accumulates o into s.
func (s *TaskStats) Add(o TaskStats) {
	s.Pages += o.Pages
	s.Records += o.Records
	s.Inserted += o.Inserted
	s.Skipped += o.Skipped
	s.Unkeyed += o.Unkeyed
	s.Retries += o.Retries
	s.Documents += o.Documents
	s.DocumentFailures += o.DocumentFailures
}
