package headless

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

// pagerLink is one postback link in the grid pager. Arg is the value after
// "Page$" in its href: a page number, "Next", "Prev", "First" or "Last".
type pagerLink struct {
	Text string `json:"text"`
	Arg  string `json:"arg"`
}

type pagerState struct {
	Current string      `json:"current"`
	Links   []pagerLink `json:"links"`
}

// parsePager converts the rendered pager into controls. An ellipsis link
// whose target lies beyond every visible number is a forward continuation;
// forwardArg is the postback argument that follows it.
func parsePager(st pagerState) (int, harvest.PageControls, string) {
	current, _ := strconv.Atoi(strings.TrimSpace(st.Current))
	var (
		controls  harvest.PageControls
		ellipses  []int
		maxNumber = current
	)
	for _, l := range st.Links {
		text := strings.TrimSpace(l.Text)
		arg := strings.TrimSpace(l.Arg)
		n, numErr := strconv.Atoi(arg)
		switch {
		case strings.EqualFold(arg, "Next") || text == ">" || text == "»" || strings.EqualFold(text, "Next"):
			controls.Next = true
		case numErr != nil:
		case text == "..." || text == "…":
			ellipses = append(ellipses, n)
		case isNumber(text):
			controls.Pages = append(controls.Pages, n)
			maxNumber = max(maxNumber, n)
		}
	}
	forward := 0
	for _, n := range ellipses {
		if n > maxNumber && (forward == 0 || n < forward) {
			forward = n
		}
	}
	forwardArg := ""
	if forward > 0 {
		controls.Forward = true
		forwardArg = strconv.Itoa(forward)
	}
	return current, controls, forwardArg
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// caseNoPattern matches case numbers such as "C.A.123-L/2024" or
// "Crl.Sh.P. 12/2021".
var caseNoPattern = regexp.MustCompile(`[A-Z][A-Za-z]*(?:\.[A-Za-z]+)*\.?\s*\d+(?:[-/][A-Z]+)?/\d{4}`)

// fieldForHeader maps a result grid column header to a raw record field.
func fieldForHeader(header string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(header) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	switch h := b.String(); {
	case h == "caseno" || h == "casenumber" || h == "case":
		return harvest.FieldCaseNo
	case h == "casetitle" || h == "title" || h == "parties":
		return harvest.FieldCaseTitle
	case h == "status" || h == "casestatus":
		return harvest.FieldStatus
	case strings.HasPrefix(h, "institution") || h == "instdate":
		return harvest.FieldInstitutionDate
	case strings.HasPrefix(h, "disposal") || h == "dispdate":
		return harvest.FieldDisposalDate
	case strings.HasPrefix(h, "advocate"):
		return harvest.FieldAdvocates
	default:
		return ""
	}
}

// recordFromCells builds a raw record from one grid row. When no column is
// labelled as the case number, it is taken from the first cell that looks
// like one.
func recordFromCells(headers, cells []string) harvest.RawRecord {
	rec := harvest.RawRecord{}
	for i, cell := range cells {
		cell = strings.TrimSpace(cell)
		if cell == "" || i >= len(headers) {
			continue
		}
		if field := fieldForHeader(headers[i]); field != "" {
			rec[field] = cell
		}
	}
	if rec[harvest.FieldCaseNo] == "" {
		for _, cell := range cells[:min(3, len(cells))] {
			if m := caseNoPattern.FindString(cell); m != "" {
				rec[harvest.FieldCaseNo] = m
				break
			}
		}
	}
	return rec
}
