// Package normalize maps raw page records into canonical case records.
package normalize

import (
	"strings"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

const documentTypePDF = "PDF"

// Normalize converts raw into a CaseRecord for task. Missing fields become
// harvest.Unavailable. The result depends only on its inputs.
func Normalize(raw harvest.RawRecord, task harvest.SearchTask) harvest.CaseRecord {
	rec := harvest.CaseRecord{
		CaseNo:          field(raw, harvest.FieldCaseNo),
		CaseTitle:       field(raw, harvest.FieldCaseTitle),
		Status:          field(raw, harvest.FieldStatus),
		InstitutionDate: field(raw, harvest.FieldInstitutionDate),
		DisposalDate:    field(raw, harvest.FieldDisposalDate),
		Advocates:       advocates(raw),
		Memo:            document(raw, harvest.FieldMemoFile),
		Judgement:       document(raw, harvest.FieldJudgementFile),
		History:         history(raw[harvest.FieldHistory]),
		Year:            task.Year,
		CaseType:        task.CaseType.Text,
		Registry:        task.Registry.Name(),
		YearRange:       task.YearRange.String(),
	}
	return rec
}

func field(raw harvest.RawRecord, name string) string {
	v := strings.Join(strings.Fields(raw[name]), " ")
	if v == "" {
		return harvest.Unavailable
	}
	return v
}

// advocates prefers explicit role fields and falls back to classifying the
// combined advocates block line by line on its "(ASC)"/"(AOR)" suffix.
func advocates(raw harvest.RawRecord) harvest.Advocates {
	out := harvest.Advocates{
		ASC:        field(raw, harvest.FieldAdvocateASC),
		AOR:        field(raw, harvest.FieldAdvocateAOR),
		Prosecutor: field(raw, harvest.FieldProsecutor),
	}
	for _, line := range strings.Split(raw[harvest.FieldAdvocates], "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		switch {
		case strings.Contains(line, "(AOR)"):
			out.AOR = appendLine(out.AOR, line)
		case strings.Contains(line, "(ASC)"):
			out.ASC = appendLine(out.ASC, line)
		default:
			out.Prosecutor = appendLine(out.Prosecutor, line)
		}
	}
	return out
}

func appendLine(existing, line string) string {
	if existing == harvest.Unavailable || existing == "" {
		return line
	}
	return existing + "; " + line
}

func document(raw harvest.RawRecord, name string) harvest.Document {
	file := field(raw, name)
	if file == harvest.Unavailable {
		return harvest.Document{File: harvest.Unavailable, Type: harvest.Unavailable, DownloadedPath: harvest.NoDocument}
	}
	return harvest.Document{File: file, Type: documentTypePDF, DownloadedPath: harvest.NoDocument}
}

// history parses one entry per line as "date<TAB>event" or "date | event".
// A line without a separator is kept as an event with an unavailable date.
func history(block string) []harvest.HistoryEntry {
	entries := []harvest.HistoryEntry{}
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "No Fixation History Found") {
			continue
		}
		date, event, ok := strings.Cut(line, "\t")
		if !ok {
			date, event, ok = strings.Cut(line, "|")
		}
		if !ok {
			date, event = "", line
		}
		entries = append(entries, harvest.HistoryEntry{
			Date:  orUnavailable(date),
			Event: orUnavailable(event),
		})
	}
	return entries
}

func orUnavailable(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return harvest.Unavailable
	}
	return s
}
