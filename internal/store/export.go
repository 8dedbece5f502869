package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

// Summary describes an exported partition.
type Summary struct {
	Registry       string `json:"registry"`
	CaseType       string `json:"case_type"`
	YearRange      string `json:"year_range"`
	TotalCases     int    `json:"total_cases"`
	ExtractionDate string `json:"extraction_date"`
}

// Export writes a snapshot of the partition as a JSON array sorted by case
// number, plus a summary file, next to its log. Both files are replaced
// atomically. It returns the snapshot path.
func (s *Store) Export(ctx context.Context, key harvest.PartitionKey) (string, error) {
	p, err := s.Open(ctx, key)
	if err != nil {
		return "", err
	}
	records, err := p.Records()
	if err != nil {
		return "", err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CaseNo < records[j].CaseNo })
	if records == nil {
		records = []harvest.CaseRecord{}
	}

	dir := s.dir(key)
	snapshot := filepath.Join(dir, snapshotName)
	if err := writeJSONAtomic(snapshot, records); err != nil {
		return "", fmt.Errorf("export %s: %w", key, err)
	}
	summary := Summary{
		Registry:       key.Registry.Name(),
		CaseType:       key.CaseType.Text,
		YearRange:      key.YearRange.String(),
		TotalCases:     len(records),
		ExtractionDate: s.clock.Now().UTC().Format("2006-01-02 15:04:05"),
	}
	if err := writeJSONAtomic(filepath.Join(dir, summaryFileName), summary); err != nil {
		return "", fmt.Errorf("export %s summary: %w", key, err)
	}
	s.logger.Info("partition exported",
		zap.Stringer("partition", key),
		zap.Int("records", len(records)),
		zap.String("path", snapshot),
	)
	return snapshot, nil
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
