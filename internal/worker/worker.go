// Package worker implements the per-task pipeline: traverse every result
// page, normalize each record, fetch its documents and store it.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/harvest"
	"github.com/JakeFAU/caseharvest/internal/metrics"
	"github.com/JakeFAU/caseharvest/internal/normalize"
	"github.com/JakeFAU/caseharvest/internal/traversal"
)

// Processor executes search tasks against a driver session.
type Processor struct {
	engine    *traversal.Engine
	store     harvest.PartitionStore
	retriever harvest.DocumentRetriever
	logger    *zap.Logger
}

// New constructs a Processor. retriever may be nil to skip document downloads.
func New(
	engine *traversal.Engine,
	store harvest.PartitionStore,
	retriever harvest.DocumentRetriever,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		engine:    engine,
		store:     store,
		retriever: retriever,
		logger:    logger,
	}
}

// Execute runs one task end to end. Records already stored are skipped, so
// re-running a task after a crash only stores what is missing. Stats are
// returned alongside any error and cover the pages that were processed.
func (p *Processor) Execute(ctx context.Context, driver harvest.PageDriver, task harvest.SearchTask) (harvest.TaskStats, error) {
	var stats harvest.TaskStats
	logger := p.logger.With(zap.Stringer("task", task))

	partition, err := p.store.OpenPartition(ctx, task.Partition())
	if err != nil {
		return stats, fmt.Errorf("open partition for %s: %w", task, err)
	}

	res, err := p.engine.Walk(ctx, task, driver, func(page traversal.Page) error {
		for _, raw := range page.Records {
			if err := p.handleRecord(ctx, partition, task, raw, &stats, logger); err != nil {
				return err
			}
		}
		return nil
	})
	stats.Pages = res.Pages
	stats.Retries = res.Retries
	if err != nil {
		return stats, err
	}

	logger.Info("task complete",
		zap.Int("pages", stats.Pages),
		zap.Int("records", stats.Records),
		zap.Int("inserted", stats.Inserted),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

func (p *Processor) handleRecord(
	ctx context.Context,
	partition harvest.Partition,
	task harvest.SearchTask,
	raw harvest.RawRecord,
	stats *harvest.TaskStats,
	logger *zap.Logger,
) error {
	stats.Records++
	rec := normalize.Normalize(raw, task)
	if !rec.HasKey() {
		stats.Unkeyed++
		metrics.ObserveRecord("unkeyed")
		logger.Warn("record without case number dropped", zap.String("case_title", rec.CaseTitle))
		return nil
	}
	if !partition.Has(rec.CaseNo) {
		p.attachDocuments(ctx, task.Partition(), &rec, stats, logger)
	}
	result, err := partition.Put(ctx, rec)
	if err != nil {
		return fmt.Errorf("store %s: %w", rec.CaseNo, err)
	}
	switch result {
	case harvest.Inserted:
		stats.Inserted++
	case harvest.Skipped:
		stats.Skipped++
	}
	metrics.ObserveRecord(result.String())
	return nil
}

// attachDocuments downloads the memo and judgement files. A failed download
// leaves the unavailable marker in place; it never fails the record.
func (p *Processor) attachDocuments(
	ctx context.Context,
	key harvest.PartitionKey,
	rec *harvest.CaseRecord,
	stats *harvest.TaskStats,
	logger *zap.Logger,
) {
	if p.retriever == nil {
		return
	}
	docs := []struct {
		kind string
		doc  *harvest.Document
	}{
		{harvest.DocMemo, &rec.Memo},
		{harvest.DocJudgement, &rec.Judgement},
	}
	for _, d := range docs {
		if d.doc.File == harvest.Unavailable || d.doc.File == "" {
			continue
		}
		path, err := p.retriever.Retrieve(ctx, harvest.DocumentRequest{
			Partition: key,
			CaseNo:    rec.CaseNo,
			Kind:      d.kind,
			URL:       d.doc.File,
		})
		if err != nil {
			stats.DocumentFailures++
			d.doc.DownloadedPath = harvest.NoDocument
			level := zap.WarnLevel
			if errors.Is(err, context.Canceled) {
				level = zap.DebugLevel
			}
			logger.Log(level, "document retrieval failed",
				zap.String("case_no", rec.CaseNo),
				zap.String("kind", d.kind),
				zap.Error(err),
			)
			continue
		}
		stats.Documents++
		d.doc.DownloadedPath = path
	}
}
