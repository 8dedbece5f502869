package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/config"
)

type runFlags struct {
	registries []string
	caseTypes  []string
	yearRanges []string
	workers    int
	alloc      []string
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Harvests every task in scope",
		Long: `Builds one search task per registry, case type and year, runs them on a
pool of browser sessions and stores new cases. Flags override the scope and
scheduler sections of the config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, flags)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&flags.registries, "registry", nil, "registries to search (code or name)")
	f.StringSliceVar(&flags.caseTypes, "case-type", nil, "case types to search (form value or text)")
	f.StringSliceVar(&flags.yearRanges, "year-range", nil, "year ranges, e.g. 2020-2024 or 2025")
	f.IntVar(&flags.workers, "workers", 0, "total worker budget")
	f.StringSliceVar(&flags.alloc, "alloc", nil, "workers per year, e.g. 2024=3")
	return cmd
}

func runHarvest(cmd *cobra.Command, flags runFlags) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	cfg := e.cfg
	if err := flags.apply(&cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	scope, err := cfg.ScopeSpec()
	if err != nil {
		return err
	}

	h, err := newHarvester(cmd.Context(), cfg, e.logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			e.logger.Warn("close services", zap.Error(cerr))
		}
	}()

	summary, runErr := h.Run(cmd.Context(), scope)
	if summary.RunID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	switch {
	case errors.Is(runErr, context.Canceled):
		e.logger.Warn("harvest interrupted; rerun to resume", zap.String("run_id", summary.RunID))
		return runErr
	case runErr != nil:
		return runErr
	case summary.TasksFailed > 0:
		return fmt.Errorf("%d of %d tasks failed", summary.TasksFailed, summary.TasksRun)
	}
	return nil
}

func (f runFlags) apply(cfg *config.Config) error {
	if len(f.registries) > 0 {
		cfg.Scope.Registries = f.registries
	}
	if len(f.caseTypes) > 0 {
		cfg.Scope.CaseTypes = f.caseTypes
	}
	if len(f.yearRanges) > 0 {
		cfg.Scope.YearRanges = f.yearRanges
	}
	if f.workers > 0 {
		cfg.Scheduler.WorkerBudget = f.workers
	}
	if len(f.alloc) > 0 {
		cfg.Scheduler.Allocation = make(map[string]int, len(f.alloc))
		for _, pair := range f.alloc {
			year, n, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("--alloc %q: want YEAR=N", pair)
			}
			workers, err := strconv.Atoi(strings.TrimSpace(n))
			if err != nil {
				return fmt.Errorf("--alloc %q: %w", pair, err)
			}
			cfg.Scheduler.Allocation[strings.TrimSpace(year)] = workers
		}
	}
	return nil
}
