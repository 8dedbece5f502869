// Package cmd implements the caseharvest command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/app"
	"github.com/JakeFAU/caseharvest/internal/config"
	"github.com/JakeFAU/caseharvest/internal/coordinator"
	"github.com/JakeFAU/caseharvest/internal/logging"
)

type envKey struct{}

// env carries the loaded configuration and logger to subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// harvester is the part of app.App the run command needs. Tests swap it.
type harvester interface {
	Run(ctx context.Context, scope coordinator.Scope) (coordinator.Summary, error)
	Close() error
}

var newHarvester = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvester, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "caseharvest",
		Short: "Harvests case records from the court's online case search.",
		Long: `caseharvest walks the online case search for every registry, case type
and year in scope, storing each case once per partition. Interrupted runs
resume where they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey{}, &env{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey{}).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CASEHARVEST_* variables override it")

	cmd.AddCommand(newRunCmd(), newExportCmd(), newPartitionsCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute runs the command line until ctx is canceled.
func Execute(ctx context.Context) error {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		return fmt.Errorf("caseharvest: %w", err)
	}
	return nil
}
