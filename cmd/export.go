package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/caseharvest/internal/clock/system"
	"github.com/JakeFAU/caseharvest/internal/harvest"
	"github.com/JakeFAU/caseharvest/internal/store"
)

func newExportCmd() *cobra.Command {
	var (
		partitions []string
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Writes JSON snapshots of stored partitions",
		Long: `Writes cases.json (sorted by case number) and summary.json next to each
selected partition's log. Existing snapshots are replaced atomically.`,
		Example: "  caseharvest export --partition L/C.A./2020-2024\n  caseharvest export --all",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if all == (len(partitions) > 0) {
				return errors.New("pass either --partition or --all")
			}
			st, err := store.New(store.Config{RootDir: e.cfg.Store.RootDir}, system.New(), e.logger.Named("store"))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var keys []harvest.PartitionKey
			if all {
				infos, err := st.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, info := range infos {
					keys = append(keys, info.Key)
				}
			}
			for _, p := range partitions {
				key, err := harvest.ParsePartitionKey(p)
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}
			for _, key := range keys {
				path, err := st.Export(cmd.Context(), key)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), path); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&partitions, "partition", nil, "partition as REGISTRY/CASE_TYPE/YEAR_RANGE")
	cmd.Flags().BoolVar(&all, "all", false, "export every stored partition")
	return cmd
}
