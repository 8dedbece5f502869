package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/caseharvest/internal/clock/system"
	"github.com/JakeFAU/caseharvest/internal/store"
)

func newPartitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "Lists stored partitions with their record counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			st, err := store.New(store.Config{RootDir: e.cfg.Store.RootDir}, system.New(), e.logger.Named("store"))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			infos, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PARTITION\tREGISTRY\tCASE TYPE\tRECORDS")
			total := 0
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", info.Key, info.Key.Registry.Name(), info.Key.CaseType.Text, info.Records)
				total += info.Records
			}
			fmt.Fprintf(tw, "TOTAL\t\t\t%d\n", total)
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}
}
