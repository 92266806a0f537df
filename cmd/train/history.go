package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Brownie44l1/fruit-api/internal/config"
	"github.com/Brownie44l1/fruit-api/internal/store"
	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var configPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded training runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.ParseTrain(configPath)
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			if c.Store.Path == "" {
				return fmt.Errorf("store path is not configured")
			}
			st, err := store.New(c.Store.Path)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			runs, err := st.ListTrainingRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the config file")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of runs to list")
	return cmd
}

func printRuns(w io.Writer, runs []store.TrainingRun) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tCREATED\tCLASSES\tTRAIN\tVALIDATE\tEPOCHS\tACCURACY\tLOSS\tARTIFACT")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%.5f\t%.5f\t%s\n",
			r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.NumClasses, r.TrainSize, r.ValidateSize, r.Epochs, r.Accuracy, r.Loss, r.ArtifactPath)
	}
	return tw.Flush()
}
