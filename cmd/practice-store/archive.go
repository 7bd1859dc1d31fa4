package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newArchiveCmd() *cobra.Command {
	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Архивирование удалённых файлов",
	}

	archiveCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Выполнить один прогон архивирования",
		Long: `Выполняет прогон немедленно, вне расписания.
Используется для догоняющего запуска после простоя.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ok, fail, err := a.archival.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("Прогон архивирования выполнен",
				slog.Int("success", ok),
				slog.Int("failure", fail),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "archived: %d, failed: %d\n", ok, fail)
			return nil
		},
	})

	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Показать последние прогоны",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.archival.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSTARTED\tFINISHED\tOK\tFAILED\tLAST ERROR")
			for _, r := range runs {
				finished := "-"
				if r.FinishedAt != nil {
					finished = r.FinishedAt.Format(time.RFC3339)
				}
				lastErr := ""
				if r.LastError != nil {
					lastErr = *r.LastError
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.StartedAt.Format(time.RFC3339), finished, r.SuccessCount, r.FailureCount, lastErr)
			}
			return w.Flush()
		},
	}
	runsCmd.Flags().IntVar(&limit, "limit", 20, "количество записей")
	archiveCmd.AddCommand(runsCmd)

	return archiveCmd
}
