package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQuotaCmd() *cobra.Command {
	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Обслуживание квот тенантов",
	}

	quotaCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Пересчитать ledger по каталогу файлов",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			drifts, err := a.quota.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(drifts) == 0 {
				fmt.Fprintln(out, "расхождений нет")
				return nil
			}
			for _, d := range drifts {
				fmt.Fprintf(out, "%s: %d -> %d\n", d.TenantID, d.LedgerBytes, d.ActualBytes)
			}
			return nil
		},
	})

	return quotaCmd
}
