package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newEntitlementsCmd() *cobra.Command {
	entCmd := &cobra.Command{
		Use:   "entitlements",
		Short: "Лимиты хранилища тенантов",
	}

	entCmd.AddCommand(&cobra.Command{
		Use:   "load <file.yaml>",
		Short: "Загрузить лимиты из YAML",
		Long: `Формат файла:

  tenants:
    - tenant_id: clinic-1
      storage_quota_bytes: 10737418240
    - tenant_id: clinic-2   # без лимита: загрузки запрещены`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.entitlements.LoadYAML(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "загружено тенантов: %d\n", n)
			return nil
		},
	})

	return entCmd
}
