// Точка входа practice-store — хранилища файлов пациентов клиник.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bigkaa/practicestore/internal/config"
)

// Общее состояние команд, заполняется в PersistentPreRunE.
var (
	envFile string
	cfg     *config.Config
	logger  *slog.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "practice-store",
		Short: "Хранилище файлов пациентов с квотами и архивированием",
		Long: `practice-store хранит файлы пациентов клиник, ведёт квоты тенантов
и ежедневно переносит удалённые файлы в архив.

Конфигурация — переменные окружения PS_*, опционально из .env.

Examples:
  practice-store serve
  practice-store migrate up
  practice-store archive run
  practice-store entitlements load tenants.yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "version", "help", "completion":
				return nil
			}
			return loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "файл с переменными окружения")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newArchiveCmd())
	rootCmd.AddCommand(newQuotaCmd())
	rootCmd.AddCommand(newEntitlementsCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "practice-store %s\n", config.Version)
		},
	})

	return rootCmd
}

// loadConfig загружает .env (если есть), конфигурацию и логгер.
func loadConfig() error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("загрузка %s: %w", envFile, err)
	}

	c, err := config.Load()
	if err != nil {
		return fmt.Errorf("ошибка конфигурации: %w", err)
	}
	cfg = c
	logger = config.SetupLogger(cfg)
	return nil
}
