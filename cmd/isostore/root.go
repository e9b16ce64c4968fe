package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/bigkaa/isostore/internal/config"
)

// newRootCmd собирает дерево команд. Без подкоманды запускается serve.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "isostore",
		Short:         "Каталог образов дисков: скачивание, проверка целостности, сверка с диском",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       config.Version,
	}

	serveCmd := newServeCmd()
	root.AddCommand(serveCmd)
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newHashCmd())
	root.AddCommand(newCheckUpdateCmd())
	root.AddCommand(newVersionCmd())

	root.RunE = serveCmd.RunE
	return root
}

// loadConfig загружает конфигурацию из окружения и настраивает логгер.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка конфигурации: %w", err)
	}
	return cfg, config.SetupLogger(cfg), nil
}

// toolLogger — логгер утилитарных команд: только предупреждения, в stderr.
func toolLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "isostore %s (%s, %s/%s)\n",
				config.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
