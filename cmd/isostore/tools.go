package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigkaa/isostore/internal/fetcher"
	"github.com/bigkaa/isostore/internal/netguard"
	"github.com/bigkaa/isostore/internal/service"
	"github.com/bigkaa/isostore/internal/storage/hashing"
	"github.com/bigkaa/isostore/internal/storage/lease"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newReconcileCmd — однократная сверка каталога с диском без HTTP API.
func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Выполнить один цикл сверки каталога с каталогом хранения",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.lease.TryAcquire(); err != nil {
				if errors.Is(err, lease.ErrHeld) {
					return fmt.Errorf("%w (держатель: %s)", err, a.lease.Holder())
				}
				return err
			}
			defer a.lease.Release()

			result, skipped := a.reconcile.RunOnce(cmd.Context())
			if skipped {
				return fmt.Errorf("сверка уже выполняется")
			}
			// Автоимпорт ставит проверку целостности в фон
			a.tasks.Wait()

			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Error != "" {
				return fmt.Errorf("сверка прервана: %s", result.Error)
			}
			return nil
		},
	}
}

// newHashCmd считает контрольные суммы локального файла тем же движком,
// что и сервис.
func newHashCmd() *cobra.Command {
	var (
		algs    []string
		workers int
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "hash FILE",
		Short: "Вычислить контрольные суммы файла",
		Example: `  isostore hash ubuntu-24.04-live-server-amd64.iso
  isostore hash --alg sha256 --alg md5 disk.img`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := make([]hashing.Algorithm, 0, len(algs))
			for _, s := range algs {
				alg, ok := hashing.ParseAlgorithm(s)
				if !ok {
					return fmt.Errorf("неизвестный алгоритм %q (sha256, sha512, md5)", s)
				}
				parsed = append(parsed, alg)
			}

			engine := hashing.NewEngine(workers, toolLogger(verbose))
			sums, err := engine.DigestMany(cmd.Context(), args[0], parsed...)
			if err != nil {
				return err
			}
			for _, alg := range parsed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", alg, sums[alg], args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&algs, "alg", []string{string(hashing.SHA256)}, "алгоритм: sha256, sha512, md5 (можно повторять)")
	cmd.Flags().IntVar(&workers, "workers", 1, "параллельных вычислений")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "подробный лог")
	return cmd
}

// newCheckUpdateCmd проверяет наличие обновления образа по URL источника
// без обращения к каталогу.
func newCheckUpdateCmd() *cobra.Command {
	var (
		sha256         string
		size           int64
		timeout        time.Duration
		connectTimeout time.Duration
		maxRedirects   int
		verbose        bool
	)
	cmd := &cobra.Command{
		Use:   "check-update URL",
		Short: "Проверить, изменился ли образ у источника",
		Example: `  isostore check-update https://releases.ubuntu.com/24.04/ubuntu-24.04-live-server-amd64.iso \
    --sha256 8762f7e74e4d64d72fceb5f70682e6b069932deedb4949c6975d0f0fe0a91be3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := url.ParseRequestURI(args[0]); err != nil {
				return fmt.Errorf("некорректный URL: %w", err)
			}
			logger := toolLogger(verbose)
			guard := netguard.New(nil)
			client := fetcher.New(fetcher.Options{
				ConnectTimeout: connectTimeout,
				Timeout:        timeout,
				MaxRedirects:   maxRedirects,
				Guard:          guard,
				DialFilter:     netguard.DialFilter,
			}, logger)
			// Check не обращается к репозиторию
			svc := service.NewUpdateService(nil, client, guard, nil, logger)

			var localSHA *string
			if s := strings.TrimSpace(sha256); s != "" {
				localSHA = &s
			}
			var localSize *int64
			if cmd.Flags().Changed("size") {
				localSize = &size
			}
			return printJSON(cmd.OutOrStdout(), svc.Check(cmd.Context(), args[0], localSHA, localSize))
		},
	}
	cmd.Flags().StringVar(&sha256, "sha256", "", "локальная SHA-256")
	cmd.Flags().Int64Var(&size, "size", 0, "локальный размер в байтах")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "общий таймаут запросов")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "таймаут соединения")
	cmd.Flags().IntVar(&maxRedirects, "max-redirects", 5, "максимум перенаправлений")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "подробный лог")
	return cmd
}
