package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Z333Q/p402-router/internal/api"
	"github.com/Z333Q/p402-router/internal/config"
	"github.com/Z333Q/p402-router/internal/facilitator"
	"github.com/Z333Q/p402-router/internal/health"
	"github.com/Z333Q/p402-router/internal/policy"
	"github.com/Z333Q/p402-router/internal/settlement"
	"github.com/Z333Q/p402-router/internal/store"
	"github.com/Z333Q/p402-router/internal/verify"
	"github.com/Z333Q/p402-router/pkg/metrics"
)

const pollJobName = "facilitator-health"

func main() {
	rootCmd := &cobra.Command{
		Use:   "p402d",
		Short: "p402d - x402 settlement and facilitator-health core",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pollCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement API and health-poll trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			db, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			ledger := store.NewLedgerRepository(db)
			policies := store.NewPolicyRepository(db)
			facilitators := store.NewFacilitatorRepository(db)

			chainClient, err := verify.DialChain(cfg.ChainRPCURL, cfg.AssetAddress)
			if err != nil {
				return err
			}

			enforcer := policy.NewEnforcer(policies, ledger, logger)
			sigVerifier := verify.NewSignatureVerifier(cfg.ChainID, cfg.AssetAddress)
			onchainVerifier := verify.NewOnchainVerifier(chainClient, cfg.MinConfirmations)
			executor := facilitator.NewClient(nil)

			dispatcher := settlement.NewDispatcher(
				enforcer, sigVerifier, onchainVerifier,
				ledger, facilitators, executor,
				cfg.TreasuryAddress, logger,
			)

			collector := metrics.NewCollector()
			dispatcher.OnAfterSettle(func(rc settlement.SettleResultContext) error {
				collector.RecordSettlement(string(rc.Result.Scheme), "settled", rc.Duration)
				return nil
			})
			dispatcher.OnSettleFailure(func(fc settlement.SettleFailureContext) {
				collector.RecordSettlement(string(fc.Request.Authorization.Scheme), fc.Error.Code, fc.Duration)
			})

			prober := health.NewProber(nil)
			scheduler := health.NewScheduler(pollJobName, facilitators, prober, logger)
			scheduler.Observer = collector

			server := api.NewServer(dispatcher, scheduler, facilitators, ledger, cfg.PollToken, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go serveMetrics(ctx, cfg.MetricsAddr, collector, logger)

			logger.Info("starting p402d", slog.String("addr", cfg.ListenAddr))
			return server.Run(ctx, cfg.ListenAddr)
		},
	}
}

func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := os.Getenv("P402_DB_PATH")
			if path == "" {
				path = "p402.db"
			}
			db, err := store.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Println("schema applied:", path)
			return nil
		},
	}
}

func pollCmd() *cobra.Command {
	var batchSize, timeoutMs int

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one facilitator health batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			path := os.Getenv("P402_DB_PATH")
			if path == "" {
				path = "p402.db"
			}
			db, err := store.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()

			facilitators := store.NewFacilitatorRepository(db)
			scheduler := health.NewScheduler(pollJobName, facilitators, health.NewProber(nil), logger)

			result, err := scheduler.RunBatch(cmd.Context(), health.Overrides{
				BatchSize: batchSize,
				TimeoutMs: timeoutMs,
			})
			if err != nil {
				return err
			}

			fmt.Printf("processed %d facilitators (offset %d -> %d)\n",
				result.Processed, result.Offset, result.NextOffset)
			if result.CursorReset {
				fmt.Println("cursor reset")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "facilitators per batch (1-50)")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "per-probe deadline in milliseconds (250-8000)")
	return cmd
}
