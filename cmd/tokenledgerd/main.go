// Command tokenledgerd runs the token ledger webhook service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "tokenledgerd",
	Short:         "Token ledger driven by payment provider webhooks",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before TOKENLEDGER_* overrides")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook and read API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := LoadConfig(configPath, envFile)
		if err != nil {
			return err
		}
		s, err := openStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck // exiting

		if err := s.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", cfg.Store.Driver)
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-drive failed and stale events once and print a report",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := LoadConfig(configPath, envFile)
		if err != nil {
			return err
		}
		a, err := build(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(cmd.Context())) //nolint:errcheck // exiting

		if err := a.engine.Store().Migrate(cmd.Context()); err != nil {
			return err
		}
		report, err := a.engine.ReplayPending(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tokenledgerd %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := LoadConfig(configPath, envFile)
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}

	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	fiberApp := a.server.App()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("listening", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath)
		return fiberApp.Listen(cfg.Server.Addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		a.logger.Info("shutting down")
		if err := fiberApp.ShutdownWithContext(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", "error", err)
		}
		return a.close(shutdownCtx)
	})

	return g.Wait()
}
