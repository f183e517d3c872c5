package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/discussion/internal/platform/config"
	"github.com/example/discussion/internal/platform/logging"
)

// errExit reports a non-zero exit that has already been logged.
var errExit = errors.New("exit")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "threads",
		Short:         "Discussion threads service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if f := strings.TrimSpace(configFile); f != "" {
				return os.Setenv("CONFIG_FILE", f)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConfig(cmd.Context(), serve)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides CONFIG_FILE)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers and the command consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConfig(cmd.Context(), serve)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConfig(cmd.Context(), migrate)
		},
	})
	return root
}

func withConfig(ctx context.Context, fn func(context.Context, config.AppConfig, *zap.Logger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	return fn(ctx, cfg, log)
}

func migrate(ctx context.Context, cfg config.AppConfig, log *zap.Logger) error {
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Error("open store", zap.Error(err))
		return errExit
	}
	defer func() { _ = b.store.Close() }()

	if b.migrate == nil {
		log.Error("migrate needs DATABASE_URL or SQLITE_PATH")
		return errExit
	}
	applied, err := b.migrate(ctx)
	if err != nil {
		log.Error("migrate", zap.String("backend", b.name), zap.Strings("applied", applied), zap.Error(err))
		return errExit
	}
	log.Info("migrations applied", zap.String("backend", b.name), zap.Strings("applied", applied))
	return nil
}
