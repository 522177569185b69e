// Package cmd defines and implements the CLI commands for the feedcrawler
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/api"
	"github.com/JakeFAU/feedindex-crawler/internal/app"
	"github.com/JakeFAU/feedindex-crawler/internal/config"
	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/dispatcher"
	"github.com/JakeFAU/feedindex-crawler/internal/logging"
	"github.com/JakeFAU/feedindex-crawler/internal/scheduler"
	"github.com/JakeFAU/feedindex-crawler/internal/telemetry"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
type App interface {
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Config() config.Config
	Store() crawler.SourceStore
	Operator() (*scheduler.Operator, error)
	Scheduler() (*scheduler.Scheduler, error)
	Dispatcher(only ...string) (*dispatcher.Dispatcher, error)
	APIServer(op api.Operator) *api.Server
}

// newApp is the application factory. It's a variable so tests can inject a
// prepared App.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	zap.ReplaceGlobals(logger)
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	return &tracedApp{App: a, shutdown: shutdown}, nil
}

// tracedApp stops the tracer provider after the services close.
type tracedApp struct {
	*app.App
	shutdown telemetry.Shutdown
}

func (t *tracedApp) Close(ctx context.Context) error {
	err := t.App.Close(ctx)
	return errors.Join(err, t.shutdown(ctx))
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "feedcrawler",
		Short: "Tiered crawler for public media feeds.",
		Long: `feedcrawler keeps an index of media items posted to public feeds up to date.
A scheduler sweeps sources by importance tier and publishes crawl tasks,
workers bound to provider identities page through each source's history
and ingest new items, and operator commands adjust tiers and trigger work.`,
		SilenceUsage: true,

		// Build the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		// Shut services down once the subcommand returns.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
				defer cancel()
				if err := appInstance.Close(ctx); err != nil {
					appInstance.Logger().Warn("error during shutdown", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newSchedulerCmd(),
		newWorkerCmd(),
		newRunCmd(),
		newEnqueueCmd(),
		newRetierCmd(),
		newTiersCmd(),
		newSweepCmd(),
		newRecoverCmd(),
		newAddSourceCmd(),
		newDeactivateCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "feedcrawler: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
