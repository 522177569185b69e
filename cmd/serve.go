package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serveOptions struct {
	scheduler  bool
	workers    bool
	identities []string
	api        bool
	port       int
}

func (o *serveOptions) bindFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.api, "api", true, "serve the operator API, health probes and metrics")
	cmd.Flags().IntVar(&o.port, "port", 0, "API port (defaults to server.port)")
}

func newSchedulerCmd() *cobra.Command {
	opts := &serveOptions{scheduler: true}
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the tier scheduler and the operator API",
		Long: `Recovers stale locks, then sweeps each tier on its cadence and publishes
crawl tasks to the identity queues. Sweeps requested by operators arrive on
the scheduler queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServices(cmd, opts)
		},
	}
	opts.bindFlags(cmd)
	return cmd
}

func newWorkerCmd() *cobra.Command {
	opts := &serveOptions{workers: true}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one worker per provider identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServices(cmd, opts)
		},
	}
	opts.bindFlags(cmd)
	cmd.Flags().StringSliceVar(&opts.identities, "identity", nil, "identities to serve (default: all configured)")
	return cmd
}

func newRunCmd() *cobra.Command {
	opts := &serveOptions{scheduler: true, workers: true}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scheduler, workers and API in one process",
		Long: `Runs every component in one process. This is the only mode that works with
the in-memory store and broker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServices(cmd, opts)
		},
	}
	opts.bindFlags(cmd)
	cmd.Flags().StringSliceVar(&opts.identities, "identity", nil, "identities to serve (default: all configured)")
	return cmd
}

func runServices(cmd *cobra.Command, opts *serveOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	cfg := appInstance.Config()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	op, err := appInstance.Operator()
	if err != nil {
		return fmt.Errorf("build operator: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("component stopped with error", zap.String("component", name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	if opts.scheduler {
		if cfg.Scheduler.RecoverOnStart {
			if _, err := op.RecoverLocks(ctx); err != nil {
				return err
			}
		}
		sched, err := appInstance.Scheduler()
		if err != nil {
			return fmt.Errorf("build scheduler: %w", err)
		}
		spawn("scheduler", sched.Run)
	}
	if opts.workers {
		d, err := appInstance.Dispatcher(opts.identities...)
		if err != nil {
			return fmt.Errorf("build dispatcher: %w", err)
		}
		logger.Info("dispatcher started", zap.Strings("identities", d.Identities()))
		spawn("dispatcher", d.Run)
	}
	if opts.api {
		port := opts.port
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           appInstance.APIServer(op).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		spawn("http", func(ctx context.Context) error {
			return serveHTTP(ctx, srv, logger)
		})
	}

	wg.Wait()
	logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func serveHTTP(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
