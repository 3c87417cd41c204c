package main

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"subflow/internal/api"
	"subflow/internal/backoff"
	httphandler "subflow/internal/handlers/http"
	"subflow/internal/handlers/shell"
	"subflow/internal/retry"
	"subflow/internal/scheduler"
	"subflow/internal/worker"
)

func serveCmd(a *app) *cobra.Command {
	var (
		addr    string
		workers int
		poll    time.Duration
		debug   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the dispatcher and the cron tick engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if addr != "" {
				cfg.Addr = addr
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			if poll > 0 {
				cfg.Poll = poll
			}
			cfg.Debug = cfg.Debug || debug

			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()

			if n, err := repo.RecoverExpired(context.Background(), time.Now().UTC()); err == nil {
				log.Info().Int("recovered", n).Msg("cleared expired leases")
			}

			workerID := a.workerID()

			// Handlers registry
			registry := worker.NewRegistry(map[string]worker.Handler{
				"shell": shell.Shell{},
				"http":  httphandler.HTTP{},
			})

			opts := []worker.Option{worker.WithPollInterval(cfg.Poll)}
			if cfg.DispatchRate > 0 {
				burst := int(math.Max(1, math.Ceil(cfg.DispatchRate)))
				opts = append(opts, worker.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)))
			}
			rc := retry.NewController(repo, backoff.NewExponential(cfg.RetryInitial, cfg.RetryMax))
			pool := worker.NewPool(repo, registry, rc, workerID, cfg.Workers, opts...)
			ticker := scheduler.NewService(repo, workerID, cfg.CronTick)

			srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(repo, cfg.Debug), ReadHeaderTimeout: 10 * time.Second}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error { return pool.Run(ctx) })
			g.Go(func() error { return ticker.Start(ctx) })
			g.Go(func() error {
				log.Info().Str("addr", cfg.Addr).Str("worker_id", workerID).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP bind address")
	cmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent task executions")
	cmd.Flags().DurationVar(&poll, "poll", 0, "poll interval for the task queue")
	cmd.Flags().BoolVar(&debug, "debug", false, "expose pprof under /debug/pprof")
	return cmd
}
