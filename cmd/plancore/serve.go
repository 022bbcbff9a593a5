package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	plancore "github.com/axion-labs/plancore"
	"github.com/axion-labs/plancore/pkg/api"
	"github.com/axion-labs/plancore/pkg/trigger"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen address (default from PLANCORE_HTTP_ADDR)")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := plancore.NewServices(ctx, nil, nil)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(closeCtx)
	}()
	logger := svc.Logger

	svc.StartWorkers(ctx)

	sched := trigger.NewScheduler(svc.Store, svc, logger)
	if err := sched.Sync(ctx, svc.Schedules.Schedules); err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitValidation
	}
	go sched.Run(ctx, time.Minute)

	if len(svc.Schedules.Watches) > 0 {
		watcher := trigger.NewWatcher(svc.Schedules.Watches, svc, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("watcher stopped", "error", err)
			}
		}()
	}

	var dedup trigger.Dedup
	if svc.Config.RedisAddr != "" {
		dedup = trigger.NewRedisDedup(redis.NewClient(&redis.Options{Addr: svc.Config.RedisAddr}))
	} else {
		dedup = trigger.NewStoreDedup(svc.Store)
	}

	mux := http.NewServeMux()
	mux.Handle("/hooks/", http.StripPrefix("/hooks",
		trigger.NewWebhook(svc.Schedules.Webhooks, svc, dedup, logger)))
	mux.Handle("/", api.NewServer(api.Config{
		Store:     svc.Store,
		Metrics:   svc.Metrics,
		Audit:     svc.Audit,
		JWTSecret: []byte(svc.Config.JWTSecret),
		Logger:    logger,
	}).Handler())

	listen := *addr
	if listen == "" {
		listen = svc.Config.HTTPAddr
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go rollupLoop(ctx, svc)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving", "addr", listen, "queues", svc.Queue.Names())
	_, _ = fmt.Fprintf(stdout, "plancore serving on %s\n", listen)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintln(stderr, err.Error())
			return exitIO
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	svc.Queue.Wait()
	logger.Info("shutdown complete")
	return exitOK
}

// rollupLoop folds the in-memory counters into the daily KPI table once
// an hour, and once more on shutdown so a short-lived server still
// leaves a row behind.
func rollupLoop(ctx context.Context, svc *plancore.Services) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := svc.Metrics.RollupDaily(flushCtx, svc.Store); err != nil {
				svc.Logger.Warn("metrics rollup failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := svc.Metrics.RollupDaily(ctx, svc.Store); err != nil {
				svc.Logger.Warn("metrics rollup failed", "error", err)
			}
		}
	}
}
