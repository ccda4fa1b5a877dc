package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_queue/internal/config"
	"github.com/austindbirch/harbor_queue/internal/db"
	"github.com/austindbirch/harbor_queue/internal/health"
	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/metrics"
	"github.com/austindbirch/harbor_queue/internal/queue/broker"
	"github.com/austindbirch/harbor_queue/internal/stats"
	"github.com/austindbirch/harbor_queue/internal/tracing"
	"github.com/austindbirch/harbor_queue/internal/transportapi"
)

const (
	serviceName         = "harbor-transport-api"
	shutdownGracePeriod = 5 * time.Second
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(serviceName).WithLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultService(serviceName)

	if err := run(cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("transport api failed")
	}
	logger.Plain().Info("transport api service stopped")
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.ConfigFromEnv(serviceName))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Plain().WithError(err).Warn("tracing shutdown failed")
		}
	}()

	pool, err := db.Connect(ctx, cfg.DSN(), db.Options{AppName: serviceName, MaxConns: int32(min(cfg.RPC.CallbackThreads, 50))})
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	b, err := broker.New(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	responder, err := transportapi.NewResponder(b, cfg.RPC, cfg.StopTimeout, logger)
	if err != nil {
		return err
	}
	if err := responder.Init(ctx, transportapi.NewValidator(pool)); err != nil {
		return fmt.Errorf("start responder: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, map[string]health.Check{
		"responder": responder.Running,
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", srv.Addr).Info("transport api HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Stats.Enabled {
		printer := stats.NewPrinter(logger, cfg.Stats.PrintInterval)
		printer.Register(responder.Stats())
		g.Go(func() error {
			printer.Run(gctx)
			return nil
		})
	}
	if m := b.Monitor(b.Topic(cfg.RPC.RequestTopic)); m != nil {
		g.Go(func() error {
			m.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("shutting down transport api service")
		responder.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Plain().WithField("queue", b.Type()).Info("transport api service started")
	return g.Wait()
}
