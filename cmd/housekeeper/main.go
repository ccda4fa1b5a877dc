package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_queue/internal/config"
	"github.com/austindbirch/harbor_queue/internal/db"
	"github.com/austindbirch/harbor_queue/internal/health"
	"github.com/austindbirch/harbor_queue/internal/housekeeper"
	"github.com/austindbirch/harbor_queue/internal/housekeeper/processors"
	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/metrics"
	"github.com/austindbirch/harbor_queue/internal/queue/broker"
	"github.com/austindbirch/harbor_queue/internal/stats"
	"github.com/austindbirch/harbor_queue/internal/tracing"
)

const (
	serviceName         = "harbor-housekeeper"
	consumerGroup       = "housekeeper"
	reprocessingGroup   = "housekeeper-reprocessing"
	shutdownGracePeriod = 5 * time.Second
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(serviceName).WithLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultService(serviceName)

	if err := run(cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("housekeeper failed")
	}
	logger.Plain().Info("housekeeper service stopped")
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

	pool, err := db.Connect(ctx, cfg.DSN(), db.Options{AppName: serviceName})
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	if cfg.Housekeeper.EnsureSchema {
		if err := processors.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		logger.Plain().Info("database schema ensured")
	}

	b, err := broker.New(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	svc, err := buildPipeline(cfg, b, pool, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	srv := newHTTPServer(cfg.HTTPPort, reg, pool, map[string]health.Check{
		"housekeeper": svc.Running,
	})

	if err := svc.Start(ctx); err != nil {
		svc.Stop()
		return fmt.Errorf("start housekeeper: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", srv.Addr).Info("housekeeper HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Stats.Enabled {
		printer := stats.NewPrinter(logger, cfg.Stats.PrintInterval)
		printer.Register(svc.Stats(), svc.Reprocessing().Stats())
		g.Go(func() error {
			printer.Run(gctx)
			return nil
		})
	}
	if m := b.Monitor(b.Topic(cfg.Housekeeper.Topic), b.Topic(cfg.Housekeeper.ReprocessingTopic)); m != nil {
		g.Go(func() error {
			m.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("shutting down housekeeper service")
		svc.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Plain().WithField("queue", b.Type()).Info("housekeeper service started")
	return g.Wait()
}

// buildPipeline wires the housekeeper and reprocessing consumers to the broker
func buildPipeline(cfg config.Config, b *broker.Broker, execer housekeeper.Execer, logger *logging.Logger) (*housekeeper.Service, error) {
	registry, err := housekeeper.NewRegistry(processors.All(execer, logger)...)
	if err != nil {
		return nil, err
	}
	notifier, err := buildNotifier(cfg, b, execer, logger)
	if err != nil {
		return nil, err
	}

	topic := b.Topic(cfg.Housekeeper.Topic)
	c, err := b.Consumer(topic, consumerGroup)
	if err != nil {
		return nil, err
	}
	reprocessingProducer, err := b.Producer(cfg.Housekeeper.ReprocessingTopic)
	if err != nil {
		return nil, err
	}
	reprocessingConsumer, err := b.Consumer(reprocessingProducer.DefaultTopic(), reprocessingGroup)
	if err != nil {
		return nil, err
	}

	return housekeeper.NewService(housekeeper.Config{
		Topic:                   topic,
		ReprocessingTopic:       reprocessingProducer.DefaultTopic(),
		PollInterval:            cfg.Housekeeper.PollInterval,
		TaskProcessingTimeout:   cfg.Housekeeper.TaskProcessingTimeout,
		MaxReprocessingAttempts: cfg.Housekeeper.MaxReprocessingAttempts,
		TaskReprocessingDelay:   cfg.Housekeeper.TaskReprocessingDelay,
		DisabledTaskTypes:       disabledTypes(cfg.Housekeeper.DisabledTaskTypes, logger),
		StopTimeout:             cfg.StopTimeout,
	}, housekeeper.Deps{
		Registry:             registry,
		Notifier:             notifier,
		Consumer:             c,
		ReprocessingConsumer: reprocessingConsumer,
		ReprocessingProducer: reprocessingProducer,
		Admin:                b.Admin(),
		Logger:               logger,
	})
}

// buildNotifier always logs; it also publishes and stores failures when configured
func buildNotifier(cfg config.Config, b *broker.Broker, execer housekeeper.Execer, logger *logging.Logger) (housekeeper.MultiNotifier, error) {
	notifiers := housekeeper.MultiNotifier{housekeeper.NewLogNotifier(logger)}
	if cfg.Housekeeper.NotificationTopic != "" {
		p, err := b.Producer(cfg.Housekeeper.NotificationTopic)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, housekeeper.NewTopicNotifier(p, p.DefaultTopic()))
	}
	if cfg.Housekeeper.StoreFailures && execer != nil {
		notifiers = append(notifiers, housekeeper.NewPgNotifier(execer))
	}
	return notifiers, nil
}

// disabledTypes converts configured names, skipping unknown ones
func disabledTypes(names []string, logger *logging.Logger) []housekeeper.TaskType {
	var out []housekeeper.TaskType
	for _, name := range names {
		t := housekeeper.TaskType(strings.ToUpper(strings.TrimSpace(name)))
		if !t.Known() {
			logger.Plain().WithField("task_type", name).Warn("ignoring unknown disabled task type")
			continue
		}
		out = append(out, t)
	}
	return out
}

func newHTTPServer(addr string, reg *prometheus.Registry, pinger health.Pinger, checks map[string]health.Check) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pinger, checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
