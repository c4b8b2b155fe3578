package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/supervisor"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/jsoperator"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/operator"
	"github.com/wehubfusion/Daedalus/pkg/source"
	"github.com/wehubfusion/Daedalus/pkg/transport"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured operator until its inputs close",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if len(cfg.Operators) == 0 {
			return errors.New("no operators configured")
		}
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required to run operators")
		}

		logger, err := cfg.Log.NewLogger()
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runOperators(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// services bundles the process-wide services shared by all hosts
type services struct {
	interp  *jsoperator.Interpreter
	locator *source.Locator
	tracer  trace.Tracer
	metrics metrics.Recorder
}

func runOperators(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			SampleRate:  cfg.Sentry.SampleRate,
			Release:     "daedalus@" + Version,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	svc, cleanup, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	conn, err := natsconn.Connect(ctx, &cfg.NATS.ConnectionConfig, logger)
	if err != nil {
		return err
	}
	defer func() { _ = natsconn.Close(conn) }()

	// stopCtx closes every input stream; the supervisors keep draining until
	// each host has reported its terminal event.
	stopCtx, stopAll := context.WithCancel(ctx)
	defer stopAll()
	drainCtx := context.WithoutCancel(ctx)

	g := &errgroup.Group{}
	failures := make([]error, len(cfg.Operators))
	for i, op := range cfg.Operators {
		subjects := transport.Subjects{Prefix: cfg.NATS.SubjectPrefix, NodeID: op.NodeID, OperatorID: op.OperatorID}
		oplog := logger.With(zap.String("node_id", string(op.NodeID)), zap.String("operator_id", string(op.OperatorID)))

		inputs, unsubscribe, err := transport.Subscribe(stopCtx, conn, subjects, transport.SubscribeConfig{
			Buffer:       cfg.NATS.Buffer,
			PendingLimit: cfg.NATS.PendingLimit,
		}, oplog)
		if err != nil {
			stopAll()
			_ = g.Wait()
			return err
		}

		events := operator.NewEventChannel(cfg.NATS.Buffer)
		host, err := jsoperator.NewHost(svc.interp, jsoperator.HostConfig{
			NodeID:     op.NodeID,
			OperatorID: op.OperatorID,
			Source:     op.Source,
			Locator:    svc.locator,
			Tracer:     svc.tracer,
			Metrics:    svc.metrics,
			Logger:     logger,
		}, events, inputs)
		if err != nil {
			_ = unsubscribe()
			stopAll()
			_ = g.Wait()
			return err
		}

		var hub *sentry.Hub
		if cfg.Sentry.DSN != "" {
			hub = sentry.CurrentHub().Clone()
		}
		sup, err := supervisor.New(supervisor.Config{
			NodeID:     op.NodeID,
			OperatorID: op.OperatorID,
			Publisher:  transport.NewEventPublisher(conn, subjects),
			Hub:        hub,
			OnStopAll:  stopAll,
			Logger:     logger,
		})
		if err != nil {
			_ = unsubscribe()
			stopAll()
			_ = g.Wait()
			return err
		}

		g.Go(func() error {
			return host.Run(stopCtx)
		})
		g.Go(func() error {
			defer func() {
				if err := unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
					oplog.Warn("Failed to unsubscribe", zap.Error(err))
				}
			}()
			terminal, err := sup.Forward(drainCtx, events)
			if err != nil {
				return err
			}
			switch ev := terminal.(type) {
			case operator.ErrorEvent:
				failures[i] = fmt.Errorf("operator %s/%s: %w", op.NodeID, op.OperatorID, ev.Err)
			case operator.PanicEvent:
				failures[i] = fmt.Errorf("operator %s/%s: %w", op.NodeID, op.OperatorID, ev)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(failures...)
}

// newServices builds the shared services. The returned cleanup closes them in
// reverse order.
func newServices(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*services, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	svc := &services{}

	if cfg.Tracing.Enabled {
		tp, err := tracing.SetupTracing(ctx, cfg.Tracing.TracingConfig, logger)
		if err != nil {
			return nil, nil, err
		}
		svc.tracer = tracing.OperatorTracer(tp)
		closers = append(closers, func() { _ = tracing.ShutdownTracing(tp.Shutdown, logger) })
	}

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewPrometheus(registry)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	svc.metrics = recorder
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr), zap.String("path", cfg.Metrics.Path))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}

	locator, err := newLocator(cfg.Source, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	svc.locator = locator

	interp, err := jsoperator.NewInterpreter(cfg.Interpreter, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	svc.interp = interp
	closers = append(closers, func() {
		if err := interp.Close(); err != nil {
			logger.Warn("Failed to close interpreter", zap.Error(err))
		}
	})

	return svc, cleanup, nil
}

// newLocator builds a Locator fetching http(s) sources, and azblob sources when
// an Azure connection string is configured
func newLocator(cfg config.SourceConfig, logger *zap.Logger) (*source.Locator, error) {
	httpFetcher := source.DefaultHTTPFetcher(logger)
	httpFetcher.Client = &http.Client{Timeout: cfg.HTTPTimeout}
	httpFetcher.MaxTries = cfg.MaxTries

	fetchers := source.SchemeFetcher{
		"http":  httpFetcher,
		"https": httpFetcher,
	}
	if cfg.AzureConnectionString != "" {
		blob, err := source.NewBlobFetcher(cfg.AzureConnectionString, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob fetcher: %w", err)
		}
		fetchers["azblob"] = blob
	}

	return &source.Locator{
		Fetcher:     fetchers,
		CacheDir:    cfg.CacheDir,
		AlwaysFetch: cfg.AlwaysFetch,
		Logger:      logger,
	}, nil
}
