package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/mixbridge/internal/checkpoint"
	"github.com/lsm/mixbridge/internal/config"
	"github.com/lsm/mixbridge/internal/connector"
	"github.com/lsm/mixbridge/internal/mixpanel"
	"github.com/lsm/mixbridge/internal/observability"
	"github.com/lsm/mixbridge/internal/pipeline"
	"github.com/lsm/mixbridge/internal/ratelimit"
	kafkasink "github.com/lsm/mixbridge/internal/sink/kafka"
	"github.com/lsm/mixbridge/internal/task"
	"github.com/lsm/mixbridge/internal/tracing"
)

const serviceName = "mixbridge"

// deps are the process-wide collaborators shared by every pipeline built
// over the process lifetime.
type deps struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
	health  *observability.HealthServer
	limits  *ratelimit.Registry
}

func run(args []string) error {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := loadDotEnv(".env"); err != nil {
		return err
	}

	logger := observability.NewLogger(serviceName, observability.GetLogLevel(*logLevel))
	slog.SetDefault(logger)

	configPath := config.PathFromEnv()
	loader := config.NewLoader(configPath, logger)
	def, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := def.Validate(); err != nil {
		return fmt.Errorf("invalid connector definition %s: %w", configPath, err)
	}

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig(serviceName, version, def.Name), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	d := deps{
		logger:  logger,
		tracer:  tracer,
		metrics: observability.NewMetrics(reg),
		health:  observability.NewHealthServer(),
		limits:  ratelimit.New(),
	}

	metricsAddr := config.MetricsAddrFromEnv()
	httpServer := &http.Server{Addr: metricsAddr, Handler: d.health.ServeMux(reg)}
	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reloads := make(chan *config.Definition, 1)
	loader.OnChange(func(next *config.Definition) {
		if _, err := next.Validate(); err != nil {
			field := "-"
			if ce, ok := connector.AsConfigError(err); ok {
				field = ce.Key
			}
			logger.Error("new connector definition rejected, keeping current task", "field", field, "error", err)
			return
		}
		// keep only the newest pending definition
		select {
		case <-reloads:
		default:
		}
		reloads <- next
	})
	go func() {
		if err := loader.Watch(ctx); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	runErr := supervise(ctx, def, reloads, d)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete", "connector", loader.Current().Name)
	return runErr
}

// supervise runs a pipeline for def and replaces it whenever a new
// definition arrives on reloads. A definition that fails to build leaves
// the current pipeline running. Returns when ctx is cancelled.
func supervise(ctx context.Context, def *config.Definition, reloads <-chan *config.Definition, d deps) error {
	p, err := buildPipeline(ctx, def, d)
	if err != nil {
		return fmt.Errorf("build pipeline %s: %w", def.Name, err)
	}

	for {
		d.logger.Info("starting connector", "name", def.Name)
		done := make(chan error, 1)
		go func(p *pipeline.Pipeline) { done <- p.Run(ctx) }(p)

		var next *pipeline.Pipeline
		for next == nil {
			select {
			case err := <-done:
				shutdownPipeline(p, d.logger)
				return err
			case nd := <-reloads:
				np, err := buildPipeline(ctx, nd, d)
				if err != nil {
					d.logger.Error("could not build pipeline for new definition, keeping current task",
						"name", nd.Name, "error", err)
					continue
				}
				d.logger.Info("connector definition changed, restarting task", "old", def.Name, "new", nd.Name)
				def, next = nd, np
			}
		}

		p.Stop()
		if err := <-done; err != nil {
			d.logger.Error("pipeline exited with error", "error", err)
		}
		shutdownPipeline(p, d.logger)
		p = next
	}
}

func shutdownPipeline(p *pipeline.Pipeline, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Error("pipeline shutdown error", "error", err)
	}
}

// buildPipeline wires the export client, task, Kafka sink and checkpoint
// store for one definition.
func buildPipeline(ctx context.Context, def *config.Definition, d deps) (*pipeline.Pipeline, error) {
	cfg, err := def.Validate()
	if err != nil {
		return nil, err
	}
	logger := d.logger.With("connector", def.Name)

	limiter := d.limits.For(cfg.APIKey, cfg.RequestsPerHour)
	logger.Debug("export rate limit",
		"requests_per_hour", cfg.RequestsPerHour,
		"limited_projects", d.limits.Len(),
	)
	client, err := mixpanel.NewClient(mixpanel.Config{
		Endpoint: cfg.Endpoint,
		Limiter:  limiter,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("export client: %w", err)
	}
	client.SetTracer(d.tracer)

	store, err := checkpoint.Open(ctx, def.CheckpointOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}

	sk, err := kafkasink.NewSink(kafkasink.Config{
		Cluster:     &def.Kafka,
		CloudEvents: cfg.Envelope == connector.EnvelopeCloudEvents,
		EventSource: serviceName + "/" + def.Name,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sk.SetTracer(d.tracer)

	t := task.New(cfg, client, logger,
		task.WithCheckpointReader(store),
		task.WithTracer(d.tracer),
	)

	return pipeline.New(pipeline.Config{Name: def.Name}, t, sk, store,
		pipeline.WithLogger(d.logger),
		pipeline.WithMetrics(d.metrics),
		pipeline.WithHealth(d.health),
		pipeline.WithTracer(d.tracer),
	), nil
}

// loadDotEnv loads path into the environment if it exists. Variables that
// are already set win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
