package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/TeamWiseflow/wiseflow-go/pkg/config"
	"github.com/TeamWiseflow/wiseflow-go/pkg/connector"
	"github.com/TeamWiseflow/wiseflow-go/pkg/connector/github"
	"github.com/TeamWiseflow/wiseflow-go/pkg/connector/web"
	"github.com/TeamWiseflow/wiseflow-go/pkg/engine"
	"github.com/TeamWiseflow/wiseflow-go/pkg/events"
	"github.com/TeamWiseflow/wiseflow-go/pkg/fetch"
	"github.com/TeamWiseflow/wiseflow-go/pkg/mining"
	"github.com/TeamWiseflow/wiseflow-go/pkg/observability"
	"github.com/TeamWiseflow/wiseflow-go/pkg/ratelimit"
	"github.com/TeamWiseflow/wiseflow-go/pkg/respcache"
	"github.com/TeamWiseflow/wiseflow-go/pkg/shutdown"
	"github.com/TeamWiseflow/wiseflow-go/pkg/sysprobe"
	"github.com/TeamWiseflow/wiseflow-go/pkg/version"
)

// serviceName identifies this process in telemetry.
const serviceName = "wiseflow"

// NewServeCommand returns the "serve" command: the long-running engine with
// the worker pool, resource probe, connectors, mining manager, and the
// auto-shutdown supervisor all wired together.
func NewServeCommand() *cobra.Command {
	var (
		otlpEndpoint string
		otlpInsecure bool
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion and scheduling engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			// LevelVar lets config reloads retune the log level without
			// rebuilding the handler chain.
			levelVar := new(slog.LevelVar)
			levelVar.Set(observability.ParseLevel(cfg.Logging.Level))

			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				levelVar.Set(slog.LevelDebug)
			}

			providers, initErr := observability.Init(observability.Config{
				ServiceName:    serviceName,
				ServiceVersion: version.Version,
				OTLPEndpoint:   otlpEndpoint,
				OTLPInsecure:   otlpInsecure,
				LogLevel:       levelVar,
				LogJSON:        cfg.Logging.Format == "json",
			})
			if initErr != nil {
				return fmt.Errorf("init observability: %w", initErr)
			}
			defer func() {
				shutdownErr := providers.Shutdown(ctx)
				if shutdownErr != nil {
					fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", shutdownErr)
				}
			}()

			logger := providers.Logger

			thresholds := map[sysprobe.Resource]float64{
				sysprobe.ResourceCPU:    cfg.AutoShutdown.Thresholds.CPUPct,
				sysprobe.ResourceMemory: cfg.AutoShutdown.Thresholds.MemPct,
				sysprobe.ResourceDisk:   cfg.AutoShutdown.Thresholds.DiskPct,
			}

			probe := sysprobe.New(sysprobe.Config{
				HistorySize: cfg.Worker.HistoryLimit,
				Thresholds:  thresholds,
				Logger:      logger,
			})

			bus := events.NewBus(logger)

			monitor := engine.NewMonitor(engine.MonitorConfig{
				HistoryLimit: cfg.Worker.HistoryLimit,
				Bus:          bus,
				Logger:       logger,
			})

			// Resource threshold breaches surface as monitor alerts, which
			// in turn publish resource_warning events.
			probe.OnThreshold(func(resource sysprobe.Resource, value, threshold float64) {
				monitor.ResourceAlert(string(resource), value, threshold)
			})

			pool := engine.NewPool(engine.PoolConfig{
				MinWorkers:     cfg.Worker.Min,
				MaxWorkers:     cfg.Worker.Max,
				AdjustInterval: cfg.Worker.AdjustInterval(),
				Sizer:          probe,
				Bus:            bus,
				Logger:         logger,
			})

			fileStore, storeErr := openStore(cfg, logger)
			if storeErr != nil {
				return storeErr
			}

			governor := buildGovernor(cfg, logger)

			var cache *respcache.Cache

			if cfg.Cache.Enabled {
				cache, err = respcache.Open(cfg.Cache.Dir, cfg.Cache.TTL(), logger)
				if err != nil {
					return fmt.Errorf("open response cache: %w", err)
				}
			}

			redMetrics, redErr := observability.NewREDMetrics(providers.Meter)
			if redErr != nil {
				return fmt.Errorf("init request metrics: %w", redErr)
			}

			collectMetrics, collectErr := observability.NewCollectMetrics(providers.Meter)
			if collectErr != nil {
				return fmt.Errorf("init collection metrics: %w", collectErr)
			}

			client := fetch.NewClient(fetch.Config{
				Timeout:    cfg.Fetch.Timeout(),
				MaxRetries: cfg.Fetch.MaxRetries,
				RetryDelay: cfg.Fetch.RetryDelay(),
				Transport:  observability.NewTransport(nil, providers.Tracer, redMetrics),
				Metrics:    collectMetrics,
			}, governor, cache, logger)

			registry := buildRegistry(cfg, client, governor, logger)

			manager := mining.NewManager(mining.Config{
				Store:           fileStore,
				Registry:        registry,
				Pool:            pool,
				Monitor:         monitor,
				Bus:             bus,
				Metrics:         collectMetrics,
				Logger:          logger,
				ConnectorConfig: connectorConfigMaps(cfg),
			})

			supervisor := shutdown.New(shutdown.Config{
				Enabled:         cfg.AutoShutdown.Enabled,
				IdleTimeout:     cfg.AutoShutdown.IdleTimeout(),
				CheckInterval:   cfg.AutoShutdown.CheckInterval(),
				CompletionWait:  cfg.AutoShutdown.Completion.Wait(),
				GracefulTimeout: cfg.AutoShutdown.GracefulTimeout(),
				Thresholds:      thresholds,
				Sampler:         probe,
				Pool:            pool,
				Bus:             bus,
				Store:           fileStore,
				Logger:          logger,
			})

			probe.Start(ctx)
			pool.Start(ctx)
			supervisor.Start(ctx)
			supervisor.HandleSignals(ctx)

			resumed, resumeErr := manager.ResumeActive(ctx)
			if resumeErr != nil {
				logger.Warn("resume persisted tasks", slog.String("error", resumeErr.Error()))
			} else if resumed > 0 {
				logger.Info("resumed persisted tasks", slog.Int("count", resumed))
			}

			configPath, _ := cmd.Flags().GetString("config")
			if configPath != "" {
				watchErr := config.Watch(ctx, configPath, logger, func(next *config.Config) {
					levelVar.Set(observability.ParseLevel(next.Logging.Level))
					logger.Info("config reloaded", slog.String("log_level", next.Logging.Level))
				})
				if watchErr != nil {
					logger.Warn("config watch unavailable", slog.String("error", watchErr.Error()))
				}
			}

			logger.Info("engine started",
				slog.String("version", version.Version),
				slog.Int("workers_min", cfg.Worker.Min),
				slog.Int("workers_max", cfg.Worker.Max),
				slog.Bool("auto_shutdown", cfg.AutoShutdown.Enabled),
			)

			// The supervisor owns process exit; we hold here until the
			// command context is cancelled.
			<-ctx.Done()

			return nil
		},
	}

	serveCmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP gRPC collector endpoint (empty disables export)")
	serveCmd.Flags().BoolVar(&otlpInsecure, "otlp-insecure", false, "disable TLS on the OTLP connection")

	return serveCmd
}

// buildGovernor assembles the shared rate-limit governor from the default
// budget and the per-domain overrides.
func buildGovernor(cfg *config.Config, logger *slog.Logger) *ratelimit.Governor {
	opts := []ratelimit.Option{
		ratelimit.WithDefaults(cfg.RateLimit.DefaultPerMinute, cfg.RateLimit.DefaultCooldown()),
	}

	if logger != nil {
		opts = append(opts, ratelimit.WithLogger(logger))
	}

	for domain, limit := range cfg.RateLimit.PerDomain {
		opts = append(opts, ratelimit.WithOverride(domain, limit.PerMinute, limit.Cooldown()))
	}

	return ratelimit.NewGovernor(opts...)
}

// buildRegistry installs one factory per supported source family. Factories
// receive the per-family raw config from the mining manager and close over
// the shared clients.
func buildRegistry(cfg *config.Config, client *fetch.Client, governor *ratelimit.Governor, logger *slog.Logger) *connector.Registry {
	registry := connector.NewRegistry()

	registry.Register(web.Family, func(raw map[string]any) (connector.Connector, error) {
		return web.New(web.Config{
			Concurrency: cfg.Connector[web.Family].Concurrency,
			MaxRetries:  cfg.Fetch.MaxRetries,
			RetryDelay:  cfg.Fetch.RetryDelay(),
			Raw:         raw,
			Logger:      logger,
		}, nil, governor), nil
	})

	registry.Register(github.Family, func(raw map[string]any) (connector.Connector, error) {
		conCfg := cfg.Connector[github.Family]

		return github.New(github.Config{
			APIBase:    conCfg.APIBase,
			Token:      conCfg.APIKey,
			MaxRetries: cfg.Fetch.MaxRetries,
			RetryDelay: cfg.Fetch.RetryDelay(),
			Raw:        raw,
			Logger:     logger,
		}, client), nil
	})

	return registry
}

// connectorConfigMaps converts the typed connector config into the raw
// per-family maps handed to registry factories.
func connectorConfigMaps(cfg *config.Config) map[string]map[string]any {
	out := make(map[string]map[string]any, len(cfg.Connector))

	for family, conCfg := range cfg.Connector {
		raw := map[string]any{}

		if conCfg.Concurrency > 0 {
			raw["concurrency"] = conCfg.Concurrency
		}

		if conCfg.APIKey != "" {
			raw["api_key"] = conCfg.APIKey
		}

		if conCfg.APIBase != "" {
			raw["api_base"] = conCfg.APIBase
		}

		out[family] = raw
	}

	return out
}
