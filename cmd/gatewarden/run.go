package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gatewarden-hq/gatewarden/pkg/admission"
	"gatewarden-hq/gatewarden/pkg/admission/breaker"
	"gatewarden-hq/gatewarden/pkg/admission/policy"
	"gatewarden-hq/gatewarden/pkg/admission/store"
	"gatewarden-hq/gatewarden/pkg/admission/tier"
	"gatewarden-hq/gatewarden/pkg/admission/whitelist"
	"gatewarden-hq/gatewarden/pkg/config"
	"gatewarden-hq/gatewarden/pkg/server"
	"gatewarden-hq/gatewarden/pkg/telemetry/health"
	"gatewarden-hq/gatewarden/pkg/telemetry/logging"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Gatewarden admission engine",
	Long: `Start the Gatewarden admission engine with the specified configuration.

The engine listens on the configured address, answers admission checks on
/v1/check, accepts outcome reports on /v1/outcome and exposes the
administrative surface under /admin.

Examples:
  # Start with default config
  gatewarden run

  # Start with custom config
  gatewarden run --config /etc/gatewarden/config.yaml

  # Override listen address
  gatewarden run --listen 0.0.0.0:8080

  # Validate config without starting
  gatewarden run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply flag overrides
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:     cfg.Telemetry.Logging.Level,
		Format:    cfg.Telemetry.Logging.Format,
		AddSource: cfg.Telemetry.Logging.AddSource,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer st.Close()
	logger.Info("state store ready", "backend", cfg.Store.Backend)

	tiers, err := tier.NewRegistry(st, tierTable(cfg.Engine.Tiers))
	if err != nil {
		return fmt.Errorf("invalid tier configuration: %w", err)
	}

	wl, err := whitelist.NewRegistry(ctx, st, nil, logger, whitelistSeeds(cfg.Engine.Whitelist))
	if err != nil {
		return fmt.Errorf("failed to initialize whitelist: %w", err)
	}

	metricsEnabled := cfg.Telemetry.MetricsEnabled == nil || *cfg.Telemetry.MetricsEnabled
	var metrics *admission.Metrics
	if metricsEnabled {
		metrics = admission.NewMetrics()
	}

	controller, err := admission.NewController(engineConfig(cfg.Engine), admission.ControllerDeps{
		Store:     st,
		Logger:    logger,
		Metrics:   metrics,
		Tiers:     tiers,
		Whitelist: wl,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble admission controller: %w", err)
	}

	// Other instances mutate the shared whitelist through their own admin
	// surfaces; periodic refresh keeps this instance's snapshot converging.
	go refreshWhitelist(ctx, wl, cfg.Engine.WhitelistRefreshInterval, logger)

	var adjuster *policy.Adjuster
	if cfg.Engine.Adjustment.Enabled {
		adjuster, err = policy.NewAdjuster(
			tiers,
			downstreamSource(controller.Stats()),
			policy.Thresholds{
				CPUHigh:       cfg.Engine.Adjustment.CPUHigh,
				ErrorRateHigh: cfg.Engine.Adjustment.ErrorRateHigh,
				ShrinkFactor:  cfg.Engine.Adjustment.ShrinkFactor,
				FloorFraction: cfg.Engine.Adjustment.FloorFraction,
			},
			cfg.Engine.Adjustment.Schedule,
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to configure tier adjustment: %w", err)
		}
		if err := adjuster.Start(ctx); err != nil {
			return fmt.Errorf("failed to start tier adjustment: %w", err)
		}
		defer adjuster.Stop()
	}

	// Hot reload applies tier table changes without a restart. Scope and
	// store changes still need one; they are logged and skipped.
	go func() {
		err := config.Watch(ctx, cfgFile, func(next *config.Config) {
			table := tierTable(next.Engine.Tiers)
			if err := tiers.SwapTable(table); err != nil {
				logger.Error("rejected reloaded tier table", "error", err)
				return
			}
			// The adjuster derives from its own base table; without this
			// its next tick would republish values from the old config.
			if adjuster != nil {
				if err := adjuster.SetBase(table); err != nil {
					logger.Error("rejected reloaded tier table for adjustment", "error", err)
				}
			}
			logger.Info("tier table reloaded from config")
		}, func(err error) {
			logger.Warn("config reload failed", "error", err)
		})
		if err != nil {
			logger.Warn("config watching unavailable", "error", err)
		}
	}()

	logger.Info("starting gatewarden",
		"version", Version,
		"listen", cfg.Server.ListenAddress)

	checker := health.New(0)
	checker.Register("store", health.StoreCheck(st))

	srv := server.New(cfg.Server, metricsEnabled, controller, checker, logger)
	return srv.Start(ctx)
}

// openStore selects the state backend.
func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendSQLite:
		return store.NewSQLiteStoreWithConfig(store.SQLiteStoreConfig{
			Path:        cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
	case config.BackendRedis:
		return store.NewRedisStore(store.RedisStoreConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxTxRetries: cfg.Redis.MaxTxRetries,
		}), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func tierTable(cfg config.TiersConfig) tier.Table {
	table := tier.Table{
		Default:     cfg.Default,
		Definitions: make(map[string]tier.Config, len(cfg.Definitions)),
	}
	for name, tc := range cfg.Definitions {
		table.Definitions[name] = tier.Config{
			Capacity:       tc.Capacity,
			RefillRate:     tc.RefillRate,
			CostMultiplier: tc.CostMultiplier,
		}
	}
	return table
}

func whitelistSeeds(cfg []config.WhitelistEntryConfig) []whitelist.Entry {
	now := time.Now()
	seeds := make([]whitelist.Entry, 0, len(cfg))
	for _, ec := range cfg {
		entry := whitelist.Entry{
			ID:         uuid.NewString(),
			Identifier: ec.Identifier,
			Kind:       whitelist.Kind(ec.Kind),
			Reason:     ec.Reason,
		}
		if ec.TTL > 0 {
			expires := now.Add(ec.TTL)
			entry.ExpiresAt = &expires
		}
		seeds = append(seeds, entry)
	}
	return seeds
}

func engineConfig(cfg config.EngineConfig) admission.Config {
	return admission.Config{
		Global:             scopeConfig(cfg.Scopes.Global),
		Origin:             scopeConfig(cfg.Scopes.Origin),
		Resource:           scopeConfig(cfg.Scopes.Resource),
		IdentityFailPolicy: admission.FailPolicy(cfg.IdentityFailPolicy),
		BreakerEnabled:     cfg.Breaker.Enabled == nil || *cfg.Breaker.Enabled,
		Breaker: breaker.Config{
			ErrorThreshold: cfg.Breaker.ErrorThreshold,
			MinSamples:     cfg.Breaker.MinSamples,
			Window:         cfg.Breaker.Window,
			Cooldown:       cfg.Breaker.Cooldown,
		},
	}
}

func scopeConfig(cfg config.ScopeConfig) admission.ScopeConfig {
	return admission.ScopeConfig{
		Enabled:    cfg.Enabled == nil || *cfg.Enabled,
		Strategy:   admission.Strategy(cfg.Strategy),
		Capacity:   cfg.Capacity,
		RefillRate: cfg.RefillRate,
		Window:     cfg.Window,
		FailPolicy: admission.FailPolicy(cfg.FailPolicy),
	}
}

func refreshWhitelist(ctx context.Context, wl *whitelist.Registry, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wl.Refresh(ctx); err != nil {
				logger.Warn("whitelist refresh failed", "error", err)
			}
		}
	}
}

// downstreamSource derives the adjustment error-rate signal from reported
// downstream outcomes, sampled as a delta between adjustment runs. CPU and
// latency stay zero; the engine has no in-process view of the backend's
// host metrics.
func downstreamSource(stats *admission.StatsRecorder) policy.MetricsSource {
	var prevOK, prevFailed uint64
	return policy.SourceFunc(func(ctx context.Context) (policy.SystemMetrics, error) {
		snap := stats.Snapshot(admission.ScopeNone)
		okDelta := snap.DownstreamSuccesses - prevOK
		failDelta := snap.DownstreamFailures - prevFailed
		prevOK, prevFailed = snap.DownstreamSuccesses, snap.DownstreamFailures

		var m policy.SystemMetrics
		if total := okDelta + failDelta; total > 0 {
			m.ErrorRate = float64(failDelta) / float64(total)
		}
		return m, nil
	})
}
