package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/whaletide/whaletide/internal/adapters"
	"github.com/whaletide/whaletide/internal/app"
	"github.com/whaletide/whaletide/internal/config"
	"github.com/whaletide/whaletide/internal/dedup"
	"github.com/whaletide/whaletide/internal/engine"
	httpapi "github.com/whaletide/whaletide/internal/interfaces/http"
	"github.com/whaletide/whaletide/internal/intel"
	"github.com/whaletide/whaletide/internal/metrics"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/price"
	"github.com/whaletide/whaletide/internal/sentiment"
	"github.com/whaletide/whaletide/internal/store"
)

var version = "dev"

var (
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
)

func main() {
	root := &cobra.Command{
		Use:   "whaletide",
		Short: "Real-time multi-chain whale transaction intelligence",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config YAML (optional)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs instead of console format")

	root.AddCommand(runCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !flagLogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("whaletide", version)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the whale intelligence pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			// .env is optional; explicit environment always wins.
			_ = godotenv.Load()

			cfg, err := loadConfig()
			if err != nil {
				log.Error().Err(err).Msg("Configuration invalid")
				os.Exit(1)
			}
			return run(cfg)
		},
	}
}

func loadConfig() (*config.Config, error) {
	if flagConfig == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(flagConfig)
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Address intelligence: seeded table, optionally refreshed from the
	// warehouse snapshot.
	ais := intel.NewSnapshotStore()
	ais.Add(intel.Seed()...)

	var db *sqlx.DB
	if dsn := cfg.Postgres.DSN(); dsn != "" {
		var err error
		db, err = sqlx.Connect("postgres", dsn)
		if err != nil {
			log.Warn().Err(err).Msg("Warehouse unreachable, running on seeded intelligence only")
		} else {
			defer db.Close()
			if records, err := intel.LoadSnapshot(ctx, db); err == nil {
				ais.Replace(records)
				log.Info().Int("records", len(records)).Msg("Address intelligence snapshot loaded")
			} else {
				log.Warn().Err(err).Msg("Snapshot load failed, keeping seeded intelligence")
			}
		}
	}

	oracle := price.NewHTTPOracle(cfg.Price.Endpoint, cfg.Price.TTL())

	var opts []engine.Option
	if cfg.Enrichment.Endpoint != "" {
		var cache intel.EnrichCache
		if cfg.Redis.Addr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
			cache = intel.NewRedisEnrichCache(client, time.Duration(cfg.Redis.TTLHours)*time.Hour)
		} else {
			cache = intel.NewMemoryEnrichCache(time.Duration(cfg.Redis.TTLHours) * time.Hour)
		}
		enricher := engine.NewHTTPEnricher(cfg.Enrichment.Endpoint, cfg.Enrichment.APIKey(), cfg.Enrichment.Timeout())
		opts = append(opts, engine.WithEnricher(enricher, cache))
	}
	if db != nil {
		timeout := time.Duration(cfg.Postgres.QueryTimeout) * time.Second
		opts = append(opts, engine.WithWarehouse(engine.NewSQLWarehouse(db, timeout)))
	}

	eng := engine.New(ais, oracle, cfg, opts...)
	st := store.New(cfg.Store.MaxEntries, cfg.Retention())
	dd := dedup.New()
	pipeline := app.NewPipeline(1024, dd, eng, st, m)
	agg := sentiment.New(st, cfg.SentimentWindow(),
		time.Duration(cfg.Sentiment.TickSeconds)*time.Second, cfg.Sentiment.MinTransactions)

	supervisor := app.NewSupervisor(cfg.Supervisor, m)

	handlers := &httpapi.Handlers{
		Store:             st,
		Dedup:             dd,
		Agg:               agg,
		Metrics:           m,
		MinTransactionUSD: cfg.Thresholds.GlobalUSDThreshold,
		Started:           time.Now(),
		Version:           version,
	}

	adapterList := buildAdapters(cfg, oracle)
	for _, a := range adapterList {
		name := a.Name()
		a.ObserveDrops(func() { m.EventsDropped.WithLabelValues(name).Inc() })
	}
	handlers.AdapterStats = func() map[string]adapters.Stats {
		out := make(map[string]adapters.Stats, len(adapterList))
		for _, a := range adapterList {
			out[a.Name()] = a.Stats()
		}
		return out
	}
	handlers.AdapterHealth = supervisor.Health

	server, err := httpapi.NewServer(cfg.HTTP, handlers)
	if err != nil {
		log.Error().Err(err).Msg("HTTP server setup failed")
		os.Exit(1)
	}

	core := []app.Task{
		{Name: "pipeline", Run: pipeline.Run},
		{Name: "sweepers", Run: func(ctx context.Context) error {
			return pipeline.RunSweepers(ctx, time.Duration(cfg.Store.SweepSeconds)*time.Second, cfg.Retention())
		}},
		{Name: "sentiment", Run: agg.Run},
		{Name: "http", Run: server.Run},
	}
	if db != nil {
		warehouse := db
		core = append(core, app.Task{Name: "intel-refresh", Run: func(ctx context.Context) error {
			intel.RefreshLoop(ctx, warehouse, ais, 15*time.Minute)
			return ctx.Err()
		}})
	}

	log.Info().Str("version", version).Int("adapters", len(adapterList)).Msg("whaletide starting")
	err = supervisor.Run(ctx, core, adapterList, pipeline.Events())

	app.WriteSummary(os.Stdout, st, dd)

	if err != nil && ctx.Err() == nil {
		if errors.Is(err, app.ErrAllAdaptersDegraded) {
			log.Error().Msg("No event sources left, exiting")
			os.Exit(2)
		}
		return err // core failure: cobra prints it, process exits 1
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

// buildAdapters instantiates every enabled adapter from configuration.
func buildAdapters(cfg *config.Config, oracle price.Oracle) []adapters.Adapter {
	threshold := cfg.Thresholds.GlobalUSDThreshold
	var list []adapters.Adapter

	if ac, ok := cfg.Adapters["ethereum"]; ok && ac.Enabled {
		list = append(list, adapters.NewEVMScanner("ethereum", model.SourceEthPoll, "ethereum", ac, cfg.Watchlists.Ethereum, oracle, threshold))
	}
	if ac, ok := cfg.Adapters["polygon"]; ok && ac.Enabled {
		list = append(list, adapters.NewEVMScanner("polygon", model.SourcePolygonPoll, "polygon", ac, cfg.Watchlists.Polygon, oracle, threshold))
	}
	if ac, ok := cfg.Adapters["solana_ws"]; ok && ac.Enabled {
		list = append(list, adapters.NewSolanaWS(ac, cfg.Watchlists.Solana, oracle, threshold))
	}
	if ac, ok := cfg.Adapters["solana_poll"]; ok && ac.Enabled {
		list = append(list, adapters.NewSolanaPoller(ac, cfg.Watchlists.Solana, oracle, threshold))
	}
	if ac, ok := cfg.Adapters["xrp_ws"]; ok && ac.Enabled {
		list = append(list, adapters.NewXRPWS(ac, oracle, threshold))
	}
	if ac, ok := cfg.Adapters["whale_alert"]; ok && ac.Enabled {
		list = append(list, adapters.NewWhaleAlertWS(ac, threshold))
	}
	return list
}
