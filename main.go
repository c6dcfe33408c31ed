package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/api"
	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/engine"
	"futures-signal-bot/internal/journal"
	"futures-signal-bot/internal/loader"
	"futures-signal-bot/internal/locks"
	"futures-signal-bot/internal/tracker"
)

const journalDir = "journal"

func main() {
	configPath := flag.String("config", "", "path to JSON config file (optional, env overrides apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.LoggingConfig)

	cmd := "start"
	if args := flag.Args(); len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "start":
		err = runStart(cfg, logger)
	case "refresh":
		err = runRefresh(cfg, logger, flag.Args()[1:])
	case "health":
		err = runHealth(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [-config file] [start|refresh [symbol [days]]|health]\n", os.Args[0])
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("command failed")
	}
}

// newLogger builds the root zerolog logger from config. Every component
// derives its own logger from this one with a component field.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out *os.File
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("cannot open log file %s, falling back to stdout: %v", cfg.Output, err)
			out = os.Stdout
		} else {
			out = f
		}
	}

	var logger zerolog.Logger
	if cfg.JSONFormat {
		logger = zerolog.New(out)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// runStart wires every component and runs the signal engine until a
// shutdown signal arrives.
func runStart(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.DatabaseConfig.URL, cfg.DatabaseConfig.MaxConns, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisConfig.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Locks fall back to the database path; keep running.
			logger.Warn().Err(err).Str("addr", cfg.RedisConfig.Addr).Msg("redis unreachable, lock fast path disabled")
			rdb = nil
		}
		if rdb != nil {
			defer rdb.Close()
		}
	}

	limiter := binance.NewRateLimiter(cfg.RateConfig.LimitPerMinute, cfg.RateConfig.ThresholdFraction, logger)
	client := binance.NewClient(cfg.BinanceConfig.BaseURL, cfg.BinanceConfig.APIKey, limiter, logger)
	stream := binance.NewKlineStream(cfg.BinanceConfig.WSBaseURL, cfg.EngineConfig.BaseInterval, logger)

	candleRepo := database.NewCandleRepository(db)
	signalRepo := database.NewSignalRepository(db)
	lockRepo := database.NewLockRepository(db)

	ld := loader.New(client, candleRepo,
		cfg.LoaderConfig.Timeframes,
		cfg.LoaderConfig.RefreshHorizonDays,
		cfg.LoaderConfig.ParallelMax,
		logger)

	lockMgr := locks.NewManager(lockRepo, rdb,
		time.Duration(cfg.LocksConfig.TTLHours)*time.Hour, logger)

	jnl, err := journal.Open(journalDir, logger)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer jnl.Close()

	eng := engine.New(*cfg, engine.Deps{
		Client:  client,
		Loader:  ld,
		Locks:   lockMgr,
		Signals: signalRepo,
		Journal: jnl,
		Stream:  stream,
	}, logger)

	trk := tracker.New(cfg.TrackerConfig, signalRepo, ld,
		&markPriceSource{client: client}, lockMgr, logger)
	trk.SetJournal(jnl)
	go trk.Run(ctx)

	if cfg.ServerConfig.Enabled {
		srv := api.NewServer(cfg.ServerConfig, limiter, signalRepo, eng, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	logger.Info().
		Str("base_interval", cfg.EngineConfig.BaseInterval).
		Int("weight_budget", cfg.RateConfig.WeightBudget()).
		Msg("starting signal engine")
	return eng.Run(ctx)
}

// runRefresh backfills candle history for one symbol (BTCUSDT by
// default) and exits. Useful after downtime or when onboarding a new
// deployment.
func runRefresh(cfg *config.Config, logger zerolog.Logger, args []string) error {
	symbol := "BTCUSDT"
	days := cfg.LoaderConfig.RefreshHorizonDays
	if len(args) > 0 {
		symbol = strings.ToUpper(args[0])
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid day count %q", args[1])
		}
		days = n
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.DatabaseConfig.URL, cfg.DatabaseConfig.MaxConns, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	limiter := binance.NewRateLimiter(cfg.RateConfig.LimitPerMinute, cfg.RateConfig.ThresholdFraction, logger)
	client := binance.NewClient(cfg.BinanceConfig.BaseURL, cfg.BinanceConfig.APIKey, limiter, logger)
	ld := loader.New(client, database.NewCandleRepository(db),
		cfg.LoaderConfig.Timeframes, days, cfg.LoaderConfig.ParallelMax, logger)

	logger.Info().Str("symbol", symbol).Int("days", days).Msg("refreshing candle history")
	if err := ld.RefreshRecent(ctx, symbol); err != nil {
		return fmt.Errorf("refreshing %s: %w", symbol, err)
	}
	logger.Info().Str("symbol", symbol).Msg("refresh complete")
	return nil
}

// runHealth checks the database and the exchange REST endpoint, and
// exits non-zero when either is unreachable.
func runHealth(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := database.New(ctx, cfg.DatabaseConfig.URL, cfg.DatabaseConfig.MaxConns, logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	limiter := binance.NewRateLimiter(cfg.RateConfig.LimitPerMinute, cfg.RateConfig.ThresholdFraction, logger)
	client := binance.NewClient(cfg.BinanceConfig.BaseURL, cfg.BinanceConfig.APIKey, limiter, logger)
	symbols, err := client.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("exchange: %w", err)
	}

	logger.Info().Int("tradable_symbols", len(symbols)).Msg("healthy")
	return nil
}

// markPriceSource adapts the REST premium-index endpoint to the price
// feed the tracker polls between candle closes.
type markPriceSource struct {
	client *binance.Client
}

func (m *markPriceSource) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	mp, err := m.client.PremiumIndex(ctx, symbol)
	if err != nil {
		return 0, err
	}
	p, err := strconv.ParseFloat(mp.MarkPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing mark price %q: %w", mp.MarkPrice, err)
	}
	return p, nil
}
