package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrihedge/hedgecore/internal/contracts"
	"github.com/agrihedge/hedgecore/internal/gateway"
	"github.com/agrihedge/hedgecore/internal/ledger"
	"github.com/agrihedge/hedgecore/internal/metrics"
	"github.com/agrihedge/hedgecore/internal/oracle"
	"github.com/agrihedge/hedgecore/internal/scheduler"
	"github.com/agrihedge/hedgecore/internal/settlement"
	"github.com/agrihedge/hedgecore/pkg/messaging"
)

type config struct {
	Addr        string        `long:"addr" env:"HEDGE_ADDR" description:"HTTP listen address" default:":8080"`
	DatabaseURL string        `long:"database-url" env:"HEDGE_DATABASE_URL" description:"Postgres DSN for contract and ledger archival"`
	NatsURL     string        `long:"nats-url" env:"HEDGE_NATS_URL" description:"NATS URL for event publishing"`
	RedisAddr   string        `long:"redis-addr" env:"HEDGE_REDIS_ADDR" description:"redis address for the price cache"`
	InfluxURL   string        `long:"influx-url" env:"HEDGE_INFLUX_URL" description:"InfluxDB URL for price history"`
	InfluxToken string        `long:"influx-token" env:"HEDGE_INFLUX_TOKEN" description:"InfluxDB API token"`
	InfluxOrg   string        `long:"influx-org" env:"HEDGE_INFLUX_ORG" description:"InfluxDB organization" default:"agrihedge"`
	InfluxBkt   string        `long:"influx-bucket" env:"HEDGE_INFLUX_BUCKET" description:"InfluxDB bucket" default:"prices"`
	Difficulty  int           `long:"pow-difficulty" env:"HEDGE_POW_DIFFICULTY" description:"leading zero hex digits required of block hashes" default:"2"`
	SweepEvery  time.Duration `long:"sweep-interval" env:"HEDGE_SWEEP_INTERVAL" description:"interval between settlement sweeps" default:"24h"`
	SweepOnBoot bool          `long:"sweep-on-boot" env:"HEDGE_SWEEP_ON_BOOT" description:"run one sweep immediately at startup"`
	SweepFanOut int           `long:"sweep-fan-out" env:"HEDGE_SWEEP_FAN_OUT" description:"parallel settlements per sweep" default:"4"`
	Debug       bool          `long:"debug" env:"HEDGE_DEBUG" description:"enable debug logging"`
}

func main() {
	cfg := config{}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := flags.ParseArgs(&cfg, os.Args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		panic("can't initialize zap logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("settlement engine failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	var (
		db           *sql.DB
		blockArchive *ledger.PostgresArchive
		contractRepo *contracts.PostgresRepository
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		blockArchive = ledger.NewPostgresArchive(db)
		if err := blockArchive.EnsureSchema(ctx); err != nil {
			return err
		}
		contractRepo = contracts.NewPostgresRepository(db)
		if err := contractRepo.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	chain, err := buildChain(ctx, cfg, blockArchive, logger)
	if err != nil {
		return err
	}

	var store *contracts.Store
	if contractRepo != nil {
		store = contracts.NewStore(contractRepo, logger)
	} else {
		store = contracts.NewStore(nil, logger)
	}

	var bus *messaging.Client
	if cfg.NatsURL != "" {
		bus, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NatsURL,
			Name:           "hedgecore-engine",
			ReconnectWait:  time.Second,
			MaxReconnects:  10,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer bus.Close()
	}

	board := oracle.NewBoard()
	priceSource, cleanupPrices := buildOracle(cfg, board, bus, logger)
	defer cleanupPrices()

	engine := settlement.NewEngine(settlement.Config{
		Store:       store,
		Chain:       chain,
		Oracle:      priceSource,
		Bus:         bus,
		Metrics:     metrics.NewEngine(),
		Logger:      logger,
		SweepFanOut: cfg.SweepFanOut,
	})

	sched := scheduler.New(engine, scheduler.Config{
		Interval:   cfg.SweepEvery,
		RunOnStart: cfg.SweepOnBoot,
		Logger:     logger,
	})
	sched.Start()
	defer sched.Stop()

	gw := gateway.New(gateway.Config{
		Engine: engine,
		Board:  board,
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      gw.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settlement engine listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("settlement engine stopped")
	return nil
}

// buildChain restores the ledger from the archive when one is configured,
// otherwise starts a fresh chain with a mined genesis block.
func buildChain(ctx context.Context, cfg config, archive *ledger.PostgresArchive, logger *zap.Logger) (*ledger.Chain, error) {
	chainCfg := ledger.Config{
		Difficulty: cfg.Difficulty,
		Logger:     logger,
	}
	if archive == nil {
		return ledger.New(chainCfg)
	}
	chainCfg.Archive = archive

	blocks, err := archive.LoadBlocks(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.Restore(chainCfg, blocks)
}

// buildOracle wires the price path: NATS ticks feed the in-memory board,
// the redis cache and the influx history. Reads consult the board first
// and fall back to redis, so prices survive a restart.
func buildOracle(cfg config, board *oracle.Board, bus *messaging.Client, logger *zap.Logger) (oracle.PriceOracle, func()) {
	var (
		redisOracle *oracle.RedisOracle
		history     *oracle.History
	)
	if cfg.RedisAddr != "" {
		redisOracle = oracle.NewRedisOracle(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	if cfg.InfluxURL != "" {
		history = oracle.NewHistory(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBkt)
	}

	if bus != nil {
		err := bus.Subscribe(messaging.EventTypePriceTick, func(msg *nats.Msg) {
			var tick messaging.PriceTickEvent
			if err := json.Unmarshal(msg.Data, &tick); err != nil {
				logger.Warn("dropping malformed price tick", zap.Error(err))
				return
			}
			price, err := decimal.NewFromString(tick.Price)
			if err != nil {
				logger.Warn("dropping price tick with bad price",
					zap.String("price", tick.Price), zap.Error(err))
				return
			}

			quote := oracle.Quote{
				Commodity: contracts.Commodity(tick.Commodity),
				Price:     price,
				AsOf:      tick.AsOf,
			}
			board.Publish(quote)
			if redisOracle != nil {
				if err := redisOracle.Store(context.Background(), quote); err != nil {
					logger.Warn("failed to cache price tick", zap.Error(err))
				}
			}
			if history != nil {
				history.Record(quote)
			}
		})
		if err != nil {
			logger.Warn("price tick subscription failed", zap.Error(err))
		}
	}

	cleanup := func() {
		if history != nil {
			history.Close()
		}
	}
	if redisOracle != nil {
		return oracle.NewLayered(board, redisOracle), cleanup
	}
	return board, cleanup
}
