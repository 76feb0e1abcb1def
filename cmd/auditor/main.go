package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/agrihedge/hedgecore/internal/contracts"
	"github.com/agrihedge/hedgecore/internal/ledger"
)

type config struct {
	DatabaseURL string `long:"database-url" env:"HEDGE_DATABASE_URL" description:"Postgres DSN holding the archived ledger" required:"true"`
	Debug       bool   `long:"debug" env:"HEDGE_DEBUG" description:"enable debug logging"`
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
		logger.Fatal("ledger audit failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// run verifies the archived chain offline and reports contracts whose
// ledger reference is still owed after a failed append.
func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	archive := ledger.NewPostgresArchive(db)
	blocks, err := archive.LoadBlocks(ctx)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		logger.Warn("archive holds no blocks, nothing to audit")
		return nil
	}

	if err := ledger.VerifyBlocks(blocks); err != nil {
		var integrity *ledger.IntegrityError
		if errors.As(err, &integrity) {
			logger.Error("ledger integrity violation",
				zap.Uint64("block_index", integrity.Index),
				zap.String("reason", integrity.Reason))
		}
		return err
	}
	logger.Info("ledger verified",
		zap.Int("blocks", len(blocks)),
		zap.Uint64("tail_index", blocks[len(blocks)-1].Index),
		zap.String("tail_hash", blocks[len(blocks)-1].Hash))

	repo := contracts.NewPostgresRepository(db)

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for status, count := range counts {
		logger.Info("contract population", zap.String("status", string(status)), zap.Int("count", count))
	}

	missing, err := repo.MissingLedgerRefs(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		for _, id := range missing {
			logger.Warn("contract missing ledger reference", zap.String("contract_id", id.String()))
		}
		return fmt.Errorf("%d contracts have no ledger reference", len(missing))
	}

	logger.Info("audit clean")
	return nil
}
