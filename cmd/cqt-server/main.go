package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"cqt/internal/api"
	"cqt/internal/broker"
	"cqt/internal/config"
	"cqt/internal/domain"
	"cqt/internal/engine"
	"cqt/internal/ledger"
	"cqt/internal/risk"
	"cqt/internal/store"
	"cqt/internal/util"
)

// seedWindow is how far back paper mode replays stored bars to establish
// marks before accepting orders.
const seedWindow = 60 * 24 * time.Hour

func main() {
	cfgPath := "config/cqt.yaml"
	if p := os.Getenv("CQT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, closer := util.NewLoggerWithOptions(cfg.Logging.Options())
	defer closer.Close()
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	account := ledger.NewAccount(cfg.Trading.InitialCapital, cfg.Trading.QuoteCurrency)

	var b broker.Broker
	if cfg.Trading.PaperMode {
		b = broker.NewSimulator(account, cfg.Trading.FeeRate,
			broker.WithMaxBarAge(cfg.Trading.MaxBarAge), broker.WithLogger(logger))
	} else {
		ab := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, account)
		ab.SetLogger(logger)
		b = ab
	}

	opts := []engine.Option{
		engine.WithFeeRate(cfg.Trading.FeeRate),
		engine.WithLogger(logger),
	}
	for _, sc := range cfg.Strategies {
		opts = append(opts, engine.WithStrategyParams(sc.Name, sc.RiskParams))
	}
	if cfg.Storage.SQLitePath != "" {
		journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("opening journal: %v", err)
		}
		defer journal.Close()
		opts = append(opts, engine.WithJournal(journal))
	}

	eng := engine.NewEngine(b, account, risk.NewManager(cfg.Risk, logger), opts...)

	if cfg.Trading.PaperMode {
		if err := seedMarks(ctx, eng, store.NewParquetStore(cfg.Storage.DataDir), cfg, logger); err != nil {
			logger.Warn("seeding paper marks", "error", err)
		}
	}

	logger.Info("cqt-server starting",
		"broker", b.Name(), "addr", cfg.Server.Addr(), "strategies", len(cfg.Strategies))

	srv := api.NewServer(cfg.Server.Addr(), eng, logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("grpc server error", "error", err)
		os.Exit(1)
	}
	logger.Info("cqt-server stopped")
}

// seedMarks replays recent stored bars for every configured symbol so the
// simulator can price market orders as soon as the server is up.
func seedMarks(ctx context.Context, eng *engine.Engine, bars store.BarStore, cfg *config.Config, logger *slog.Logger) error {
	seen := make(map[string]bool)
	var all []domain.Bar
	end := time.Now().UTC()
	for _, sc := range cfg.Strategies {
		for _, sym := range sc.Symbols {
			if seen[sym] {
				continue
			}
			seen[sym] = true
			got, err := bars.ReadBars(ctx, sym, cfg.Trading.Market, end.Add(-seedWindow), end)
			if err != nil {
				return err
			}
			all = append(all, got...)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	for _, bar := range all {
		if err := eng.OnBar(ctx, bar); err != nil {
			return err
		}
	}
	logger.Info("paper marks seeded", "symbols", len(seen), "bars", len(all))
	return nil
}
