package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"cqt/internal/config"
	"cqt/internal/gather"
	"cqt/internal/store"
	"cqt/internal/util"
)

func main() {
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols (default: every configured strategy symbol)")
	flag.Parse()

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

	startStr := cfg.Gather.StartDate
	if startStr == "" {
		startStr = cfg.Backtest.Start
	}
	start, err := time.Parse(time.DateOnly, startStr)
	if err != nil {
		log.Fatalf("gather start date %q: %v", startStr, err)
	}
	end := time.Now().UTC().Truncate(24 * time.Hour)

	symbols := configuredSymbols(cfg)
	if *symbolsFlag != "" {
		symbols = strings.Split(*symbolsFlag, ",")
	}
	if len(symbols) == 0 {
		log.Fatalf("no symbols to fetch: configure strategies or pass -symbols")
	}

	ps := store.NewParquetStore(cfg.Storage.DataDir)
	ps.Market = cfg.Trading.Market

	src := gather.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Trading.Market)
	g := gather.NewDailyBarGatherer(src, ps, symbols, gather.DateRange{Start: start, End: end},
		gather.WithBatching(cfg.Gather.BatchSize, cfg.Gather.MaxWorkers),
		gather.WithRateLimit(cfg.Gather.RateLimitPerMin),
		gather.WithLogger(logger),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting cqt-fetch", "market", cfg.Trading.Market, "symbols", len(symbols))
	if err := g.Run(ctx); err != nil {
		log.Fatalf("fetch error: %v", err)
	}
}

func configuredSymbols(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sc := range cfg.Strategies {
		for _, sym := range sc.Symbols {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	sort.Strings(out)
	return out
}
