package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"cqt/internal/config"
	"cqt/internal/risk"
	"cqt/internal/store"
	"cqt/internal/strategy"
	"cqt/internal/strategy/builtins"
	"cqt/internal/util"
)

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

	start, end, err := cfg.Backtest.Range()
	if err != nil {
		log.Fatalf("backtest range: %v", err)
	}
	if len(cfg.Strategies) == 0 {
		log.Fatalf("no strategies configured in %s", cfgPath)
	}

	registry := strategy.NewRegistry()
	subs := make([]strategy.Subscription, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		s, err := builtins.New(sc.Type, sc.Name, sc.Params)
		if err != nil {
			log.Fatalf("strategy %s: %v", sc.Name, err)
		}
		if err := registry.Register(s); err != nil {
			log.Fatalf("registering strategy: %v", err)
		}
		subs = append(subs, strategy.Subscription{Strategy: sc.Name, Symbols: sc.Symbols, Risk: sc.RiskParams})
	}

	btCfg := strategy.BacktestConfig{
		Subscriptions:  subs,
		Market:         cfg.Trading.Market,
		Start:          start,
		End:            end,
		InitialCapital: cfg.Trading.InitialCapital,
		QuoteCurrency:  cfg.Trading.QuoteCurrency,
		FeeRate:        cfg.Trading.FeeRate,
		Risk:           cfg.Risk,
		MaxBarAge:      cfg.Trading.MaxBarAge,
	}
	if cfg.Storage.SQLitePath != "" {
		journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("opening journal: %v", err)
		}
		defer journal.Close()
		btCfg.Journal = journal
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bt := strategy.NewBacktester(store.NewParquetStore(cfg.Storage.DataDir), registry, logger)
	res, err := bt.Run(ctx, btCfg)
	if err != nil {
		logger.Error("backtest failed", "error", err)
		os.Exit(1)
	}

	printResult(res, btCfg)

	if cfg.Backtest.EquityFile != "" {
		if err := store.WriteEquityCurve(cfg.Backtest.EquityFile, res.EquityCurve); err != nil {
			logger.Error("writing equity curve", "path", cfg.Backtest.EquityFile, "error", err)
			os.Exit(1)
		}
		logger.Info("equity curve written", "path", cfg.Backtest.EquityFile, "points", len(res.EquityCurve))
	}
}

func printResult(res *strategy.BacktestResult, cfg strategy.BacktestConfig) {
	fmt.Printf("Backtest %s .. %s (%s)\n", cfg.Start.Format("2006-01-02"), cfg.End.Format("2006-01-02"), cfg.Market)
	fmt.Printf("  Initial capital: %s %s\n", cfg.InitialCapital.StringFixed(2), cfg.QuoteCurrency)
	fmt.Printf("  Final equity:    %s %s\n", res.FinalEquity.StringFixed(2), cfg.QuoteCurrency)
	fmt.Printf("  Realized PnL:    %s\n", res.RealizedPnL.StringFixed(2))
	fmt.Printf("  Total return:    %.2f%%\n", res.TotalReturn*100)
	fmt.Printf("  Sharpe ratio:    %.3f\n", res.SharpeRatio)
	fmt.Printf("  Max drawdown:    %.2f%%\n", res.MaxDrawdown*100)
	fmt.Printf("  Trades:          %d\n", res.TotalTrades)
	fmt.Printf("  Win rate:        %.1f%%\n", res.WinRate*100)
	fmt.Printf("  Profit factor:   %.3f\n", res.ProfitFactor)

	if len(res.Rejections) == 0 {
		return
	}
	reasons := make([]string, 0, len(res.Rejections))
	for r := range res.Rejections {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	fmt.Println("  Rejections:")
	for _, r := range reasons {
		fmt.Printf("    %-20s %d\n", r, res.Rejections[risk.Reason(r)])
	}
}
