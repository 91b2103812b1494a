package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cqt/internal/broker"
	"cqt/internal/domain"
	"cqt/internal/engine"
	"cqt/internal/ledger"
	"cqt/internal/risk"
	"cqt/internal/store"
)

// Subscription binds a registered strategy to the symbols it trades and its
// optional risk override layer.
type Subscription struct {
	Strategy string
	Symbols  []string
	Risk     *risk.Params
}

// BacktestConfig describes one backtest run.
type BacktestConfig struct {
	Subscriptions  []Subscription
	Market         string
	Start, End     time.Time
	InitialCapital decimal.Decimal
	QuoteCurrency  string
	FeeRate        decimal.Decimal
	Risk           risk.Params
	MaxBarAge      time.Duration
	Slippage       broker.SlippageFunc
	// PeriodsPerYear annualizes the Sharpe ratio; zero means 252.
	PeriodsPerYear int
	// Journal, when set, records every order, fill, position and equity sample.
	Journal store.Journal
}

// BacktestResult holds the summary metrics produced by a backtest run.
// Ratios are fractions: a TotalReturn of 0.05 is 5%.
type BacktestResult struct {
	TotalReturn  float64
	SharpeRatio  float64
	MaxDrawdown  float64
	TotalTrades  int
	WinRate      float64
	ProfitFactor float64 // +Inf when there were winners and no losers
	FinalEquity  decimal.Decimal
	RealizedPnL  decimal.Decimal
	Rejections   map[risk.Reason]int
	EquityCurve  []domain.EquityPoint
	Trades       []domain.Fill
}

// Backtester replays historical bar data through strategies and computes
// performance metrics.
type Backtester struct {
	store    store.BarStore
	registry *Registry
	log      *slog.Logger
}

// NewBacktester creates a Backtester that reads bars from the given store and
// looks up strategies in the provided registry.
func NewBacktester(barStore store.BarStore, registry *Registry, log *slog.Logger) *Backtester {
	if log == nil {
		log = slog.Default()
	}
	return &Backtester{
		store:    barStore,
		registry: registry,
		log:      log,
	}
}

// Run replays every subscribed symbol's bars in [cfg.Start, cfg.End] in
// timestamp order. For each bar the engine first settles resting orders, then
// every strategy subscribed to the bar's symbol may place orders, then equity
// is sampled.
func (bt *Backtester) Run(ctx context.Context, cfg BacktestConfig) (*BacktestResult, error) {
	if !cfg.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("initial capital %s must be positive", cfg.InitialCapital)
	}

	subscribers := make(map[string][]Strategy)
	var engineOpts []engine.Option
	for _, sub := range cfg.Subscriptions {
		s, ok := bt.registry.Get(sub.Strategy)
		if !ok {
			return nil, fmt.Errorf("strategy %q not registered", sub.Strategy)
		}
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("init %s: %w", sub.Strategy, err)
		}
		for _, sym := range sub.Symbols {
			subscribers[sym] = append(subscribers[sym], s)
		}
		engineOpts = append(engineOpts, engine.WithStrategyParams(sub.Strategy, sub.Risk))
	}
	if len(subscribers) == 0 {
		return nil, fmt.Errorf("no symbols subscribed")
	}

	bars, err := bt.loadBars(ctx, cfg, subscribers)
	if err != nil {
		return nil, err
	}

	account := ledger.NewAccount(cfg.InitialCapital, cfg.QuoteCurrency)
	simOpts := []broker.SimulatorOption{broker.WithLogger(bt.log), broker.WithMaxBarAge(cfg.MaxBarAge)}
	if cfg.Slippage != nil {
		simOpts = append(simOpts, broker.WithSlippage(cfg.Slippage))
	}
	sim := broker.NewSimulator(account, cfg.FeeRate, simOpts...)
	engineOpts = append(engineOpts, engine.WithFeeRate(cfg.FeeRate), engine.WithLogger(bt.log))
	if cfg.Journal != nil {
		engineOpts = append(engineOpts, engine.WithJournal(cfg.Journal))
	}
	eng := engine.NewEngine(sim, account, risk.NewManager(cfg.Risk, bt.log), engineOpts...)

	bt.log.Info("backtest starting",
		"bars", len(bars), "symbols", len(subscribers), "start", cfg.Start, "end", cfg.End)

	for _, bar := range bars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := eng.OnBar(ctx, bar); err != nil {
			return nil, fmt.Errorf("bar %s %s: %w", bar.Symbol, bar.Timestamp.Format(time.DateOnly), err)
		}
		for _, s := range subscribers[bar.Symbol] {
			intents, err := s.OnBar(ctx, bar)
			if err != nil {
				return nil, fmt.Errorf("%s on %s: %w", s.Name(), bar.Symbol, err)
			}
			for _, intent := range intents {
				if intent.StrategyID == "" {
					intent.StrategyID = s.Name()
				}
				o, _, err := eng.SubmitOrder(ctx, intent)
				if err != nil {
					bt.log.Warn("order failed", "strategy", s.Name(), "symbol", intent.Symbol, "error", err)
				}
				if obs, ok := s.(OrderObserver); ok && o != nil {
					obs.OnOrder(ctx, o)
				}
			}
		}
		eng.SampleEquity(ctx, bar.Timestamp)
	}

	info := eng.Account()
	res := computeMetrics(account.EquityCurve(), account.Trades(), cfg.InitialCapital, cfg.PeriodsPerYear)
	res.FinalEquity = info.Equity
	res.RealizedPnL = info.RealizedPnL
	res.TotalReturn = info.Equity.Sub(cfg.InitialCapital).Div(cfg.InitialCapital).InexactFloat64()
	res.Rejections = eng.Rejections()

	bt.log.Info("backtest finished",
		"final_equity", res.FinalEquity, "return", res.TotalReturn, "trades", res.TotalTrades,
		"max_drawdown", res.MaxDrawdown, "sharpe", res.SharpeRatio)
	return res, nil
}

// loadBars reads every subscribed symbol concurrently and merges the series
// into one timestamp-ordered stream. Bars sharing a timestamp are ordered by
// symbol.
func (bt *Backtester) loadBars(ctx context.Context, cfg BacktestConfig, subscribers map[string][]Strategy) ([]domain.Bar, error) {
	symbols := make([]string, 0, len(subscribers))
	for sym := range subscribers {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	series := make([][]domain.Bar, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	for i, sym := range symbols {
		g.Go(func() error {
			bars, err := bt.store.ReadBars(gctx, sym, cfg.Market, cfg.Start, cfg.End)
			if err != nil {
				return fmt.Errorf("reading %s bars: %w", sym, err)
			}
			if len(bars) == 0 {
				bt.log.Warn("no bars in range", "symbol", sym, "market", cfg.Market)
			}
			series[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []domain.Bar
	for _, s := range series {
		merged = append(merged, s...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Timestamp.Before(merged[j].Timestamp)
		}
		return merged[i].Symbol < merged[j].Symbol
	})
	return merged, nil
}

// computeMetrics derives the curve and trade statistics. Returns are taken
// between consecutive equity samples.
func computeMetrics(curve []domain.EquityPoint, trades []domain.Fill, initial decimal.Decimal, periodsPerYear int) *BacktestResult {
	if periodsPerYear <= 0 {
		periodsPerYear = 252
	}
	res := &BacktestResult{
		TotalTrades: len(trades),
		EquityCurve: curve,
		Trades:      trades,
	}

	peak := initial.InexactFloat64()
	prev := peak
	var returns []float64
	for _, pt := range curve {
		eq := pt.Equity.InexactFloat64()
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			res.MaxDrawdown = math.Max(res.MaxDrawdown, (peak-eq)/peak)
		}
		if prev != 0 {
			returns = append(returns, eq/prev-1)
		}
		prev = eq
	}
	res.SharpeRatio = sharpe(returns, periodsPerYear)

	var wins, closes int
	var grossProfit, grossLoss decimal.Decimal
	for _, f := range trades {
		if !f.Closes() {
			continue
		}
		closes++
		switch {
		case f.RealizedPnL.IsPositive():
			wins++
			grossProfit = grossProfit.Add(f.RealizedPnL)
		case f.RealizedPnL.IsNegative():
			grossLoss = grossLoss.Sub(f.RealizedPnL)
		}
	}
	if closes > 0 {
		res.WinRate = float64(wins) / float64(closes)
	}
	switch {
	case grossLoss.IsPositive():
		res.ProfitFactor = grossProfit.Div(grossLoss).InexactFloat64()
	case grossProfit.IsPositive():
		res.ProfitFactor = math.Inf(1)
	}
	return res
}

func sharpe(returns []float64, periodsPerYear int) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(float64(periodsPerYear))
}
