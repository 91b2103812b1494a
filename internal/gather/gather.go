// Package gather fills the bar store from a market-data source.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cqt/internal/domain"
	"cqt/internal/store"
	"cqt/internal/util"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run fetches data and writes it to storage. It returns when the work is
	// done or ctx is cancelled.
	Run(ctx context.Context) error
}

// BarSource fetches daily bars for a batch of symbols.
type BarSource interface {
	DailyBars(ctx context.Context, symbols []string, start, end time.Time) ([]domain.Bar, error)
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Stats summarizes one DailyBarGatherer run.
type Stats struct {
	Batches int
	Failed  int
	Bars    int
	// Empty lists symbols the source returned nothing for.
	Empty []string
}

// Compile-time interface check.
var _ Gatherer = (*DailyBarGatherer)(nil)

// DailyBarGatherer downloads daily bars for a fixed symbol list in batches
// and merges them into a BarStore.
type DailyBarGatherer struct {
	source     BarSource
	store      store.BarStore
	symbols    []string
	rng        DateRange
	batchSize  int
	maxWorkers int
	attempts   int
	retryDelay time.Duration
	limiter    *util.RateLimiter
	log        *slog.Logger
}

// Option configures a DailyBarGatherer.
type Option func(*DailyBarGatherer)

// WithBatching sets symbols per request and concurrent workers.
func WithBatching(batchSize, maxWorkers int) Option {
	return func(g *DailyBarGatherer) {
		if batchSize > 0 {
			g.batchSize = batchSize
		}
		if maxWorkers > 0 {
			g.maxWorkers = maxWorkers
		}
	}
}

// WithRateLimit caps source requests per minute across all workers.
func WithRateLimit(perMinute int) Option {
	return func(g *DailyBarGatherer) {
		if perMinute > 0 {
			g.limiter = util.NewRateLimiter(perMinute)
		}
	}
}

// WithRetry sets how many times a failed batch request is tried and the
// first backoff delay.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(g *DailyBarGatherer) {
		if attempts > 0 {
			g.attempts = attempts
		}
		g.retryDelay = delay
	}
}

// WithLogger sets the gatherer logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *DailyBarGatherer) { g.log = log }
}

// NewDailyBarGatherer creates a gatherer for symbols over rng.
func NewDailyBarGatherer(source BarSource, s store.BarStore, symbols []string, rng DateRange, opts ...Option) *DailyBarGatherer {
	g := &DailyBarGatherer{
		source:     source,
		store:      s,
		symbols:    symbols,
		rng:        rng,
		batchSize:  50,
		maxWorkers: 4,
		attempts:   3,
		retryDelay: time.Second,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With("gatherer", g.Name())
	return g
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "daily-bars" }

// Run fetches every batch and reports an error if any batch failed.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	stats, err := g.Fetch(ctx)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d batches failed", stats.Failed, stats.Batches)
	}
	return nil
}

// Fetch downloads and stores all batches. A failed batch is logged and
// counted; Fetch itself only fails on a bad range or cancellation.
func (g *DailyBarGatherer) Fetch(ctx context.Context) (Stats, error) {
	if g.rng.End.Before(g.rng.Start) {
		return Stats{}, fmt.Errorf("gather range end %s is before start %s",
			g.rng.End.Format(time.DateOnly), g.rng.Start.Format(time.DateOnly))
	}

	var batches [][]string
	for i := 0; i < len(g.symbols); i += g.batchSize {
		batches = append(batches, g.symbols[i:min(i+g.batchSize, len(g.symbols))])
	}
	stats := Stats{Batches: len(batches)}
	if len(batches) == 0 {
		return stats, nil
	}

	g.log.Info("starting",
		"symbols", len(g.symbols),
		"batches", len(batches),
		"start", g.rng.Start.Format(time.DateOnly),
		"end", g.rng.End.Format(time.DateOnly),
	)

	batchCh := make(chan int, len(batches))
	for i := range batches {
		batchCh <- i
	}
	close(batchCh)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failed   atomic.Int64
		barCount atomic.Int64
		runStart = time.Now()
	)

	workers := min(g.maxWorkers, len(batches))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range batchCh {
				if ctx.Err() != nil {
					return
				}
				batch := batches[idx]
				bars, err := g.fetchBatch(ctx, batch)
				if err == nil && len(bars) > 0 {
					err = g.store.WriteBars(ctx, bars)
				}
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					failed.Add(1)
					g.log.Error("batch failed",
						"batch", fmt.Sprintf("%d/%d", idx+1, len(batches)), "error", err)
					continue
				}

				empty := missing(batch, bars)
				barCount.Add(int64(len(bars)))
				mu.Lock()
				stats.Empty = append(stats.Empty, empty...)
				mu.Unlock()

				g.log.Info("batch done",
					"batch", fmt.Sprintf("%d/%d", idx+1, len(batches)),
					"bars", len(bars),
					"empty", len(empty),
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}
	wg.Wait()

	stats.Failed = int(failed.Load())
	stats.Bars = int(barCount.Load())
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	g.log.Info("complete", "bars", stats.Bars, "failed", stats.Failed, "empty", len(stats.Empty))
	return stats, nil
}

func (g *DailyBarGatherer) fetchBatch(ctx context.Context, symbols []string) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := util.Retry(ctx, g.attempts, g.retryDelay, func() error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return util.Permanent(err)
			}
		}
		var err error
		bars, err = g.source.DailyBars(ctx, symbols, g.rng.Start, g.rng.End)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return util.Permanent(err)
		}
		return err
	})
	return bars, err
}

// missing returns the symbols of batch that have no bar in bars.
func missing(batch []string, bars []domain.Bar) []string {
	hit := make(map[string]bool, len(batch))
	for _, b := range bars {
		hit[b.Symbol] = true
	}
	var out []string
	for _, sym := range batch {
		if !hit[sym] {
			out = append(out, sym)
		}
	}
	return out
}
