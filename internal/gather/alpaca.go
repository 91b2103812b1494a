package gather

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"cqt/internal/domain"
)

// Compile-time interface check.
var _ BarSource = (*AlpacaSource)(nil)

// marketAPI is the subset of *marketdata.Client used by AlpacaSource.
type marketAPI interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
	GetCryptoMultiBars(symbols []string, req marketdata.GetCryptoBarsRequest) (map[string][]marketdata.CryptoBar, error)
}

// AlpacaSource reads daily bars from the Alpaca market-data API. The "crypto"
// market uses the crypto endpoint; any other market is treated as US stocks
// on the free IEX feed.
type AlpacaSource struct {
	client marketAPI
	market string
}

// NewAlpacaSource creates a source for market. dataURL may be empty for
// the SDK default.
func NewAlpacaSource(apiKey, apiSecret, dataURL, market string) *AlpacaSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return newAlpacaSource(marketdata.NewClient(opts), market)
}

func newAlpacaSource(client marketAPI, market string) *AlpacaSource {
	return &AlpacaSource{client: client, market: market}
}

// DailyBars fetches one-day bars for symbols within [start, end].
func (s *AlpacaSource) DailyBars(ctx context.Context, symbols []string, start, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.market == "crypto" {
		return s.cryptoBars(symbols, start, end)
	}

	multi, err := s.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
		Feed:      "iex",
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}
	var bars []domain.Bar
	for symbol, list := range multi {
		for _, ab := range list {
			bars = append(bars, domain.Bar{
				Symbol:    strings.ToUpper(symbol),
				Timestamp: ab.Timestamp.UTC(),
				Open:      decimal.NewFromFloat(ab.Open),
				High:      decimal.NewFromFloat(ab.High),
				Low:       decimal.NewFromFloat(ab.Low),
				Close:     decimal.NewFromFloat(ab.Close),
				Volume:    decimal.NewFromInt(int64(ab.Volume)),
			})
		}
	}
	return bars, nil
}

func (s *AlpacaSource) cryptoBars(symbols []string, start, end time.Time) ([]domain.Bar, error) {
	multi, err := s.client.GetCryptoMultiBars(symbols, marketdata.GetCryptoBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCryptoMultiBars: %w", err)
	}
	var bars []domain.Bar
	for symbol, list := range multi {
		for _, cb := range list {
			bars = append(bars, domain.Bar{
				Symbol:    strings.ToUpper(symbol),
				Timestamp: cb.Timestamp.UTC(),
				Open:      decimal.NewFromFloat(cb.Open),
				High:      decimal.NewFromFloat(cb.High),
				Low:       decimal.NewFromFloat(cb.Low),
				Close:     decimal.NewFromFloat(cb.Close),
				Volume:    decimal.NewFromFloat(cb.Volume),
			})
		}
	}
	return bars, nil
}
