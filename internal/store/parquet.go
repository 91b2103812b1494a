package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"cqt/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
	// Market is the directory WriteBars writes under.
	Market string
}

// NewParquetStore creates a new ParquetStore rooted at the given data
// directory. WriteBars targets the "crypto" market unless Market is changed.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir, Market: "crypto"}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data. Prices are stored as
// doubles, the format market data arrives in, and become decimals on read.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// EquityRecord is the Parquet schema for an exported equity curve.
type EquityRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Equity    float64 `parquet:"equity"`
	Exact     bool    `parquet:"exact"`
}

func toBarRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp.UnixMilli(),
		Open:      b.Open.InexactFloat64(),
		High:      b.High.InexactFloat64(),
		Low:       b.Low.InexactFloat64(),
		Close:     b.Close.InexactFloat64(),
		Volume:    b.Volume.InexactFloat64(),
	}
}

func (r BarRecord) bar() domain.Bar {
	return domain.Bar{
		Symbol:    r.Symbol,
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Open:      decimal.NewFromFloat(r.Open),
		High:      decimal.NewFromFloat(r.High),
		Low:       decimal.NewFromFloat(r.Low),
		Close:     decimal.NewFromFloat(r.Close),
		Volume:    decimal.NewFromFloat(r.Volume),
	}
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars under s.Market. See WriteBarsForMarket.
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	return s.WriteBarsForMarket(bars, s.Market)
}

// WriteBarsForMarket writes bars to Parquet grouped by symbol and year under
// the given market directory. Each symbol+year combination produces a
// separate file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
//
// Bars already on disk are kept unless an incoming bar has the same
// timestamp.
func (s *ParquetStore) WriteBarsForMarket(bars []domain.Bar, market string) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], toBarRecord(b))
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, market, k.year)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for symbol within [start, end] in timestamp order.
// Years without a file are skipped.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := s.barPath(symbol, market, year)
		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp)
			if !ts.Before(start) && !ts.After(end) {
				bars = append(bars, r.bar())
			}
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	dir := filepath.Join(s.DataDir, market, "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, fromSymbolDir(e.Name()))
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Equity curve export
// ---------------------------------------------------------------------------

// WriteEquityCurve writes points to a single Parquet file at path.
func WriteEquityCurve(path string, points []domain.EquityPoint) error {
	records := make([]EquityRecord, len(points))
	for i, p := range points {
		records[i] = EquityRecord{
			Timestamp: p.Timestamp.UnixMilli(),
			Equity:    p.Equity.InexactFloat64(),
			Exact:     p.Exact,
		}
	}
	return writeParquetFile(path, records)
}

// ReadEquityCurve reads a file written by WriteEquityCurve.
func ReadEquityCurve(path string) ([]domain.EquityPoint, error) {
	records, err := readParquetFile[EquityRecord](path)
	if err != nil {
		return nil, err
	}
	points := make([]domain.EquityPoint, len(records))
	for i, r := range records {
		points[i] = domain.EquityPoint{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Equity:    decimal.NewFromFloat(r.Equity),
			Exact:     r.Exact,
		}
	}
	return points, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol, market string, year int) string {
	return filepath.Join(s.DataDir, market, "daily", toSymbolDir(symbol), fmt.Sprintf("%d.parquet", year))
}

// toSymbolDir turns a pair such as btc/usdt into the directory BTC-USDT.
func toSymbolDir(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "/", "-")
}

func fromSymbolDir(dir string) string {
	return strings.ReplaceAll(dir, "-", "/")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by timestamp, preferring incoming
// records over existing ones. Results are sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
