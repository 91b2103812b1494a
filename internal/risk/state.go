package risk

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"cqt/internal/domain"
)

// State is the risk bookkeeping for one strategy: signed notional exposure
// per symbol and the realized PnL high-water mark used for drawdown. It is
// safe for concurrent use; fills are applied one at a time.
type State struct {
	mu sync.Mutex

	strategy      string
	exposure      map[string]decimal.Decimal
	totalExposure decimal.Decimal
	realized      decimal.Decimal
	peak          decimal.Decimal
}

// NewState creates empty risk state for strategy.
func NewState(strategy string) *State {
	return &State{
		strategy: strategy,
		exposure: make(map[string]decimal.Decimal),
	}
}

// Strategy returns the owning strategy's ID.
func (s *State) Strategy() string { return s.strategy }

// apply folds one fill into the state. Exposure always moves; realized PnL
// and the peak only move when the fill closed part of a position.
func (s *State) apply(f domain.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()

	notional := f.Notional()
	if f.Side == domain.SideSell {
		notional = notional.Neg()
	}
	s.exposure[f.Symbol] = s.exposure[f.Symbol].Add(notional)

	total := decimal.Zero
	for _, e := range s.exposure {
		total = total.Add(e.Abs())
	}
	s.totalExposure = total

	if f.Closes() {
		s.realized = s.realized.Add(f.RealizedPnL)
		s.peak = decimal.Max(s.peak, s.realized)
	}
}

// drawdown returns the peak, the current realized PnL and their gap.
func (s *State) drawdown() (peak, realized, dd decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak, s.realized, s.peak.Sub(s.realized)
}

// Drawdown returns peak realized PnL minus current realized PnL.
func (s *State) Drawdown() decimal.Decimal {
	_, _, dd := s.drawdown()
	return dd
}

// Snapshot is a copy of a State.
type Snapshot struct {
	Strategy        string
	Exposure        map[string]decimal.Decimal
	TotalExposure   decimal.Decimal
	RealizedPnL     decimal.Decimal
	PeakRealizedPnL decimal.Decimal
}

// Symbols returns the symbols with recorded exposure, sorted.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Exposure))
	for sym := range s.Exposure {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp := make(map[string]decimal.Decimal, len(s.exposure))
	for k, v := range s.exposure {
		exp[k] = v
	}
	return Snapshot{
		Strategy:        s.strategy,
		Exposure:        exp,
		TotalExposure:   s.totalExposure,
		RealizedPnL:     s.realized,
		PeakRealizedPnL: s.peak,
	}
}
