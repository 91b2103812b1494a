// Package strategy defines the Strategy interface for trading strategies,
// a Registry for managing them and a Backtester that replays stored bars
// through the engine.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"cqt/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data.
	Init(ctx context.Context) error

	// OnBar is called when a new OHLCV bar is available for a symbol the
	// strategy is subscribed to. It returns zero or more order intents.
	OnBar(ctx context.Context, bar domain.Bar) ([]domain.OrderIntent, error)
}

// OrderObserver is implemented by strategies that want to see the outcome of
// the orders placed for their intents.
type OrderObserver interface {
	OnOrder(ctx context.Context, order *domain.Order)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name(). A second
// strategy with the same name is an error.
func (r *Registry) Register(s Strategy) error {
	if _, ok := r.strategies[s.Name()]; ok {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
