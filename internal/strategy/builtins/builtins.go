package builtins

import (
	"fmt"

	"github.com/shopspring/decimal"

	"cqt/internal/strategy"
)

// New builds a built-in strategy of the given type from its config params.
// An empty name keeps the type's default name.
func New(typ, name string, params map[string]any) (strategy.Strategy, error) {
	switch typ {
	case "sma-cross", "sma_cross":
		short, err := intParam(params, "short", 10)
		if err != nil {
			return nil, err
		}
		long, err := intParam(params, "long", 30)
		if err != nil {
			return nil, err
		}
		amount, err := decimalParam(params, "amount", decimal.NewFromInt(1))
		if err != nil {
			return nil, err
		}
		s := NewSMACross(short, long, amount)
		if name != "" {
			s.WithName(name)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown strategy type %q", typ)
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("param %s: %v is not an integer", key, n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("param %s: unsupported type %T", key, v)
}

func decimalParam(params map[string]any, key string, def decimal.Decimal) (decimal.Decimal, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, fmt.Errorf("param %s: %w", key, err)
		}
		return d, nil
	}
	return decimal.Zero, fmt.Errorf("param %s: unsupported type %T", key, v)
}
