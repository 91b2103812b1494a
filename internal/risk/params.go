// Package risk implements order admission control: layered risk parameters,
// per-strategy exposure and drawdown state, and the checks that accept or
// reject an order intent before it reaches a broker.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultKey is the symbol-map key used when no entry matches the symbol.
const DefaultKey = "DEFAULT"

// Fallbacks applied when neither the strategy nor the global configuration
// sets a value.
var (
	DefaultCapitalRatio  = decimal.RequireFromString("0.1")
	DefaultMinOrderValue = decimal.NewFromInt(10)
)

// Param is a risk limit given either as a single scalar or as a map from
// symbol to value with an optional DEFAULT entry. In YAML:
//
//	max_position_per_symbol: 5
//	max_position_per_symbol: {BTC/USDT: 0.5, DEFAULT: 10}
type Param struct {
	Scalar   *decimal.Decimal
	BySymbol map[string]decimal.Decimal
}

// Scalar returns a Param holding a single value.
func Scalar(v decimal.Decimal) Param { return Param{Scalar: &v} }

// PerSymbol returns a Param keyed by symbol.
func PerSymbol(m map[string]decimal.Decimal) Param { return Param{BySymbol: m} }

// IsSet reports whether p holds any value.
func (p Param) IsSet() bool { return p.Scalar != nil || len(p.BySymbol) > 0 }

// lookup resolves p for symbol: the symbol's entry, then DEFAULT, then the
// scalar.
func (p Param) lookup(symbol string) (decimal.Decimal, bool) {
	if v, ok := p.BySymbol[symbol]; ok {
		return v, true
	}
	if v, ok := p.BySymbol[DefaultKey]; ok {
		return v, true
	}
	if p.Scalar != nil {
		return *p.Scalar, true
	}
	return decimal.Zero, false
}

// UnmarshalYAML accepts a scalar number or a mapping of symbol to number.
func (p *Param) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		v, err := decimal.NewFromString(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %q is not a number", node.Line, node.Value)
		}
		p.Scalar, p.BySymbol = &v, nil
		return nil
	case yaml.MappingNode:
		m := make(map[string]decimal.Decimal, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			sym, val := node.Content[i].Value, node.Content[i+1]
			if val.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: %s: value must be a number", val.Line, sym)
			}
			v, err := decimal.NewFromString(val.Value)
			if err != nil {
				return fmt.Errorf("line %d: %s: %q is not a number", val.Line, sym, val.Value)
			}
			m[sym] = v
		}
		p.Scalar, p.BySymbol = nil, m
		return nil
	default:
		return fmt.Errorf("line %d: risk parameter must be a number or a symbol map", node.Line)
	}
}

// MarshalYAML writes the scalar form when only a scalar is set.
func (p Param) MarshalYAML() (any, error) {
	if len(p.BySymbol) > 0 {
		out := make(map[string]string, len(p.BySymbol))
		for k, v := range p.BySymbol {
			out[k] = v.String()
		}
		return out, nil
	}
	if p.Scalar != nil {
		return p.Scalar.String(), nil
	}
	return nil, nil
}

// Key names one risk parameter.
type Key int

const (
	KeyMaxPosition Key = iota
	KeyCapitalRatio
	KeyMinOrderValue
	KeyMaxDrawdownAbsolute
	KeyMaxDrawdownPercent
)

func (k Key) String() string {
	switch k {
	case KeyMaxPosition:
		return "max_position_per_symbol"
	case KeyCapitalRatio:
		return "max_capital_per_order_ratio"
	case KeyMinOrderValue:
		return "min_order_value"
	case KeyMaxDrawdownAbsolute:
		return "max_drawdown_absolute"
	case KeyMaxDrawdownPercent:
		return "max_drawdown_percent"
	}
	return fmt.Sprintf("risk.Key(%d)", int(k))
}

// Params is one layer of risk configuration, either the global
// risk_management section or a strategy's risk_params override.
// MaxDrawdownPercent is a fraction: 0.2 means 20%.
type Params struct {
	MaxPositionPerSymbol    Param `yaml:"max_position_per_symbol,omitempty"`
	MaxCapitalPerOrderRatio Param `yaml:"max_capital_per_order_ratio,omitempty"`
	MinOrderValue           Param `yaml:"min_order_value,omitempty"`
	MaxDrawdownAbsolute     Param `yaml:"max_drawdown_absolute,omitempty"`
	MaxDrawdownPercent      Param `yaml:"max_drawdown_percent,omitempty"`
}

func (p *Params) param(k Key) Param {
	if p == nil {
		return Param{}
	}
	switch k {
	case KeyMaxPosition:
		return p.MaxPositionPerSymbol
	case KeyCapitalRatio:
		return p.MaxCapitalPerOrderRatio
	case KeyMinOrderValue:
		return p.MinOrderValue
	case KeyMaxDrawdownAbsolute:
		return p.MaxDrawdownAbsolute
	case KeyMaxDrawdownPercent:
		return p.MaxDrawdownPercent
	}
	return Param{}
}

// Resolve looks k up for symbol in priority order: strategy symbol entry,
// strategy DEFAULT, strategy scalar, then the same three in global. Either
// layer may be nil.
func Resolve(k Key, symbol string, strategy, global *Params) (decimal.Decimal, bool) {
	if v, ok := strategy.param(k).lookup(symbol); ok {
		return v, true
	}
	return global.param(k).lookup(symbol)
}

// ResolveOr is Resolve with fallback as the final step.
func ResolveOr(k Key, symbol string, strategy, global *Params, fallback decimal.Decimal) decimal.Decimal {
	if v, ok := Resolve(k, symbol, strategy, global); ok {
		return v
	}
	return fallback
}

// Validate checks value ranges: capital ratios in (0, 1], minimum order
// values and position limits above zero, drawdown limits not negative.
func (p *Params) Validate() error {
	checks := []struct {
		key   Key
		valid func(decimal.Decimal) bool
		want  string
	}{
		{KeyMaxPosition, decimal.Decimal.IsPositive, "> 0"},
		{KeyCapitalRatio, func(v decimal.Decimal) bool {
			return v.IsPositive() && v.LessThanOrEqual(decimal.NewFromInt(1))
		}, "in (0, 1]"},
		{KeyMinOrderValue, decimal.Decimal.IsPositive, "> 0"},
		{KeyMaxDrawdownAbsolute, func(v decimal.Decimal) bool { return !v.IsNegative() }, ">= 0"},
		{KeyMaxDrawdownPercent, func(v decimal.Decimal) bool { return !v.IsNegative() }, ">= 0"},
	}
	for _, c := range checks {
		prm := p.param(c.key)
		if prm.Scalar != nil && !c.valid(*prm.Scalar) {
			return fmt.Errorf("%s = %s, want %s", c.key, prm.Scalar, c.want)
		}
		for sym, v := range prm.BySymbol {
			if !c.valid(v) {
				return fmt.Errorf("%s[%s] = %s, want %s", c.key, sym, v, c.want)
			}
		}
	}
	return nil
}
