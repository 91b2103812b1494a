package risk

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestResolvePriorityChain(t *testing.T) {
	full := func() (*Params, *Params) {
		strategy := &Params{MaxPositionPerSymbol: Param{
			Scalar:   ptr(d("3")),
			BySymbol: map[string]decimal.Decimal{"BTC": d("1"), DefaultKey: d("2")},
		}}
		global := &Params{MaxPositionPerSymbol: Param{
			Scalar:   ptr(d("6")),
			BySymbol: map[string]decimal.Decimal{"BTC": d("4"), DefaultKey: d("5")},
		}}
		return strategy, global
	}

	// Each step removes the entry that won the previous one.
	steps := []struct {
		name   string
		mutate func(s, g *Params)
		want   string
	}{
		{"strategy symbol", func(s, g *Params) {}, "1"},
		{"strategy DEFAULT", func(s, g *Params) { delete(s.MaxPositionPerSymbol.BySymbol, "BTC") }, "2"},
		{"strategy scalar", func(s, g *Params) { delete(s.MaxPositionPerSymbol.BySymbol, DefaultKey) }, "3"},
		{"global symbol", func(s, g *Params) { s.MaxPositionPerSymbol.Scalar = nil }, "4"},
		{"global DEFAULT", func(s, g *Params) { delete(g.MaxPositionPerSymbol.BySymbol, "BTC") }, "5"},
		{"global scalar", func(s, g *Params) { delete(g.MaxPositionPerSymbol.BySymbol, DefaultKey) }, "6"},
	}

	s, g := full()
	for _, step := range steps {
		step.mutate(s, g)
		got, ok := Resolve(KeyMaxPosition, "BTC", s, g)
		if !ok || !got.Equal(d(step.want)) {
			t.Errorf("%s: Resolve = %s, %v; want %s", step.name, got, ok, step.want)
		}
	}

	g.MaxPositionPerSymbol.Scalar = nil
	if _, ok := Resolve(KeyMaxPosition, "BTC", s, g); ok {
		t.Error("Resolve found a value with every layer empty")
	}
	if got := ResolveOr(KeyMaxPosition, "BTC", s, g, d("7")); !got.Equal(d("7")) {
		t.Errorf("fallback: ResolveOr = %s, want 7", got)
	}
}

func TestResolveNilLayers(t *testing.T) {
	if _, ok := Resolve(KeyCapitalRatio, "X", nil, nil); ok {
		t.Error("Resolve with nil layers reported a value")
	}
	global := &Params{MinOrderValue: Scalar(d("25"))}
	if got, ok := Resolve(KeyMinOrderValue, "X", nil, global); !ok || !got.Equal(d("25")) {
		t.Errorf("Resolve = %s, %v; want 25", got, ok)
	}
}

func TestParamYAML(t *testing.T) {
	doc := `
max_position_per_symbol:
  BTC/USDT: 0.5
  DEFAULT: 10
max_capital_per_order_ratio: 0.25
min_order_value: 15
max_drawdown_percent: 0.2
`
	var p Params
	if err := yaml.Unmarshal([]byte(doc), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got, _ := Resolve(KeyMaxPosition, "BTC/USDT", nil, &p); !got.Equal(d("0.5")) {
		t.Errorf("BTC/USDT max position = %s, want 0.5", got)
	}
	if got, _ := Resolve(KeyMaxPosition, "ETH/USDT", nil, &p); !got.Equal(d("10")) {
		t.Errorf("ETH/USDT max position = %s, want 10", got)
	}
	if got, _ := Resolve(KeyCapitalRatio, "ETH/USDT", nil, &p); !got.Equal(d("0.25")) {
		t.Errorf("capital ratio = %s, want 0.25", got)
	}
	if p.MaxDrawdownAbsolute.IsSet() {
		t.Error("absent key decoded as set")
	}

	out, err := yaml.Marshal(&p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(out), "max_drawdown_absolute") {
		t.Errorf("unset parameter marshaled:\n%s", out)
	}
}

func TestParamYAMLErrors(t *testing.T) {
	tests := []string{
		"min_order_value: ten",
		"min_order_value: [1, 2]",
		"max_position_per_symbol: {BTC: [1]}",
		"max_position_per_symbol: {BTC: lots}",
	}
	for _, doc := range tests {
		var p Params
		if err := yaml.Unmarshal([]byte(doc), &p); err == nil {
			t.Errorf("Unmarshal(%q) returned nil error", doc)
		}
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"empty", Params{}, false},
		{"ratio one", Params{MaxCapitalPerOrderRatio: Scalar(d("1"))}, false},
		{"ratio above one", Params{MaxCapitalPerOrderRatio: Scalar(d("1.5"))}, true},
		{"ratio zero", Params{MaxCapitalPerOrderRatio: Scalar(d("0"))}, true},
		{"min value zero", Params{MinOrderValue: Scalar(d("0"))}, true},
		{"negative symbol limit", Params{MaxPositionPerSymbol: PerSymbol(map[string]decimal.Decimal{"X": d("-1")})}, true},
		{"zero drawdown", Params{MaxDrawdownPercent: Scalar(d("0"))}, false},
	}
	for _, tt := range tests {
		err := tt.params.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestKeyString(t *testing.T) {
	if got := KeyMaxDrawdownPercent.String(); got != "max_drawdown_percent" {
		t.Errorf("String() = %q", got)
	}
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }
