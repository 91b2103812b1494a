package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	"cqt/internal/domain"
	"cqt/internal/risk"
)

func accountFields(info domain.AccountInfo) map[string]any {
	return map[string]any{
		"quote_currency": info.QuoteCurrency,
		"balance":        info.Balance.String(),
		"reserved":       info.Reserved.String(),
		"available":      info.Available.String(),
		"equity":         info.Equity.String(),
		"equity_exact":   info.EquityExact,
		"realized_pnl":   info.RealizedPnL.String(),
	}
}

func positionFields(p domain.Position) map[string]any {
	return map[string]any{
		"symbol":          p.Symbol,
		"quantity":        p.Quantity.String(),
		"avg_entry_price": p.AvgEntryPrice.String(),
		"cost_basis":      p.CostBasis.String(),
	}
}

func fillFields(f domain.Fill) map[string]any {
	return map[string]any{
		"order_id":      f.OrderID,
		"strategy_id":   f.StrategyID,
		"symbol":        f.Symbol,
		"side":          string(f.Side),
		"quantity":      f.Quantity.String(),
		"price":         f.Price.String(),
		"fee":           f.Fee.String(),
		"realized_pnl":  f.RealizedPnL.String(),
		"closed_qty":    f.ClosedQty.String(),
		"balance_after": f.BalanceAfter.String(),
		"timestamp":     formatTime(f.Timestamp),
	}
}

func orderFields(o *domain.Order) map[string]any {
	fills := make([]any, len(o.Fills))
	for i, f := range o.Fills {
		fills[i] = fillFields(f)
	}
	return map[string]any{
		"id":              o.ID,
		"client_order_id": o.ClientOrderID,
		"strategy_id":     o.StrategyID,
		"symbol":          o.Symbol,
		"side":            string(o.Side),
		"type":            string(o.Type),
		"amount":          o.Amount.String(),
		"price":           o.Price.String(),
		"status":          string(o.Status),
		"filled":          o.Filled.String(),
		"average":         o.Average.String(),
		"fee":             o.Fee.String(),
		"reason":          o.Reason,
		"fills":           fills,
		"created_at":      formatTime(o.CreatedAt),
		"updated_at":      formatTime(o.UpdatedAt),
	}
}

func decisionFields(d risk.Decision) map[string]any {
	return map[string]any{
		"accepted": d.Accepted,
		"reason":   string(d.Reason),
		"detail":   d.Detail,
	}
}

func snapshotFields(s risk.Snapshot) map[string]any {
	exposure := make(map[string]any, len(s.Exposure))
	for _, sym := range s.Symbols() {
		exposure[sym] = s.Exposure[sym].String()
	}
	return map[string]any{
		"strategy":          s.Strategy,
		"exposure":          exposure,
		"total_exposure":    s.TotalExposure.String(),
		"realized_pnl":      s.RealizedPnL.String(),
		"peak_realized_pnl": s.PeakRealizedPnL.String(),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// intentFromStruct reads an order intent. amount and price may be numbers or
// decimal strings; side and type are case-insensitive.
func intentFromStruct(s *structpb.Struct) (domain.OrderIntent, error) {
	f := s.GetFields()
	intent := domain.OrderIntent{
		StrategyID: f["strategy_id"].GetStringValue(),
		Symbol:     f["symbol"].GetStringValue(),
		Side:       domain.Side(strings.ToLower(f["side"].GetStringValue())),
		Type:       domain.OrderType(strings.ToLower(f["type"].GetStringValue())),
	}
	if intent.Symbol == "" {
		return intent, fmt.Errorf("symbol is required")
	}
	if intent.Type == "" {
		intent.Type = domain.OrderTypeMarket
	}
	if !intent.Side.Valid() {
		return intent, domain.Invalid(intent.Symbol, "side", domain.ErrInvalidSide)
	}
	if !intent.Type.Valid() {
		return intent, domain.Invalid(intent.Symbol, "type", domain.ErrInvalidOrderType)
	}

	var err error
	if intent.Amount, err = decimalValue(f["amount"]); err != nil {
		return intent, fmt.Errorf("amount: %w", err)
	}
	if intent.Price, err = decimalValue(f["price"]); err != nil {
		return intent, fmt.Errorf("price: %w", err)
	}
	return intent, nil
}

func decimalValue(v *structpb.Value) (decimal.Decimal, error) {
	switch k := v.GetKind().(type) {
	case nil:
		return decimal.Zero, nil
	case *structpb.Value_NullValue:
		return decimal.Zero, nil
	case *structpb.Value_NumberValue:
		return decimal.NewFromFloat(k.NumberValue), nil
	case *structpb.Value_StringValue:
		if k.StringValue == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(k.StringValue)
	}
	return decimal.Zero, fmt.Errorf("want a number or decimal string")
}
