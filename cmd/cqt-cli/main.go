package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"cqt/pkg/cqt"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: cqt-cli [-addr host:port] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                                  Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  account                                  Show balance, reservations and equity\n")
	fmt.Fprintf(os.Stderr, "  positions                                List open positions\n")
	fmt.Fprintf(os.Stderr, "  buy|sell <symbol> <amount> [price]       Submit a market (or limit) order\n")
	fmt.Fprintf(os.Stderr, "  cancel <order-id>                        Cancel an open order\n")
	fmt.Fprintf(os.Stderr, "  state <strategy>                         Show a strategy's risk state\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "cqt-server gRPC address")
	strategyID := flag.String("strategy", "manual", "strategy ID attached to submitted orders")
	timeout := flag.Duration("timeout", 10*time.Second, "per-call timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	if args[0] == "version" {
		fmt.Printf("cqt-cli %s\n", version)
		return
	}

	c, err := cqt.Dial(*addr)
	if err != nil {
		fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "account":
		a, err := c.GetAccount(ctx)
		if err != nil {
			fatal(err)
		}
		exact := ""
		if !a.EquityExact {
			exact = " (some positions at cost)"
		}
		fmt.Printf("balance   %s %s\n", a.Balance, a.QuoteCurrency)
		fmt.Printf("reserved  %s\n", a.Reserved)
		fmt.Printf("available %s\n", a.Available)
		fmt.Printf("equity    %s%s\n", a.Equity, exact)
		fmt.Printf("realized  %s\n", a.RealizedPnL)

	case "positions":
		positions, err := c.GetPositions(ctx)
		if err != nil {
			fatal(err)
		}
		if len(positions) == 0 {
			fmt.Println("no open positions")
		}
		for _, p := range positions {
			fmt.Printf("%-12s qty %-14s avg %-14s cost %s\n", p.Symbol, p.Quantity, p.AvgEntryPrice, p.CostBasis)
		}

	case "buy", "sell":
		if len(args) < 3 {
			usage()
			os.Exit(1)
		}
		req := cqt.OrderRequest{StrategyID: *strategyID, Symbol: args[1], Side: args[0], Type: "market"}
		if req.Amount, err = decimal.NewFromString(args[2]); err != nil {
			fatal(fmt.Errorf("amount %q: %w", args[2], err))
		}
		if len(args) > 3 {
			if req.Price, err = decimal.NewFromString(args[3]); err != nil {
				fatal(fmt.Errorf("price %q: %w", args[3], err))
			}
			req.Type = "limit"
		}
		order, dec, err := c.SubmitOrder(ctx, req)
		if err != nil {
			fatal(err)
		}
		if !dec.Accepted {
			fmt.Printf("rejected: %s %s\n", dec.Reason, dec.Detail)
			os.Exit(2)
		}
		printOrder(order)

	case "cancel":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		order, err := c.CancelOrder(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		printOrder(order)

	case "state":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		st, err := c.GetStrategyState(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		fmt.Printf("strategy %s realized %s peak %s exposure %s\n",
			st.Strategy, st.RealizedPnL, st.PeakRealizedPnL, st.TotalExposure)
		for sym, v := range st.Exposure {
			fmt.Printf("  %-12s %s\n", sym, v)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}
}

func printOrder(o *cqt.Order) {
	fmt.Printf("%s %s %s %s %s @ %s: %s (filled %s avg %s fee %s)\n",
		o.ID, o.Side, o.Type, o.Amount, o.Symbol, o.Price, o.Status, o.Filled, o.Average, o.Fee)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "cqt-cli: %v\n", err)
	os.Exit(1)
}
