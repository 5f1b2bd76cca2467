package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"tradeterm/internal/domain"
	"tradeterm/pkg/tradeterm"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tradeterm-cli [-server URL] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                                Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  symbols                                List available symbols\n")
	fmt.Fprintf(os.Stderr, "  accounts                               List accounts, current first\n")
	fmt.Fprintf(os.Stderr, "  orders <account>                       List orders\n")
	fmt.Fprintf(os.Stderr, "  positions <account>                    List open positions\n")
	fmt.Fprintf(os.Stderr, "  buy|sell <account> <symbol> <qty> [price] [sl] [tp]  (- skips a price)\n")
	fmt.Fprintf(os.Stderr, "                                         Place a market order, or a limit order at price\n")
	fmt.Fprintf(os.Stderr, "  cancel <account> <orderId>             Cancel an order or close its position\n")
	fmt.Fprintf(os.Stderr, "  bars <symbol> [resolution]             Print bars, e.g. 5D/5m\n")
	fmt.Fprintf(os.Stderr, "  events [kind...]                       Stream broker events until interrupted\n")
	fmt.Fprintf(os.Stderr, "\n")
	flag.PrintDefaults()
}

func main() {
	defaultServer := "http://127.0.0.1:8080"
	if s := os.Getenv("TRADETERM_SERVER"); s != "" {
		defaultServer = s
	}
	server := flag.String("server", defaultServer, "bridge server URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := tradeterm.NewClient(*server)
	if err := run(ctx, c, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *tradeterm.Client, cmd string, args []string) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	switch cmd {
	case "version":
		fmt.Printf("tradeterm-cli %s\n", version)

	case "symbols":
		symbols, err := c.Symbols(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "SYMBOL\tNAME\tEXCHANGE")
		for _, s := range symbols {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Symbol, s.Name, s.Exchange)
		}

	case "accounts":
		current, err := c.CurrentAccount(ctx)
		if err != nil {
			return err
		}
		accounts, err := c.Accounts(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "\tID\tNAME\tBALANCE\tEQUITY\tCCY")
		for _, a := range accounts {
			mark := ""
			if a.ID == current.ID {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t%s\n", mark, a.ID, a.Name, a.Balance, a.Equity, a.Currency)
		}

	case "orders":
		if len(args) != 1 {
			return fmt.Errorf("usage: orders <account>")
		}
		orders, err := c.Orders(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ID\tSYMBOL\tSIDE\tTYPE\tQTY\tPRICE\tSTATUS\tOPENED")
		for _, o := range orders {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				o.ID, o.Symbol, o.Side, o.Type, num(o.Quantity), orderPrice(o), o.Status,
				o.OpenTime.Local().Format(time.DateTime))
		}

	case "positions":
		if len(args) != 1 {
			return fmt.Errorf("usage: positions <account>")
		}
		positions, err := c.Positions(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ID\tSYMBOL\tSIDE\tQTY\tPRICE\tP/L")
		for _, p := range positions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%.2f\n", p.ID, p.Symbol, p.Side, num(p.Quantity), p.Price, p.Profit)
		}

	case "buy", "sell":
		req, account, err := parseOrder(domain.Side(cmd), args)
		if err != nil {
			return err
		}
		if err := c.PlaceOrder(ctx, account, req); err != nil {
			return err
		}
		fmt.Println("order accepted")

	case "cancel":
		if len(args) != 2 {
			return fmt.Errorf("usage: cancel <account> <orderId>")
		}
		if err := c.CancelOrder(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("cancelled")

	case "bars":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: bars <symbol> [resolution]")
		}
		res := ""
		if len(args) == 2 {
			res = args[1]
		}
		bars, err := c.Bars(ctx, args[0], res, "")
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "TIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
		for _, b := range bars {
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%.2f\t%d\n",
				b.Timestamp.Local().Format(time.DateTime), b.Open, b.High, b.Low, b.Close, b.Volume)
		}

	case "events":
		tw.Flush()
		return streamEvents(ctx, c, args)

	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func streamEvents(ctx context.Context, c *tradeterm.Client, kinds []string) error {
	stream, err := c.Events(ctx, kinds...)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Printf("%s  %-16s %s\n", ev.Time.Local().Format("15:04:05.000"), ev.Kind, ev.Payload)
	}
}

func parseOrder(side domain.Side, args []string) (tradeterm.PlaceOrderRequest, string, error) {
	if len(args) < 3 || len(args) > 6 {
		return tradeterm.PlaceOrderRequest{}, "", fmt.Errorf("usage: %s <account> <symbol> <qty> [price] [sl] [tp]", side)
	}
	qty, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return tradeterm.PlaceOrderRequest{}, "", fmt.Errorf("quantity %q: %w", args[2], err)
	}
	req := tradeterm.PlaceOrderRequest{Symbol: strings.ToUpper(args[1]), Side: side, Quantity: qty}

	prices := make([]*float64, 3)
	for i, raw := range args[3:] {
		if raw == "-" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return tradeterm.PlaceOrderRequest{}, "", fmt.Errorf("price %q: %w", raw, err)
		}
		prices[i] = domain.Price(v)
	}
	req.Price, req.StopLoss, req.TakeProfit = prices[0], prices[1], prices[2]
	return req, args[0], nil
}

func orderPrice(o domain.Order) string {
	for _, p := range []*float64{o.ExecutedPrice, o.LimitPrice, o.StopPrice} {
		if p != nil {
			return fmt.Sprintf("%.2f", *p)
		}
	}
	return "mkt"
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
