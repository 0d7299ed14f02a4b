package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"reservo/pkg/reservo"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: reservo-cli [-server URL] [-owner NAME] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                 Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  reserve TICKER SIDE     Queue an order (SIDE: BUY_AVG, BUY_CEIL, SELL)\n")
	fmt.Fprintf(os.Stderr, "  list [STATUS...]        List reservations (default PENDING, \"all\" for every status)\n")
	fmt.Fprintf(os.Stderr, "  get ID                  Show one reservation\n")
	fmt.Fprintf(os.Stderr, "  cancel ID               Cancel a pending reservation\n")
	fmt.Fprintf(os.Stderr, "  reconcile               Run one reconciliation pass on the server\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	_ = godotenv.Load()

	server := flag.String("server", envOr("RESERVO_URL", "http://localhost:8080"), "reservo-server base URL")
	owner := flag.String("owner", os.Getenv("RESERVO_OWNER"), "owner the requests act for")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	client := reservo.NewClient(*server, *owner)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var err error
	switch args[0] {
	case "version":
		fmt.Printf("reservo-cli %s\n", version)
	case "reserve":
		err = runReserve(ctx, client, args[1:])
	case "list":
		err = runList(ctx, client, args[1:])
	case "get":
		err = withID(args[1:], func(id string) error {
			o, err := client.Get(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(o)
		})
	case "cancel":
		err = withID(args[1:], func(id string) error {
			if err := client.Cancel(ctx, id); err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", id)
			return nil
		})
	case "reconcile":
		var rep *reservo.Report
		if rep, err = client.Reconcile(ctx); err == nil {
			err = printJSON(rep)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runReserve(ctx context.Context, client *reservo.Client, args []string) error {
	fs := flag.NewFlagSet("reserve", flag.ExitOnError)
	seed := fs.Float64("seed", 0, "capital allocated to the position (buy sides)")
	avg := fs.Float64("avg", 0, "reference average price used when no position is held")
	at := fs.String("at", "", "execute after this RFC 3339 time (default next market open)")
	repeat := fs.Int("repeat", 0, "queue one order per session for this many sessions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("reserve needs TICKER and SIDE")
	}

	r := reservo.Reservation{
		Ticker:     fs.Arg(0),
		Side:       strings.ToUpper(fs.Arg(1)),
		Seed:       *seed,
		AvgPrice:   *avg,
		RepeatDays: *repeat,
	}
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("parsing -at: %w", err)
		}
		r.ExecuteAfter = &t
	}

	res, err := client.Reserve(ctx, r)
	if err != nil {
		return err
	}
	for _, id := range res.IDs {
		fmt.Println(id)
	}
	if res.RepeatGroup != "" {
		fmt.Printf("repeat group %s\n", res.RepeatGroup)
	}
	return nil
}

func runList(ctx context.Context, client *reservo.Client, statuses []string) error {
	orders, err := client.List(ctx, statuses...)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTICKER\tSIDE\tSTATUS\tEXECUTE AFTER\tRETRIES\tRESULT")
	for _, o := range orders {
		result := o.Error
		if o.Status == "DONE" {
			result = fmt.Sprintf("%d @ %.2f", o.ExecQty, o.ExecPrice)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			o.ID, o.Ticker, o.Side, o.Status, o.ExecuteAfter.Local().Format(time.DateTime), o.RetryCount, result)
	}
	return tw.Flush()
}

func withID(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one order id")
	}
	return fn(args[0])
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
