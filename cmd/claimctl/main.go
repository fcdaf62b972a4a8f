package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/expense"
	"claimdesk.org/internal/expense/remote"
	"claimdesk.org/internal/feed"
	"claimdesk.org/internal/view"
)

const usage = `usage: claimctl [flags] <command> [args]

commands:
  get <id>
  submit <id>
  approve <id>
  reject <id> [reason]
  pay <id>
  watch [query]     stream snapshots, query like "view=pending&q=taxi"
`

func main() {
	log.SetFlags(0)
	var (
		addr    = flag.String("addr", envOr("CLAIMDESK_GRPC_ADDR", "localhost:9090"), "gRPC address")
		token   = flag.String("token", os.Getenv("CLAIMDESK_TOKEN"), "bearer token")
		timeout = flag.Duration("timeout", 10*time.Second, "timeout for unary calls")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *token == "" {
		log.Fatal("missing token: provide via -token or CLAIMDESK_TOKEN")
	}

	client, err := remote.Dial(*addr)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer client.Close()

	base, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	base = auth.ContextWithToken(base, *token)

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "watch" {
		if err := watch(base, client, args); err != nil {
			log.Fatalf("watch: %v", err)
		}
		return
	}

	if len(args) == 0 {
		log.Fatalf("%s: expense id is required", cmd)
	}
	ctx, cancel := remote.WithTimeout(base, *timeout)
	defer cancel()

	var e expense.Expense
	switch cmd {
	case "get":
		e, err = client.Get(ctx, args[0])
	case "submit":
		e, err = client.Submit(ctx, args[0])
	case "approve":
		e, err = client.Approve(ctx, args[0])
	case "reject":
		reason := ""
		if len(args) > 1 {
			reason = args[1]
		}
		e, err = client.Reject(ctx, args[0], reason)
	case "pay":
		e, err = client.MarkPaid(ctx, args[0])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s %s: %v", cmd, args[0], err)
	}
	printJSON(e)
}

func watch(ctx context.Context, client *remote.Client, args []string) error {
	q := view.NewQuery()
	if len(args) > 0 {
		values, err := url.ParseQuery(args[0])
		if err != nil {
			return fmt.Errorf("parse query: %w", err)
		}
		if q, err = view.ParseValues(values); err != nil {
			return err
		}
	}
	return client.Subscribe(ctx, q, func(s feed.Snapshot) error {
		fmt.Printf("# version=%d rows=%d/%d page=%d/%d total=%s\n",
			s.Version, len(s.Rows), s.FilteredCount, s.Page, s.TotalPages, s.Totals.TotalAmount)
		for _, e := range s.Rows {
			fmt.Printf("%s\t%s\t%s\t%s %s\t%s\n", e.ID, e.Date, e.Status, e.Amount, e.Currency, e.Title)
		}
		return nil
	})
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
