// Package main implements the kpi-backfill CLI tool, which re-aggregates
// KPI daily snapshots for an inclusive range of UTC days.
//
// Usage:
//
//	go run ./cmd/tools/kpi-backfill --from=2026-03-01 --to=2026-03-31
//	go run ./cmd/tools/kpi-backfill --from=2026-03-01 --to=2026-03-31 --dry-run
//
// The tool reads the same environment as the worker (or a .env file via
// godotenv). Each day is aggregated and upserted in order; the analytics
// cache tag is invalidated after every day, so a shared Redis cache sees the
// new values immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shopfloor/internal/analytics"
	"shopfloor/internal/config"
	"shopfloor/internal/runtime"
	"shopfloor/internal/types"
)

func main() {
	fromFlag := flag.String("from", "", "First UTC day to aggregate (YYYY-MM-DD)")
	toFlag := flag.String("to", "", "Last UTC day to aggregate, inclusive (YYYY-MM-DD)")
	dryRunFlag := flag.Bool("dry-run", false, "Print the days that would be aggregated without executing")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kpi-backfill --from=YYYY-MM-DD --to=YYYY-MM-DD [--dry-run]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	from, to, err := parseRange(*fromFlag, *toFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	if *dryRunFlag {
		for _, day := range days(from, to) {
			fmt.Println(day.Format(types.DateLayout))
		}
		return
	}

	if err := run(from, to); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(from, to time.Time) error {
	cfg, err := config.LoadConfig(config.ProviderFromEnv())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}
	defer func() { _ = rt.Shutdown(context.Background()) }()

	start := time.Now()
	n, err := rt.Aggregator.Backfill(ctx, from, to)
	if err != nil {
		return fmt.Errorf("backfill stopped after %d day(s): %w", n, err)
	}
	logger.Info("backfill complete",
		"from", from.Format(types.DateLayout),
		"to", to.Format(types.DateLayout),
		"days", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to are required")
	}
	from, err := analytics.ParseDay(fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from %q: %w", fromStr, err)
	}
	to, err := analytics.ParseDay(toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to %q: %w", toStr, err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to %s is before --from %s", toStr, fromStr)
	}
	return from, to, nil
}

func days(from, to time.Time) []time.Time {
	var out []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}
