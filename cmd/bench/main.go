// Command bench measures authorization latency and attempt-log queries
// as the attempt log grows. It uses a throwaway SQLite database unless
// TOOLGATE_DB_DRIVER and TOOLGATE_DB_DSN point elsewhere.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oktsec/toolgate/internal/admin"
	"github.com/oktsec/toolgate/internal/attempts"
	"github.com/oktsec/toolgate/internal/governance"
	"github.com/oktsec/toolgate/internal/policy"
	"github.com/oktsec/toolgate/internal/store"
)

func main() {
	ctx := context.Background()
	dir, _ := os.MkdirTemp("", "toolgate-bench-*")
	defer func() { _ = os.RemoveAll(dir) }()

	driver, dsn := os.Getenv("TOOLGATE_DB_DRIVER"), os.Getenv("TOOLGATE_DB_DSN")
	if dsn == "" {
		driver, dsn = "sqlite", filepath.Join(dir, "bench.db")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	db, err := store.Open(ctx, driver, dsn, logger)
	if err != nil {
		panic(err)
	}
	defer func() { _ = db.Close() }()

	pol := policy.Normalize(policy.Policy{Tools: map[string]policy.Tool{
		"price_estimate":   {Module: "valuation", Credits: 50},
		"describe_listing": {Module: "listings", Credits: 10},
		"enhance_photo":    {Module: "media", Credits: 25},
	}})
	engine := governance.New(db, pol, logger, governance.Options{})
	ops := admin.Identity{ID: "bench", Role: admin.RoleAdmin}
	if _, err := admin.New(db, nil, logger).GrantCredits(ctx, ops, "bench-user", 1<<40, "bench"); err != nil {
		panic(err)
	}

	recorder := attempts.NewRecorder()
	tools := pol.ToolNames()
	reasons := []governance.Reason{
		governance.ReasonOK, governance.ReasonOK, governance.ReasonOK,
		governance.ReasonInsufficientFunds, governance.ReasonThrottled, governance.ReasonCooldownActive,
	}

	scales := []int{1000, 10000, 50000, 100000, 500000}

	fmt.Println("=== SCALING BENCHMARK (attempt log, 24h window) ===")
	fmt.Println()

	written := 0
	for _, target := range scales {
		toWrite := target - written
		if toWrite <= 0 {
			continue
		}

		start := time.Now()
		batchSize := 500
		for i := 0; i < toWrite; i += batchSize {
			end := min(i+batchSize, toWrite)
			err := db.InTx(ctx, func(q store.Querier) error {
				for j := i; j < end; j++ {
					idx := written + j
					// 5K attempts within 24h, the rest older.
					at := time.Now().Add(-time.Duration(idx) * time.Second)
					if idx >= 5000 {
						at = at.Add(-48 * time.Hour)
					}
					tool := tools[idx%len(tools)]
					reason := reasons[idx%len(reasons)]
					allowed := reason == governance.ReasonOK || reason == governance.ReasonThrottled
					if _, err := recorder.Append(ctx, q, attempts.Record{
						UserID:           fmt.Sprintf("user-%d", idx%200),
						ToolName:         tool,
						Module:           pol.Tools[tool].Module,
						AttemptedAt:      at,
						WasAllowed:       allowed,
						Reason:           string(reason),
						CreditsRequired:  pol.Tools[tool].Credits,
						UserCreditsAfter: int64(idx % 1000),
					}); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				panic(err)
			}
		}
		written = target
		fillTime := time.Since(start)
		insertRate := float64(toWrite) / fillTime.Seconds()

		if db.Dialect() == store.SQLite {
			_, _ = db.Q().ExecContext(ctx, "ANALYZE")
		}

		denied := false
		dayAgo := time.Now().Add(-24 * time.Hour)
		type benchmark struct {
			name string
			fn   func()
		}
		benchmarks := []benchmark{
			{"Authorize", func() {
				_, _ = engine.Authorize(ctx, governance.Request{UserID: "bench-user", ToolName: "describe_listing"})
			}},
			{"Recent 50", func() { _, _ = recorder.Query(ctx, db.Q(), attempts.QueryOpts{Limit: 50}) }},
			{"Denied for user", func() {
				_, _ = recorder.Query(ctx, db.Q(), attempts.QueryOpts{UserID: "user-3", Allowed: &denied, Limit: 50})
			}},
			{"Abuse window count", func() {
				_, _, _ = recorder.Counts(ctx, db.Q(), "user-3", "price_estimate", time.Now().Add(-10*time.Minute))
			}},
			{"Summary (24h)", func() { _, _ = recorder.Summary(ctx, db.Q(), "", dayAgo) }},
			{"Summary (all rows)", func() { _, _ = recorder.Summary(ctx, db.Q(), "", time.Time{}) }},
		}

		size := ""
		if db.Dialect() == store.SQLite {
			fi, _ := os.Stat(dsn)
			wal, _ := os.Stat(dsn + "-wal")
			mb := float64(0)
			if fi != nil {
				mb += float64(fi.Size()) / (1024 * 1024)
			}
			if wal != nil {
				mb += float64(wal.Size()) / (1024 * 1024)
			}
			size = fmt.Sprintf(" | %.0f MB", mb)
		}

		fmt.Printf("--- %dk attempts (5k in 24h)%s | %.0f ins/sec ---\n", written/1000, size, insertRate)

		iters := 20
		if written >= 500000 {
			iters = 5
		}
		for _, b := range benchmarks {
			start := time.Now()
			for range iters {
				b.fn()
			}
			elapsed := time.Since(start)
			avgMs := float64(elapsed.Microseconds()) / float64(iters) / 1000.0
			fmt.Printf("  %-22s %7.1f ms\n", b.name, avgMs)
		}
		fmt.Println()
	}
}
