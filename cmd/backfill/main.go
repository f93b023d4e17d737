package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"kbarstore/config"
	"kbarstore/internal/market"
	"kbarstore/internal/reconcile"
	"kbarstore/logger"
	"kbarstore/pkg/sinopac"
	"kbarstore/pkg/storage/postgres"
)

func main() {
	var (
		days         = flag.Int("days", 500, "calendar days back from today to scan")
		session      = flag.String("session", "day", "session window to fill: day, night or full")
		skipExisting = flag.Bool("skip-existing", true, "leave dates that already hold enough bars")
		force        = flag.Bool("force", false, "delete and refill every date, covered or not")
		order        = flag.String("order", "oldest", "fill order: oldest or newest first")
	)
	flag.Parse()

	sess := market.Session(*session)
	if !sess.IsValid() {
		fmt.Fprintf(os.Stderr, "invalid session %q\n", *session)
		os.Exit(2)
	}
	if *order != "oldest" && *order != "newest" {
		fmt.Fprintf(os.Stderr, "invalid order %q\n", *order)
		os.Exit(2)
	}
	if *days <= 0 {
		fmt.Fprintf(os.Stderr, "invalid days %d\n", *days)
		os.Exit(2)
	}

	// .env for local runs; absent in prod
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	store, err := postgres.InitializeAndMigrateBars(cfg.Postgres, cfg.Log.Environment, true)
	if err != nil {
		log.Fatal("failed to connect to DB", zap.Error(err))
	}
	defer store.Close()

	cal := market.NewCalendar()

	apiKey, secretKey := cfg.Sinopac.Credentials(cfg.Log.Environment)
	if apiKey == "" || secretKey == "" {
		log.Fatal("SINOPAC_API_KEY / SINOPAC_SECRET_KEY are not set")
	}
	fetcher := sinopac.NewClient(cfg.Sinopac.BaseURL, apiKey, secretKey,
		cal.Location(), cfg.Sinopac.Timeout, cfg.Sinopac.MinRequestGap)

	reconciler := reconcile.New(store, fetcher, cal, cfg, log, nil)

	today := market.DateOf(time.Now(), cal.Location())
	var dates []market.Date
	for offset := *days; offset >= 0; offset-- {
		d := today.AddDays(-offset)
		if cal.IsBusinessDay(d) {
			dates = append(dates, d)
		}
	}
	if *order == "newest" {
		for i, j := 0, len(dates)-1; i < j; i, j = i+1, j-1 {
			dates[i], dates[j] = dates[j], dates[i]
		}
	}

	log.Info("backfill starting",
		zap.Int("dates", len(dates)),
		zap.String("session", string(sess)),
		zap.Bool("skip_existing", *skipExisting),
		zap.Bool("force", *force),
		zap.String("order", *order))

	ctx := context.Background()
	start := time.Now()
	var filled, skipped, failed int
	for i, d := range dates {
		bars, err := reconciler.BackfillDate(ctx, d, sess, *skipExisting, *force)
		if err != nil {
			failed++
			log.Warn("date failed",
				zap.String("date", d.String()),
				zap.Error(err))
			continue
		}
		if bars == 0 {
			skipped++
		} else {
			filled++
		}
		if (i+1)%50 == 0 {
			log.Info("progress",
				zap.Int("done", i+1),
				zap.Int("total", len(dates)),
				zap.Int("filled", filled),
				zap.Int("skipped", skipped),
				zap.Int("failed", failed))
		}
	}

	log.Info("backfill finished",
		zap.Int("filled", filled),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)))
}
