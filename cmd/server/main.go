package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kbarstore/config"
	"kbarstore/internal/api"
	"kbarstore/internal/barsvc"
	"kbarstore/internal/market"
	"kbarstore/internal/metrics"
	"kbarstore/internal/reconcile"
	"kbarstore/internal/sched"
	"kbarstore/logger"
	"kbarstore/pkg/sinopac"
	"kbarstore/pkg/storage/postgres"
)

// Number of trailing minute bars pushed per websocket refresh event.
const pushTailBars = 30

func main() {
	// .env for local runs; absent in prod
	envErr := godotenv.Load()

	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()
	if envErr != nil {
		log.Debug("no .env file loaded", zap.Error(envErr))
	}

	store, err := postgres.InitializeAndMigrateBars(cfg.Postgres, cfg.Log.Environment, true)
	if err != nil {
		log.Fatal("failed to connect to DB", zap.Error(err))
	}
	defer store.Close()

	cal := market.NewCalendar()

	apiKey, secretKey := cfg.Sinopac.Credentials(cfg.Log.Environment)
	if apiKey == "" || secretKey == "" {
		log.Warn("provider credentials are empty, fetches will be rejected upstream")
	}
	fetcher := sinopac.NewClient(cfg.Sinopac.BaseURL, apiKey, secretKey,
		cal.Location(), cfg.Sinopac.Timeout, cfg.Sinopac.MinRequestGap)

	rec := metrics.New()
	reconciler := reconcile.New(store, fetcher, cal, cfg, log, rec)
	svc := barsvc.New(store, fetcher, reconciler, cal, cfg, log, rec)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go svc.Warmup(ctx, cfg.Reconcile.LookbackDays)

	hub := api.NewHub(log, rec)
	go hub.Run(ctx)

	handler := api.NewHandler(svc, hub, log)
	srv := api.NewServer(cfg.Server, handler, log)
	srv.Start()

	sched.NewDeepBackfill(reconciler, cal, cfg, log).Start(ctx)

	go refreshLoop(ctx, cfg.Server.RefreshInterval, svc, hub)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
}

// refreshLoop keeps the in-progress session fresh and pushes the refreshed
// tail to websocket clients.
func refreshLoop(ctx context.Context, interval time.Duration, svc *barsvc.Service, hub *api.Hub) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !svc.RefreshCurrent(ctx) {
			continue
		}

		info, err := svc.CurrentStatus(ctx)
		if err != nil {
			continue
		}
		session := market.SessionDay
		if info.Status == string(market.StatusNightSession) {
			session = market.SessionNight
		}
		bars, err := svc.GetBars(ctx, market.Interval1Min, session, 1, "")
		if err != nil || len(bars) == 0 {
			continue
		}
		if len(bars) > pushTailBars {
			bars = bars[len(bars)-pushTailBars:]
		}
		hub.Broadcast(api.NewBarsEvent(session, bars, &info))
	}
}
