// Command marketplaced runs the BetterWorld marketplace core: the credit and
// token ledgers, submission economics, mission claim coordination, the
// evidence verification pipeline and the dispute engine, behind one HTTP API.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/broadcast"
	"github.com/betterworld-network/marketplace/internal/cache"
	"github.com/betterworld-network/marketplace/internal/config"
	"github.com/betterworld-network/marketplace/internal/flags"
	"github.com/betterworld-network/marketplace/internal/httpapi"
	"github.com/betterworld-network/marketplace/internal/imagesim"
	"github.com/betterworld-network/marketplace/internal/jobqueue"
	"github.com/betterworld-network/marketplace/internal/objectstore"
	"github.com/betterworld-network/marketplace/internal/platform/migrations"
	"github.com/betterworld-network/marketplace/internal/platform/postgres"
	"github.com/betterworld-network/marketplace/internal/scoring"
	"github.com/betterworld-network/marketplace/internal/sweeper"
	"github.com/betterworld-network/marketplace/services/disputes"
	"github.com/betterworld-network/marketplace/services/economy"
	"github.com/betterworld-network/marketplace/services/evidence"
	"github.com/betterworld-network/marketplace/services/ledger"
	"github.com/betterworld-network/marketplace/services/missions"
	"github.com/betterworld-network/marketplace/services/reputation"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := run(log, *configPath); err != nil {
		log.Fatalw("marketplaced exited", "error", err)
	}
}

func run(log *zap.SugaredLogger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migrations.Up(db); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	counter := cache.NewRedis(redisClient)

	flagProvider := flags.NewPostgres(db, log)
	hub := broadcast.NewHub(log)

	// Core services.
	wallet := ledger.New(ledger.NewPostgresStore(db), log)
	reputationSvc := reputation.New(reputation.NewPostgresStore(db), log)
	economySvc := economy.New(wallet, economy.NewPostgresStore(db), reputationSvc, flagProvider, log)
	missionSvc := missions.New(missions.NewPostgresStore(db), log)

	pool := jobqueue.NewPool(jobqueue.NewPostgresStore(db), log, cfg.Workers.Concurrency)
	evidenceSvc := evidence.New(evidence.Deps{
		Store:       evidence.NewPostgresStore(db),
		Missions:    missionSvc,
		Wallet:      wallet,
		Reputation:  reputationSvc,
		Scorer:      scoring.NewClient(cfg.Scoring.BaseURL, cfg.Scoring.APIKey),
		Objects:     objectstore.NewHMACProvider(cfg.Storage.BaseURL, cfg.Storage.SigningKey),
		Comparer:    imagesim.PHashComparer{},
		Counter:     counter,
		Jobs:        pool,
		Events:      hub,
		BudgetCents: cfg.Scoring.DailyBudgetCents,
		Log:         log,
	})
	evidenceSvc.RegisterJobs(pool)
	pool.Start(ctx)
	defer pool.Stop()

	disputeSvc := disputes.New(disputes.NewPostgresStore(db),
		wallet, economy.NewPostgresStore(db), reputation.NewPostgresStore(db), log)

	sw := sweeper.New(missions.NewPostgresStore(db), reputation.NewPostgresStore(db), log)
	if err := sw.Start(ctx); err != nil {
		return err
	}
	defer sw.Stop()

	server := httpapi.NewServer(httpapi.Services{
		Ledger:     wallet,
		Economy:    economySvc,
		Missions:   missionSvc,
		Evidence:   evidenceSvc,
		Disputes:   disputeSvc,
		Reputation: reputationSvc,
	}, hub, log)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.Router(float64(cfg.HTTP.RatePerSecond), cfg.HTTP.RateBurst),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("http server listening", "addr", cfg.HTTP.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
