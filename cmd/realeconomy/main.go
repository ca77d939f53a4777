package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wysohn/RealEconomy/params"
	"github.com/wysohn/RealEconomy/pkg/api"
	"github.com/wysohn/RealEconomy/pkg/app/economy"
	"github.com/wysohn/RealEconomy/pkg/util"
)

func main() {
	envFile := flag.String("env", "", "path to .env file (default: ./.env)")
	flag.Parse()

	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv(*envFile)

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Logging.File, "level", cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// ---- Market ----
	app, err := economy.New(cfg, sugar)
	if err != nil {
		sugar.Fatalw("economy_init_failed", "err", err)
	}
	if err := app.Start(gctx); err != nil {
		sugar.Fatalw("economy_start_failed", "err", err)
	}

	// ---- API Server ----
	server := api.NewServer(app, cfg.API, cfg.Market.PriceWindowDays, sugar.Named("api"))

	g.Go(func() error { return server.Start(gctx) })
	// a halted broker brings the node down
	g.Go(app.Wait)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("node_failed", "err", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Market.MediatorGrace+10*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		sugar.Errorw("economy_stop_failed", "err", err)
	}
	sugar.Infow("node_stopped")
}
