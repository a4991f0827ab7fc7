package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/neolive/internal/api"
	"github.com/npezzotti/neolive/internal/config"
	"github.com/npezzotti/neolive/internal/database"
	"github.com/npezzotti/neolive/internal/grant"
	"github.com/npezzotti/neolive/internal/relay"
	"github.com/npezzotti/neolive/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

func main() {
	var params config.Params
	flag.StringVar(&params.ServerAddr, "addr", "localhost:8000", "server address")
	flag.StringVar(&params.DatabaseDSN, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&params.SigningKey, "signing-key", defaultSigningKey, "base64 encoded session signing key")
	flag.StringVar(&params.AllowedOrigins, "allowed-origins", "", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&params.RelayKey, "relay-key", "neolive", "relay app key")
	flag.StringVar(&params.RelaySecret, "relay-secret", "", "secret used to sign channel grants")
	flag.StringVar(&params.RedisAddr, "redis", "", "redis address for the shared backplane, e.g. redis://localhost:6379/0")
	flag.Parse()

	logger := log.New(os.Stderr, "[neolive] ", log.LstdFlags)

	if err := config.LoadEnv(&params); err != nil {
		logger.Fatal("config:", err)
	}

	cfg, err := config.NewConfig(params)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgUserRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dbConn.Migrate(ctx); err != nil {
		logger.Fatal("db migrate:", err)
	}

	var backplane relay.Backplane = relay.NewLocalBackplane()
	if cfg.RedisAddr != "" {
		backplane, err = relay.NewRedisBackplane(ctx, cfg.RedisAddr, logger)
		if err != nil {
			logger.Fatal("redis backplane:", err)
		}
		logger.Printf("using redis backplane at %s", cfg.RedisAddr)
	}
	defer backplane.Close()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	hub := relay.NewHub(logger, grant.NewSigner(cfg.RelayKey, cfg.RelaySecret), backplane, statsUpdater)
	if err := hub.Start(context.Background()); err != nil {
		logger.Fatal("start relay:", err)
	}

	srv := api.NewNeoliveApp(mux, logger, hub, dbConn, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Println("received shutdown signal")
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Println("relay shutdown:", err)
	}

	logger.Println("shutdown complete")
}
