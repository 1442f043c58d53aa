package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/artregistry/provenance/cmd/txmonitor/worker"
	"github.com/artregistry/provenance/common/bootstrap"
	"github.com/artregistry/provenance/common/db"
	"github.com/artregistry/provenance/common/ledger"
	rediscommon "github.com/artregistry/provenance/common/redis"
	"github.com/artregistry/provenance/common/repository"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "txmonitor",
		bootstrap.WithoutQueue(),
		bootstrap.WithoutCache(),
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return db.InitSchema(ctx, database)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("txmonitor starting")

	// Create Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     components.Config.RedisAddr(),
		Password: components.Config.Redis.Password,
		DB:       components.Config.Redis.DB,
	})

	// Ping Redis
	if err := redisClient.Ping(ctx).Err(); err != nil {
		components.Logger.Error("failed to ping Redis", "error", err)
		os.Exit(1)
	}
	components.Logger.Info("connected to Redis")

	redisWrapper := rediscommon.NewClient(redisClient, components.Logger)

	// Wallet daemon client
	walletClient := ledger.NewHTTPClient(
		components.Config.Ledger.WalletURL,
		components.Config.Ledger.Timeout,
		components.Logger,
	)

	stores := repository.NewStores(components.DB)

	monitor := worker.NewMonitor(
		redisWrapper,
		stores,
		walletClient,
		components.Config.Ledger,
		components.Logger,
	)

	// Start monitor in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := monitor.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("transaction monitor error: %w", err)
		}
	}()

	components.Logger.Info("txmonitor started successfully")

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("monitor failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}

	components.Logger.Info("txmonitor shutting down gracefully")
}
