package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/piata/gateway"
	"github.com/example/piata/pkg/cart"
	"github.com/example/piata/pkg/catalog"
	"github.com/example/piata/pkg/checkout"
	"github.com/example/piata/pkg/config"
	"github.com/example/piata/pkg/discovery"
	"github.com/example/piata/pkg/identity"
	"github.com/example/piata/pkg/notify"
	"github.com/example/piata/pkg/repository"
	"github.com/example/piata/pkg/verification"
	"github.com/example/piata/pkg/watcher"
	"go.uber.org/zap"
)

func main() {
	// Load config
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Setup logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting checkout service",
		zap.String("name", cfg.Server.Name),
		zap.Int("port", cfg.Server.Port))

	ctx := context.Background()

	// Session store (MongoDB)
	mongoClient, err := repository.ConnectMongo(ctx, &cfg.MongoDB)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	sessions := repository.NewSessionRepository(mongoClient, &cfg.MongoDB)
	if err := sessions.EnsureIndexes(ctx); err != nil {
		logger.Fatal("Failed to create session indexes", zap.Error(err))
	}
	defer sessions.Close(ctx)

	// Orders and catalog (MySQL)
	db, err := repository.ConnectMySQL(&cfg.MySQL)
	if err != nil {
		logger.Fatal("Failed to connect to MySQL", zap.Error(err))
	}
	orders := repository.NewOrderRepository(db)

	// Codes, rate limits and product cache (Redis)
	redisRepo := repository.NewRedisRepository(&cfg.Redis)
	defer redisRepo.Close()
	if err := redisRepo.Ping(ctx); err != nil {
		logger.Warn("Redis connection failed", zap.Error(err))
	} else {
		logger.Info("Redis connected successfully")
	}

	// SMS dispatch actor
	system := actor.NewActorSystem()
	dispatcher := notify.NewDispatcher(system, &notify.LogProvider{Logger: logger}, cfg.Verification.DispatchTimeout, logger)

	// Wire the engine
	reader := catalog.NewCachedReader(orders, redisRepo, cfg.Session.ProductCache, logger)
	validator := catalog.NewValidator(reader, logger)
	ids := identity.NewStore(sessions, logger)
	ledger := cart.NewLedger(sessions, validator, &cfg.Session, logger)
	gate := verification.NewGate(sessions, redisRepo, redisRepo, dispatcher, cfg.Verification, logger)
	pipeline := checkout.NewPipeline(sessions, orders, cfg.Verification, cfg.Session, logger)

	// Reconciliation sweep
	watchCtx, stopWatcher := context.WithCancel(ctx)
	defer stopWatcher()
	go watcher.New(sessions, orders, cfg.Watcher, cfg.Session, logger).Run(watchCtx)

	// Service discovery (best effort, like the rest of the platform)
	sd, err := discovery.NewServiceDiscovery(&cfg.Etcd)
	if err != nil {
		logger.Warn("Failed to connect to etcd, continuing without service discovery", zap.Error(err))
		sd = nil
	} else {
		instance := &discovery.ServiceInstance{
			Name: cfg.Server.Name,
			Host: cfg.Server.Host,
			Port: cfg.Server.Port,
		}
		if err := sd.Register(ctx, instance); err != nil {
			logger.Warn("Failed to register service", zap.Error(err))
		} else {
			logger.Info("Service registered in etcd", zap.String("name", cfg.Server.Name))
		}
		defer func() {
			if err := sd.Deregister(ctx, instance); err != nil {
				logger.Error("Failed to deregister service", zap.Error(err))
			}
			sd.Close()
		}()
	}

	pingers := map[string]gateway.Pinger{
		"mongodb": sessions.Ping,
		"redis":   redisRepo.Ping,
	}

	gw := gateway.NewGateway(cfg, logger, ids, ledger, gate, pipeline, orders, pingers)
	gw.SetupRoutes()

	gwErr := make(chan error, 1)
	go func() {
		if err := gw.Start(); err != nil {
			gwErr <- err
		}
	}()

	logger.Info("Checkout service started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("Received shutdown signal")
	case err := <-gwErr:
		logger.Fatal("Gateway error", zap.Error(err))
	}

	stopWatcher()
	logger.Info("Checkout service stopped")
}
