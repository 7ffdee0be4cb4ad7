// Package main is the entry point for the agentrelay daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/httpmw"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/coordinator"
	"github.com/agentrelay/agentrelay/internal/coordinator/api"
	"github.com/agentrelay/agentrelay/internal/coordinator/store"
	"github.com/agentrelay/agentrelay/internal/coordinator/streaming"
	"github.com/agentrelay/agentrelay/internal/coordinator/transport"
	"github.com/agentrelay/agentrelay/internal/events"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentrelay daemon...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	queueStore, err := store.NewFileStore(cfg.Store.Dir, log)
	if err != nil {
		log.Fatal("Failed to open queue store", zap.Error(err))
	}
	defer queueStore.Close()

	agentTransport := transport.NewBusTransport(eventBus, cfg.Transport.SendTimeoutDuration(), log)
	manager := coordinator.NewManager(cfg.Queue, queueStore, agentTransport, eventBus, log)

	// Restore coordinators for sessions with persisted queues so their
	// state is visible before the first request touches them.
	persisted, err := queueStore.Sessions()
	if err != nil {
		log.Warn("Failed to list persisted sessions", zap.Error(err))
	}
	for _, sessionID := range persisted {
		manager.Coordinator(sessionID)
	}
	if len(persisted) > 0 {
		log.Info("Restored persisted sessions", zap.Int("count", len(persisted)))
	}

	watcher := coordinator.NewWatcher(manager, eventBus, log)
	if err := watcher.Start(ctx); err != nil {
		log.Fatal("Failed to start busy watcher", zap.Error(err))
	}
	defer watcher.Stop()

	wsHub := streaming.NewHub(log)
	hubSub, err := wsHub.BindBus(eventBus)
	if err != nil {
		log.Fatal("Failed to bind websocket hub to event bus", zap.Error(err))
	}
	defer hubSub.Unsubscribe()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "relayd"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())

	v1 := router.Group("/api/v1")
	api.NewHandlers(manager, log).RegisterRoutes(v1)
	streaming.NewWSHandler(wsHub, log).RegisterRoutes(v1)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"event_bus": eventBus.IsConnected(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down agentrelay daemon...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Daemon exited with error", zap.Error(err))
	}

	// Make sure queued state writes reach disk before exit.
	queueStore.Flush()
	log.Info("agentrelay daemon stopped")
}
