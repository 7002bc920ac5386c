package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"regradar/internal/config"
	"regradar/internal/handlers"
	"regradar/internal/pkg/logger"
	"regradar/internal/services"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("starting regradar",
		"environment", cfg.Environment,
		"port", cfg.HTTP.Port,
		"tavily_enabled", cfg.TavilyEnabled(),
		"mem0_enabled", cfg.Mem0Enabled())

	redisStore, err := services.NewRedisMemoryService(cfg.Redis, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()

	var memory services.MemoryStore = redisStore
	if cfg.Mem0Enabled() {
		mem0, err := services.NewMem0Service(cfg.Mem0, redisStore, log)
		if err != nil {
			log.Warn("mem0 initialization failed, using redis memory only", "error", err)
		} else {
			memory = mem0
		}
	}

	gateway, err := services.NewGatewayService(cfg.Gateway, log)
	if err != nil {
		log.Error("failed to initialize gateway service", "error", err)
		os.Exit(1)
	}

	var retriever services.Retriever
	if cfg.TavilyEnabled() {
		retriever, err = services.NewTavilyService(cfg.Tavily, redisStore.Client(), log)
	} else {
		log.Warn("TAVILY_API_KEY not set, falling back to direct crawler retrieval")
		retriever, err = services.NewCrawlerService(cfg.Crawler, log)
	}
	if err != nil {
		log.Error("failed to initialize retriever", "error", err)
		os.Exit(1)
	}

	orchestrator := services.NewOrchestrator(gateway, retriever, memory, *cfg, log)
	defer orchestrator.Close()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	handler := handlers.NewChatHandler(orchestrator, memory, log)
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	log.Info("regradar stopped")
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		log.LogHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(startTime), c.ClientIP())
	}
}
