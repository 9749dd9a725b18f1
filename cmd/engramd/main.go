package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hikarukin/engram/internal/api"
	"github.com/hikarukin/engram/internal/config"
	"github.com/hikarukin/engram/internal/decay"
	"github.com/hikarukin/engram/internal/extraction"
	"github.com/hikarukin/engram/internal/graph"
	"github.com/hikarukin/engram/internal/llm"
	"github.com/hikarukin/engram/internal/scheduler"
	"github.com/hikarukin/engram/internal/store"
)

func main() {
	// .env is optional; real env always wins.
	_ = godotenv.Load()

	// Logger
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Config
	cfgPath := os.Getenv("ENGRAM_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// SQLite
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Stores
	msgs := store.NewMessageStore(db)
	scheds := store.NewScheduleStore(db)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graph backend
	var backend graph.Store
	switch cfg.Graph.Backend {
	case "neo4j":
		backend, err = graph.NewNeo4jStore(rootCtx, cfg.Graph.Neo4j.URI,
			cfg.Graph.Neo4j.Username, cfg.Graph.Neo4j.Password)
		if err != nil {
			logger.Error("failed to connect to neo4j", "error", err)
			os.Exit(1)
		}
	default:
		backend = graph.NewSQLiteStore(db)
	}
	defer backend.Close(context.Background())

	graphMgr := graph.NewManager(backend, logger)

	// LLM collaborator
	client := llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model,
		time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
	extractor := extraction.NewExtractor(client, logger)

	// Decay
	decayMgr := decay.NewManager(backend, db, msgs, cfg.Decay, logger)

	// Scheduler + periodic jobs
	agentName := os.Getenv("ENGRAM_AGENT_NAME")
	if agentName == "" {
		agentName = "engram"
	}
	sched := scheduler.New(msgs, scheds, graphMgr, extractor, client, cfg, agentName, logger)
	svc := scheduler.NewService(sched, decayMgr, &scheduler.LogDeliverer{Logger: logger}, logger)
	if err := svc.Start(rootCtx); err != nil {
		logger.Error("failed to start scheduler service", "error", err)
		os.Exit(1)
	}

	// Router
	router := api.NewRouter(db, msgs, graphMgr, sched, decayMgr, cfg, logger)

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("engram server starting", "addr", addr, "graph_backend", cfg.Graph.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	cancel()
	svc.Stop()

	logger.Info("server stopped")
}
