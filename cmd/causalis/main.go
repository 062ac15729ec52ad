package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm/logger"

	"github.com/causalis/causalis/internal/config"
	"github.com/causalis/causalis/internal/database"
	"github.com/causalis/causalis/internal/handlers"
	"github.com/causalis/causalis/internal/jobs"
	"github.com/causalis/causalis/internal/metrics"
	"github.com/causalis/causalis/internal/services"
	slacknotify "github.com/causalis/causalis/internal/slack"
	"github.com/causalis/causalis/internal/vectorstore"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Causalis correlation engine...")

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	// Run database migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	db := database.GetDB()
	engineMetrics := metrics.New()

	// Embedding backend
	embedder := services.NewEmbeddingService(cfg.OllamaBaseURL, cfg.EmbeddingModel, engineMetrics)
	log.Printf("Embedding service initialized (model: %s)", cfg.EmbeddingModel)

	// Vector store and knowledge base
	chroma := vectorstore.NewChromaClient(cfg.ChromaBaseURL, cfg.ChromaCollection)
	knowledge := services.NewKnowledgeService(chroma, embedder, cfg.ContextSimilarityFloor, engineMetrics)
	log.Printf("Knowledge base initialized (collection: %s)", cfg.ChromaCollection)

	// Grouping engine
	grouping := services.NewGroupingService(db, embedder, services.GroupingConfig{
		Window:              time.Duration(cfg.GroupingWindowMinutes) * time.Minute,
		SimilarityThreshold: cfg.SimilarityThreshold,
	}, engineMetrics)

	// Slack notifications for RCA lifecycle events
	notifier := slacknotify.NewNotifier(cfg.SlackBotToken, cfg.SlackChannel)

	// Generation pipeline
	llm := services.NewOllamaClient(cfg.OllamaBaseURL, cfg.OllamaModel,
		time.Duration(cfg.GenerationTimeoutSeconds)*time.Second, engineMetrics)
	generation := services.NewGenerationService(db, llm, knowledge, notifier,
		time.Duration(cfg.GenerationTimeoutSeconds)*time.Second, engineMetrics)
	log.Printf("Generation pipeline initialized (model: %s)", cfg.OllamaModel)

	// RCA lifecycle
	lifecycle := services.NewLifecycleService(db, knowledge, notifier)

	// Background re-vectorization sweep
	revectorize := jobs.NewRevectorizeJob(db, knowledge,
		time.Duration(cfg.RevectorizeIntervalMinutes)*time.Minute, cfg.RevectorizeBatchLimit)
	stopJobs := make(chan struct{})
	go revectorize.Start(stopJobs)

	// HTTP routes: alert intake plus operational endpoints
	mux := http.NewServeMux()
	alertHandler := handlers.NewAlertHandler(db, grouping, generation, lifecycle, knowledge)
	alertHandler.SetupRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","llm_available":%t,"knowledge_available":%t}`,
			llm.Available(), knowledge.Available())
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Alert webhook endpoint: http://localhost:%d/webhook/alert", cfg.HTTPPort)
	log.Printf("Metrics endpoint: http://localhost:%d/metrics", cfg.HTTPPort)
	log.Printf("Health check endpoint: http://localhost:%d/healthz", cfg.HTTPPort)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	close(stopJobs)
	if err := httpServer.Close(); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
	log.Println("Shutdown complete")
}
