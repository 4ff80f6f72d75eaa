package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/relaypost/relay-bot/internal/capture"
	"github.com/relaypost/relay-bot/internal/config"
	"github.com/relaypost/relay-bot/internal/dedup"
	"github.com/relaypost/relay-bot/internal/models"
	"github.com/relaypost/relay-bot/internal/notifications"
	"github.com/relaypost/relay-bot/internal/orchestrator"
	"github.com/relaypost/relay-bot/internal/session"
	"github.com/relaypost/relay-bot/internal/storage"
	"github.com/relaypost/relay-bot/internal/transform"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting relay-bot")

	blobs, err := newStorage(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}

	dedupStore, err := dedup.Load(cfg.DedupFile)
	if err != nil {
		logrus.Fatalf("Failed to load dedup store: %v", err)
	}
	defer dedupStore.Close()

	gate, err := transform.NewGate(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.PromptOverride, cfg.MaxOutputTokens)
	if err != nil {
		logrus.Fatalf("Failed to initialize transform gate: %v", err)
	}

	sess := session.NewManager(session.NewPlatformClient(), session.DefaultConfig())
	engine := capture.NewEngine(cfg)
	notifier := notifications.NewService(cfg)

	svc := orchestrator.NewService(cfg, sess, dedupStore, gate, engine, blobs, notifier)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.HandleFunc("/status", statusHandler(svc)).Methods("GET")
	router.HandleFunc("/metrics", metricsHandler(svc)).Methods("GET")
	router.HandleFunc("/login", loginHandler(sess, cfg, notifier)).Methods("POST")
	router.HandleFunc("/start", startHandler(svc)).Methods("POST")
	router.HandleFunc("/stop", stopHandler(svc)).Methods("POST")
	router.HandleFunc("/failed-batch", failedBatchHandler(svc)).Methods("GET")
	router.HandleFunc("/failed-batch/retry", retryHandler(svc)).Methods("POST")
	router.HandleFunc("/links/clear", clearLinksHandler(svc)).Methods("POST")

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down...")

	if err := svc.Stop(true); err != nil {
		logrus.Debugf("Orchestrator was not running: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited")
}

func newStorage(cfg *config.Config) (storage.StorageInterface, error) {
	if cfg.StorageAccount != "" {
		return storage.NewAzureStorage(cfg.StorageAccount, cfg.StorageContainer)
	}
	return storage.NewLocalStorage(cfg.DataDir)
}

type controlResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func writeResult(w http.ResponseWriter, status int, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logrus.Errorf("Failed to write response: %v", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

func statusHandler(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusOK, svc.Status())
	}
}

func metricsHandler(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := svc.LastReport()
		if report == nil {
			writeResult(w, http.StatusOK, controlResult{OK: true, Message: "no cycle has completed yet"})
			return
		}
		writeResult(w, http.StatusOK, report)
	}
}

func loginHandler(sess *session.Manager, cfg *config.Config, notifier notifications.Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds := session.Credentials{
			Username: cfg.Username,
			Password: cfg.Password,
			Email:    cfg.Email,
		}
		if err := sess.Login(r.Context(), creds); err != nil {
			if errors.Is(err, session.ErrDetectionBlocked) {
				alertErr := notifier.SendAlert(&models.Alert{
					ID:        uuid.NewString(),
					Type:      "detection",
					Title:     "Login blocked by platform defense",
					Message:   err.Error(),
					CreatedAt: time.Now(),
				})
				if alertErr != nil {
					logrus.Errorf("Failed to send login alert: %v", alertErr)
				}
			}
			writeResult(w, http.StatusOK, controlResult{OK: false, Message: err.Error()})
			return
		}
		writeResult(w, http.StatusOK, controlResult{OK: true, Message: "logged in as @" + sess.Handle()})
	}
}

func startHandler(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go func() {
			if err := svc.Start(); err != nil {
				logrus.Errorf("Start failed: %v", err)
			}
		}()
		writeResult(w, http.StatusOK, controlResult{OK: true, Message: "start requested"})
	}
}

func stopHandler(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		immediate := r.URL.Query().Get("immediate") == "true"
		if err := svc.Stop(immediate); err != nil {
			writeResult(w, http.StatusOK, controlResult{OK: false, Message: err.Error()})
			return
		}
		writeResult(w, http.StatusOK, controlResult{OK: true, Message: "stop requested"})
	}
}

func failedBatchHandler(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch := svc.FailedBatchInfo()
		if batch == nil {
			writeResult(w, http.StatusOK, controlResult{OK: true, Message: "no failed batch"})
			return
		}
		writeResult(w, http.StatusOK, batch)
	}
}

func retryHandler(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.RetryFailedBatch(); err != nil {
			writeResult(w, http.StatusOK, controlResult{OK: false, Message: err.Error()})
			return
		}
		writeResult(w, http.StatusOK, controlResult{OK: true, Message: "failed batch republished"})
	}
}

func clearLinksHandler(svc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ClearProcessedLinks(); err != nil {
			writeResult(w, http.StatusOK, controlResult{OK: false, Message: err.Error()})
			return
		}
		writeResult(w, http.StatusOK, controlResult{OK: true, Message: "published-links store cleared"})
	}
}
