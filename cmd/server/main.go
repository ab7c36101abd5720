package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/config"
	"github.com/yourusername/upload-gateway/internal/database"
	"github.com/yourusername/upload-gateway/internal/handlers"
	"github.com/yourusername/upload-gateway/internal/logger"
	"github.com/yourusername/upload-gateway/internal/middleware"
	"github.com/yourusername/upload-gateway/internal/services"
	"github.com/yourusername/upload-gateway/internal/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("starting", zap.String("port", cfg.Port))

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer client.Close()
	{
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audit := services.NewAuditLog(db, log)
	defer audit.Close()

	resolver := services.NewResolver(client, db, log)
	bans := services.NewBanEngine(client, db, audit, log)
	window := services.NewSlidingWindow(client, log)
	controller := services.NewAdmissionController(client, resolver, bans, window, audit, log, cfg.OpTimeout)

	recorder := services.NewUsageRecorder(client, log)
	defer recorder.Close()

	syncWorker := workers.NewSyncWorker(client, db, cfg.SyncInterval, log)
	rollupWorker := workers.NewRollupWorker(client, db, cfg.RollupLegacyKeys, log)

	scheduler := workers.NewScheduler(syncWorker, rollupWorker, log)
	if err := scheduler.Start(ctx, cfg.RollupSchedule); err != nil {
		log.Fatal("worker startup failed", zap.Error(err))
	}

	admission := middleware.NewAdmission(controller, log)
	usage := middleware.NewUsage(recorder)

	adminHandler := handlers.NewAdminHandler(db, resolver, log)
	healthHandler := handlers.NewHealthHandler(db, client, controller, syncWorker, rollupWorker, log)
	rollupHandler := handlers.NewRollupHandler(rollupWorker, log)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", healthHandler.HealthCheck)
	mux.HandleFunc("/stats", healthHandler.GetStats)

	mux.HandleFunc("/admin/keys", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			adminHandler.CreateAPIKey(w, r)
		case http.MethodGet:
			adminHandler.ListAPIKeys(w, r)
		default:
			http.Error(w, `{"error":"Method not allowed"}`, http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/admin/keys/delete", adminHandler.DeleteAPIKey)
	mux.HandleFunc("/admin/keys/deactivate", adminHandler.DeactivateAPIKey)
	mux.HandleFunc("/admin/rollup", rollupHandler.Run)

	// Provider routes mount behind the gate; adapters register their
	// own handlers on this subtree.
	mux.Handle("/v1/", admission.Middleware(usage.Middleware(http.NotFoundHandler())))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	log.Info("ready")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}
