package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vppillai/diagram-tools-hub/internal/api"
	"github.com/vppillai/diagram-tools-hub/internal/config"
	"github.com/vppillai/diagram-tools-hub/internal/db"
	"github.com/vppillai/diagram-tools-hub/internal/metrics"
	"github.com/vppillai/diagram-tools-hub/internal/retention"
	"github.com/vppillai/diagram-tools-hub/internal/room"
	"github.com/vppillai/diagram-tools-hub/internal/store"
	"github.com/vppillai/diagram-tools-hub/internal/unfurl"
	"github.com/vppillai/diagram-tools-hub/internal/ws"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg := config.FromEnv()

	st, err := store.New(cfg.RoomsDir, cfg.AssetsDir)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	engine := room.NewEngine(st, m)
	gateway := ws.NewGateway(engine)
	resolver := unfurl.NewResolver()
	apiHandler := api.New(engine, st, database, resolver, cfg.MaxUploadBytes, m)
	defer apiHandler.Close()

	sweeper := retention.New(st, engine, retention.Config{
		Interval:       cfg.SweepInterval,
		RoomRetention:  cfg.RoomRetention,
		AssetRetention: cfg.AssetRetention,
		InitialDelay:   30 * time.Second,
	}, m)
	if cfg.SweepEnabled {
		sweeper.Start()
	}

	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/connect/", gateway.ServeWS)

	mux.HandleFunc("/health", apiHandler.HealthHandler)
	mux.HandleFunc("/api/health", apiHandler.APIHealthHandler)
	mux.HandleFunc("/api/rooms", apiHandler.RoomsHandler)
	mux.HandleFunc("/api/assets", apiHandler.AssetsHandler)
	mux.HandleFunc("/api/stats", apiHandler.StatsHandler)
	mux.HandleFunc("/api/versions", apiHandler.VersionsRouter)
	mux.HandleFunc("/api/versions/", apiHandler.VersionsRouter)
	mux.HandleFunc("/uploads/", apiHandler.UploadsRouter)
	mux.HandleFunc("/unfurl", apiHandler.UnfurlHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.CORS(mux),
	}

	done := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		server.Shutdown(ctx)

		if cfg.SweepEnabled {
			sweeper.Stop()
		}

		// Terminal flush for every live room, bounded by the grace
		// window.
		flushed := make(chan struct{})
		go func() {
			engine.CloseAll()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			log.Println("Shutdown deadline reached before all rooms flushed")
		}

		close(done)
	}()

	log.Printf("🎨 Diagram hub starting on :%s", cfg.Port)
	log.Printf("📁 Rooms: %s  Assets: %s  DB: %s", cfg.RoomsDir, cfg.AssetsDir, cfg.DBPath)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /connect/{roomId}?sessionId={id}")
	log.Println("  - Health:    GET /health, GET /api/health")
	log.Println("  - Rooms:     GET /api/rooms")
	log.Println("  - Assets:    GET /api/assets, PUT/GET /uploads/{id}")
	log.Println("  - Unfurl:    GET /unfurl?url={url}")
	log.Println("  - Versions:  GET/POST /api/versions, GET/DELETE /api/versions/{id}")
	log.Println("  - Restore:   POST /api/versions/{id}/restore")
	log.Println("  - Stats:     GET /api/stats, GET /metrics")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("ListenAndServe: ", err)
	}
	<-done
}
