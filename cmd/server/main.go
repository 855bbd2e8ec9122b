package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drawbridge/internal/api"
	"drawbridge/internal/archive"
	"drawbridge/internal/collaboration"
	"drawbridge/internal/config"
	"drawbridge/internal/engine"
	"drawbridge/internal/files"
	"drawbridge/internal/store"
	"drawbridge/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting Drawbridge collaborative drawing server...")

	cfg := config.Load()

	// Tracing is optional - a missing collector never blocks startup.
	jaegerShutdown := func(ctx context.Context) error { return nil }
	if cfg.JaegerEndpoint != "" {
		shutdown, err := telemetry.InitJaeger("drawbridge", cfg.JaegerEndpoint)
		if err != nil {
			log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		} else {
			jaegerShutdown = shutdown
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatalf("❌ Failed to open data dir: %v", err)
	}
	log.Printf("✓ Session store ready at %s", cfg.DataDir)

	// Off-box snapshot archival is optional; history on disk is always kept.
	var archiver *archive.Archiver
	if cfg.ArchiveDSN != "" {
		archiver, err = archive.New(cfg.ArchiveDSN, cfg.ArchiveWorkers, cfg.ArchiveQueue)
		if err != nil {
			log.Printf("⚠️  Snapshot archive disabled: %v", err)
			archiver = nil
		} else {
			archiver.Start()
			st.SetBackupSink(archiver)
			log.Println("✓ Snapshot archive connected")
		}
	}

	var fileStorage files.Storage
	if cfg.FilesDir != "" {
		disk, err := files.NewDiskStorage(cfg.FilesDir)
		if err != nil {
			log.Fatalf("❌ Failed to open files dir: %v", err)
		}
		fileStorage = disk
		log.Printf("✓ File storage ready at %s", cfg.FilesDir)
	} else {
		log.Println("  File uploads disabled (DRAWBRIDGE_FILES_DIR not set)")
	}

	eng := engine.New(st)

	wsHandler := collaboration.NewHandler(eng)
	handler := api.NewHandler(eng, fileStorage)
	router := api.SetupRoutes(handler, wsHandler)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Flush every resident session before the process exits.
	eng.Shutdown()

	if archiver != nil {
		archiver.Shutdown()
	}

	log.Println("✓ Server shutdown complete")
}
