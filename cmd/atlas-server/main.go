package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"weight-atlas/internal/api"
	"weight-atlas/internal/config"
	"weight-atlas/internal/engine"
	"weight-atlas/internal/model"
	"weight-atlas/internal/render"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🗺️ ================================")
	log.Println("🗺️  WEIGHT ATLAS")
	log.Println("🗺️ ================================")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("🎯 Target %dx%d, padding %.2f, pow2=%v, backend=%q",
		cfg.Viewport.TargetWidth, cfg.Viewport.TargetHeight,
		cfg.Viewport.PaddingFraction, cfg.Viewport.PowerOfTwo, cfg.Grid.Backend)

	eng, err := engine.New(engine.OptionsFromConfig(cfg))
	if err != nil {
		log.Fatalf("❌ Failed to create engine: %v", err)
	}
	eng.Start()

	if cfg.Model.AutoLoad {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := eng.Load(ctx, startupSource(cfg.Model)); err != nil {
			log.Printf("⚠️ Startup model not loaded: %v", err)
		}
		cancel()
	}

	api.StartDebugServer(cfg.Debug)

	if cfg.Server.AdminToken != "" {
		log.Println("🔐 Admin token required for model load/unload")
	} else {
		log.Println("⚠️ Admin token not set (ATLAS_ADMIN_TOKEN), model endpoints are open")
	}

	manifestDir := os.Getenv("ATLAS_MANIFEST_DIR")
	if manifestDir == "" && cfg.Model.Manifest != "" {
		manifestDir = filepath.Dir(cfg.Model.Manifest)
	}

	renderOpts := render.DefaultOptions()
	renderOpts.Width, renderOpts.Height = cfg.Viewport.TargetWidth, cfg.Viewport.TargetHeight
	renderer := render.NewRenderer(renderOpts)
	pool := render.NewPool(0)
	pool.Start()
	renderer.UsePool(pool)
	log.Printf("🎨 Render pool: %d workers", pool.Workers())

	server := api.NewServer(eng, api.Options{
		Server:      cfg.Server,
		Renderer:    renderer,
		ManifestDir: manifestDir,
	})

	go func() {
		addr := cfg.Server.Addr()
		log.Printf("🌐 API on http://localhost%s/api", addr)
		log.Printf("📡 WebSocket on ws://localhost%s/ws", addr)
		if err := server.Start(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("⚠️ Shutdown: %v", err)
	}
	pool.Stop()
	eng.Stop()
	log.Println("👋 Goodbye!")
}

func startupSource(cfg config.ModelConfig) model.Source {
	if cfg.Manifest != "" {
		return model.ManifestSource{Path: cfg.Manifest}
	}
	return model.DefaultSynthetic(cfg.Seed)
}
