package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/presence"
	"github.com/your-org/presence/internal/recognizer"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Kiosk.SessionID == "" {
		fmt.Fprintln(os.Stderr, "kiosk.session_id is required")
		os.Exit(1)
	}

	slog.Info("starting presence kiosk",
		"session_id", cfg.Kiosk.SessionID,
		"storage_mode", cfg.Match.StorageMode,
		"device", cfg.Camera.Device)

	// Storage backend is chosen once at startup and never switched while
	// running; a mode change requires a restart.
	store, err := storage.Open(cfg)
	if err != nil {
		slog.Error("open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Hot-reloadable matching policy.
	dynamic := config.NewDynamic(*configPath, cfg.Match)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dynamic.Watch(ctx, 5*time.Second)

	var position *models.GeoPoint
	if cfg.Kiosk.Lat != nil && cfg.Kiosk.Lng != nil {
		position = &models.GeoPoint{Lat: *cfg.Kiosk.Lat, Lng: *cfg.Kiosk.Lng}
	}

	controller := presence.NewController(store, dynamic)
	camera := recognizer.NewCamera(cfg.Camera, cfg.Vision.FrameWidth)

	var pipeline *recognizer.Pipeline

	initFn := func(ctx context.Context) error {
		if err := vision.InitRuntime(); err != nil {
			return fmt.Errorf("onnx runtime: %w", err)
		}
		model, err := vision.NewONNXModel(cfg.Vision.ModelsDir, cfg.Vision.DetectionThreshold)
		if err != nil {
			return fmt.Errorf("load models: %w", err)
		}
		pipeline.SetExtractor(vision.NewExtractor(model, cfg.Vision.MinFacePx))
		return nil
	}

	pipeline = recognizer.NewPipeline(nil, store, controller, dynamic, cfg.Kiosk.SessionID, position)

	scheduler := recognizer.NewScheduler(camera, pipeline, cfg.Kiosk.Interval, cfg.Kiosk.CycleTimeout, initFn)

	if err := scheduler.Start(ctx); err != nil {
		slog.Error("start scheduler", "error", err)
		os.Exit(1)
	}

	slog.Info("kiosk scanning", "interval", cfg.Kiosk.Interval.String())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down kiosk...")
	cancel()
	scheduler.Stop()

	slog.Info("kiosk stopped")
}
