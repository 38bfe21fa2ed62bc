package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/presence/internal/api"
	"github.com/your-org/presence/internal/api/ws"
	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/queue"
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
	slog.Info("presence API starting", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	images, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("minio", "error", err)
		os.Exit(1)
	}
	if err := images.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure image bucket", "error", err)
	}

	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure presence stream", "error", err)
	}

	hub := ws.NewHub()
	go hub.Run()

	// Recorded events come back through JetStream and fan out to WebSocket
	// subscribers. The record handler publishes the fully-formed payload, so
	// the consumer just relays the bytes.
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("nats consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	relay := func(ctx context.Context, msg jetstream.Msg) error {
		hub.BroadcastRaw(msg.Data())
		return nil
	}
	if err := consumer.ConsumePresence(ctx, "api-presence", relay); err != nil {
		slog.Warn("start presence consumer", "error", err)
	}

	// The enrollment endpoint needs the vision models. If they fail to load
	// the API still serves everything else and enrollment returns 503.
	var extractFn func([]byte) (*vision.FaceResult, error)
	if err := vision.InitRuntime(); err != nil {
		slog.Warn("onnx runtime unavailable, enrollment disabled", "error", err)
	} else if model, err := vision.NewONNXModel(cfg.Vision.ModelsDir, cfg.Vision.DetectionThreshold); err != nil {
		slog.Warn("vision models unavailable, enrollment disabled", "error", err)
	} else {
		defer model.Close()
		extractor := vision.NewExtractor(model, cfg.Vision.MinFacePx)
		extractFn = func(imageData []byte) (*vision.FaceResult, error) {
			return extractor.ExtractJPEG(imageData, vision.ModeEnrollment)
		}
		slog.Info("enrollment pipeline ready")
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.RouterConfig{
			Token:     cfg.Server.Token,
			Store:     db,
			MinIO:     images,
			Producer:  producer,
			Hub:       hub,
			ExtractFn: extractFn,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("stopped")
}
