package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DEFECT_MONITOR/go-backend/internal/config"
	"DEFECT_MONITOR/go-backend/internal/database"
	"DEFECT_MONITOR/go-backend/internal/detector"
	"DEFECT_MONITOR/go-backend/internal/device"
	"DEFECT_MONITOR/go-backend/internal/handlers"
	"DEFECT_MONITOR/go-backend/internal/services"
	"DEFECT_MONITOR/go-backend/internal/session"
	"DEFECT_MONITOR/go-backend/internal/stream"
)

func main() {
	httpPort := flag.String("http-port", "", "HTTP port (overrides PORT)")
	grpcPort := flag.String("grpc-port", "", "gRPC health port (overrides GRPC_PORT)")
	flag.Parse()

	cfg := config.LoadConfig()
	if *httpPort != "" {
		cfg.HTTPPort = trimColon(*httpPort)
	}
	if *grpcPort != "" {
		cfg.GRPCPort = trimColon(*grpcPort)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	slog.Info("Starting...",
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
		"environment", cfg.Environment,
		"db_driver", cfg.DBDriver,
		"db_name", cfg.DBName,
		"db", cfg.DSNForLog(),
	)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx := context.Background()

	db, err := database.Open(ctx, cfg.DBDriver, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store, err := session.Open(cfg.SessionDir, cfg.SessionTTL)
	if err != nil {
		slog.Error("session store open failed", "dir", cfg.SessionDir, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	metrics := services.NewMetrics()
	users := database.NewUserRepository(db)
	defects := database.NewDefectRepository(db)
	hub := handlers.NewHub(metrics)

	var uploader detector.ImageUploader
	sc := services.StorageConfig{
		Region:          cfg.AWSRegion,
		Bucket:          cfg.S3Bucket,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretKey,
		EndpointURL:     cfg.AWSEndpointURL,
	}
	if cfg.S3Bucket != "" {
		client, err := services.NewS3Client(ctx, sc)
		if err != nil {
			slog.Error("S3 client init failed, evidence uploads disabled", "error", err)
		} else {
			uploader = services.NewUploader(client, sc)
		}
	}

	sink := services.MultiSink{hub}
	var emitter *services.MQTTEmitter
	if cfg.MQTTBroker != "" {
		emitter = services.NewMQTTEmitter(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID)
		if err := emitter.Connect(); err != nil {
			slog.Warn("MQTT broker unavailable, continuing without it", "broker", cfg.MQTTBroker, "error", err)
		}
		sink = append(sink, emitter)
	}

	launcher := detector.NewLauncher(detector.Config{
		Script:        cfg.DetectorScript,
		Interpreter:   cfg.DetectorPython,
		Bucket:        cfg.S3Bucket,
		AnnotatedWait: 3 * time.Second,
	}, defects, uploader, sink, metrics)

	h := handlers.New(handlers.Deps{
		Auth:        services.NewAuthenticator(users),
		Sessions:    session.NewManager(store, users, cfg.SessionSecret, !cfg.IsDev()),
		Defects:     defects,
		Detection:   launcher,
		Device:      device.NewClient(cfg.DeviceAPIURL),
		Relay:       stream.NewRelay(cfg.StreamURL, metrics),
		Hub:         hub,
		Sink:        sink,
		Metrics:     metrics,
		MQTT:        emitter,
		DB:          db,
		CORSOrigins: cfg.CORSOrigins,
		StaticDir:   cfg.StaticDir,
	})

	var health *services.HealthServer
	if cfg.GRPCPort != "" {
		health = services.NewHealthServer()
		go startGRPCServer(health, cfg.GRPCPort)
		health.SetServing(true)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go startHTTPServer(httpServer)

	// Ждём сигнала
	<-done
	slog.Info("Shutting down...")

	// No new runs from here on; requests still in flight get 503.
	if err := launcher.Close(); err != nil {
		slog.Warn("detector stop failed", "error", err)
	}

	if health != nil {
		health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		stopped := make(chan struct{})
		go func() {
			slog.Info("Stopping gRPC server...")
			health.Server().GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
			slog.Info("gRPC server stopped")
		case <-shutdownCtx.Done():
			slog.Warn("Forced gRPC shutdown")
			health.Server().Stop()
		}
		cancel()
	}

	httpShutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("Stopping HTTP server...")
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("Error shutting down HTTP server", "error", err)
	} else {
		slog.Info("HTTP server gracefully stopped")
	}

	slog.Info("Closing WebSocket connections...", "clients", hub.Count())
	hub.CloseAll()

	if emitter != nil {
		emitter.Disconnect()
	}

	slog.Info("Goodbye!")
}

func startGRPCServer(health *services.HealthServer, port string) {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		slog.Error("failed to listen on gRPC port", "port", port, "error", err)
		os.Exit(1)
	}

	slog.Info("gRPC health server listening", "port", port)
	if err := health.Server().Serve(lis); err != nil {
		slog.Error("failed to serve gRPC", "error", err)
	}
}

func startHTTPServer(srv *http.Server) {
	slog.Info("HTTP server listening", "addr", srv.Addr)
	slog.Info("WebSocket: ws://localhost" + srv.Addr + "/ws")
	slog.Info("REST API:  http://localhost" + srv.Addr + "/api/*")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Failed to serve HTTP", "error", err)
		os.Exit(1)
	}
}

func trimColon(port string) string {
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}
