// Expertline - local companion service for digital expert conversations
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/expertline/internal/api"
	"github.com/ashureev/expertline/internal/assets"
	"github.com/ashureev/expertline/internal/auth"
	"github.com/ashureev/expertline/internal/bapi"
	"github.com/ashureev/expertline/internal/billing"
	"github.com/ashureev/expertline/internal/config"
	"github.com/ashureev/expertline/internal/domain"
	"github.com/ashureev/expertline/internal/events"
	"github.com/ashureev/expertline/internal/health"
	"github.com/ashureev/expertline/internal/identity"
	"github.com/ashureev/expertline/internal/middleware"
	"github.com/ashureev/expertline/internal/pvc"
	"github.com/ashureev/expertline/internal/speech"
	"github.com/ashureev/expertline/internal/store"
	"github.com/ashureev/expertline/internal/telemetry"
	"github.com/ashureev/expertline/internal/usage"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := telemetry.NewLogger(telemetry.LoggerConfig{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := logCloser.Close(); closeErr != nil {
			slog.Error("Failed to close log file", "error", closeErr)
		}
	}()
	slog.SetDefault(logger)

	if envErr != nil {
		slog.Info("No .env file found, using environment variables")
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "api_url", cfg.APIURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsEnabled {
		shutdownMetrics, err := telemetry.InitMetrics(ctx, cfg.MetricsFile, 0)
		if err != nil {
			slog.Error("Failed to initialize metrics", "error", err)
			os.Exit(1)
		}
		defer shutdownMetrics()
		slog.Info("Metrics enabled", "file", cfg.MetricsFile)
	}

	// Local state.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Login and backend client.
	authSvc := auth.NewService(repo, logger)
	if err := authSvc.Load(ctx); err != nil {
		slog.Error("Failed to load stored login", "error", err)
		os.Exit(1)
	}
	slog.Info("Login state loaded", "logged_in", authSvc.LoggedIn())

	client := bapi.New(cfg.APIURL, authSvc, cfg.RequestTimeout, bapi.WithLogger(logger))
	meter := usage.NewMeter(client, logger)
	hub := events.NewHub(events.Options{Logger: logger})

	authSvc.OnChange(func(loggedIn bool) {
		hub.Broadcast(events.TypeAuth, map[string]any{"logged_in": loggedIn, "redirect": api.LoginPath})
		if loggedIn {
			return
		}
		meter.Reset()
		if n, err := repo.ClearLastConversations(context.Background()); err != nil {
			slog.Warn("Failed to clear remembered conversations", "error", err)
		} else if n > 0 {
			slog.Info("Remembered conversations cleared", "count", n)
		}
	})
	meter.OnChange(func(status domain.UsageLimitStatus) {
		hub.Broadcast(events.TypeUsage, status)
	})

	// Optional integrations.
	var archive pvc.Archiver = assets.Nop{}
	if cfg.Assets.Bucket != "" {
		s3Store, err := assets.NewS3Store(assets.Config{
			Bucket:          cfg.Assets.Bucket,
			Region:          cfg.Assets.Region,
			Endpoint:        cfg.Assets.Endpoint,
			AccessKeyID:     cfg.Assets.AccessKeyID,
			SecretAccessKey: cfg.Assets.SecretAccessKey,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize asset store", "error", err)
			os.Exit(1)
		}
		archive = s3Store
		slog.Info("Recording archive enabled", "bucket", cfg.Assets.Bucket)
	}

	var confirmer billing.Confirmer
	if cfg.BillingEnabled() {
		confirmer = billing.NewStripeConfirmer(cfg.Billing.StripePublishableKey)
		slog.Info("Billing enabled")
	}
	billingSvc := billing.NewService(billing.Config{
		Backend:   client,
		Confirmer: confirmer,
		ReturnURL: cfg.Billing.ReturnURL,
		Logger:    logger,
	})

	checker := health.NewChecker(logger)
	checker.Add("database", repo.Ping)
	checker.Add("backend", client.Ping)
	checker.Start(ctx, cfg.Poll.Health)

	var grpcServer *grpc.Server
	if cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err, "port", cfg.GRPCPort)
			os.Exit(1)
		}
		grpcServer = grpc.NewServer()
		checker.Register(grpcServer)
		go func() {
			slog.Info("gRPC health listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Per-tab workspaces.
	devices := speech.NewSocketManager(logger)
	registry := api.NewRegistry(api.WorkspaceDeps{
		Backend: client,
		Meter:   meter,
		Last:    repo,
		Events:  hub,
		Devices: devices,
		Archive: archive,
		Config:  cfg,
		Logger:  logger,
	})
	registry.StartSweeper(ctx, cfg.WorkspaceTTL)
	slog.Info("Workspace sweeper started", "workspace_ttl", cfg.WorkspaceTTL)

	handler := api.NewHandler(api.Deps{
		Backend:  client,
		Auth:     authSvc,
		Meter:    meter,
		Registry: registry,
		Billing:  billingSvc,
		Health:   checker,
		Events:   hub,
		Config:   cfg,
		Logger:   logger,
	})
	wsHandler := speech.NewSocketHandler(devices, registry, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL, cfg.IsDevelopment())))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterRoutes(r)

	// WebSocket endpoint for the speech device.
	r.Get("/ws/speech", wsHandler.ServeHTTP)

	// SSE streams stay open, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// End open sessions while the backend is still reachable with the token.
	registry.CloseAll(shutdownCtx)
	devices.CloseAll()
	hub.Close()
	checker.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
