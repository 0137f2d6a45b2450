package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/okiri/gamelink-backend/internal/archive"
	"github.com/okiri/gamelink-backend/internal/eventbus"
	"github.com/okiri/gamelink-backend/internal/games/tictactoe"
	"github.com/okiri/gamelink-backend/internal/gateway"
	"github.com/okiri/gamelink-backend/internal/matchmaking"
	"github.com/okiri/gamelink-backend/internal/pkg/database"
	"github.com/okiri/gamelink-backend/internal/pkg/kafka"
	"github.com/okiri/gamelink-backend/internal/pkg/redis"
	"github.com/okiri/gamelink-backend/internal/relay"
	"github.com/okiri/gamelink-backend/internal/session"
	"github.com/okiri/gamelink-backend/internal/signaling"
)

func main() {
	// --- Configuration Loading ---
	viper.SetConfigName("gamelink-server")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs/development")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		slog.Error("Failed to read configuration file", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(viper.GetString("log.level")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Event Bus ---
	bus := eventbus.New(viper.GetInt("eventbus.capacity"), logger)

	// --- Game Rules Registry ---
	registry := session.NewRegistry()
	tictactoe.Register(registry)
	logger.Info("Game rules registered.", "gameTypes", registry.GameTypes())

	// --- Matchmaking ---
	matches := matchmaking.NewManager(matchmaking.Config{
		CodePrefix:         viper.GetString("matchmaking.code_prefix"),
		MatchTTL:           viper.GetDuration("matchmaking.match_ttl_seconds") * time.Second,
		SweepInterval:      viper.GetDuration("matchmaking.sweep_interval_seconds") * time.Second,
		MaxPendingPerAgent: viper.GetInt("matchmaking.max_pending_per_agent"),
		KnownGameType: func(gameType string) bool {
			_, ok := registry.Lookup(gameType)
			return ok
		},
	}, bus, logger)

	// --- Optional Result Archive (Postgres) ---
	var archiver session.ResultArchiver
	if viper.GetBool("database.enabled") {
		dbConnStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			viper.GetString("database.host"),
			viper.GetString("database.port"),
			viper.GetString("database.user"),
			viper.GetString("database.password"),
			viper.GetString("database.db_name"),
			viper.GetString("database.ssl_mode"),
		)
		db, err := database.NewPostgresDB(dbConnStr)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		archiver = archive.NewResultStore(db, logger)
		logger.Info("Database connection successful.")
	}

	// --- Sessions ---
	sessions := session.NewManager(session.Config{
		IdleTimeout:   viper.GetDuration("session.idle_timeout_seconds") * time.Second,
		SweepInterval: viper.GetDuration("session.sweep_interval_seconds") * time.Second,
	}, registry, bus, nil, archiver, logger)

	// --- Signaling / NAT Traversal ---
	var turnServers []signaling.TURNServer
	if err := viper.UnmarshalKey("webrtc.turn_servers", &turnServers); err != nil {
		slog.Error("Failed to parse TURN server configuration", "error", err)
		os.Exit(1)
	}
	peers := signaling.NewManager(signaling.Config{
		Enabled:            viper.GetBool("webrtc.enabled"),
		STUNServers:        viper.GetStringSlice("webrtc.stun_servers"),
		TURNServers:        turnServers,
		SharedSecret:       viper.GetString("webrtc.shared_secret"),
		CredentialTTL:      viper.GetDuration("webrtc.credential_ttl_seconds") * time.Second,
		TimeLimitedCreds:   viper.GetBool("webrtc.time_limited_credentials"),
		ForceRelay:         viper.GetBool("webrtc.force_relay"),
		ICETransportPolicy: viper.GetString("webrtc.ice_transport_policy"),
	}, bus, logger)

	// --- Optional Event Mirror (Redis) ---
	if viper.GetBool("redis.enabled") {
		rdb, err := redis.NewClient(redis.Config{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		})
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		store := archive.NewEventStore(rdb,
			viper.GetString("redis.event_key_prefix"),
			viper.GetInt64("redis.events_per_type"),
			logger,
		)
		archive.Mirror(bus, store, eventbus.Filter{}, logger)
		logger.Info("Redis event mirror attached.")
	}

	// --- Optional Event Relay (Kafka) ---
	if viper.GetBool("kafka.enabled") {
		producer := kafka.NewProducer(
			viper.GetStringSlice("kafka.brokers"),
			viper.GetString("kafka.topic"),
		)
		rl := relay.New(producer, bus, eventbus.Filter{}, logger)
		defer rl.Close()
	}

	// --- Gateway ---
	gw := gateway.New(matches, sessions, peers, bus, logger)

	// --- Background Sweeps ---
	matches.Start(ctx)
	sessions.Start(ctx)

	// --- HTTP Router and Middleware Setup ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	// The websocket endpoint is long-lived, so the timeout only guards the
	// plain HTTP routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", gw.ServeHTTP)
		r.Get("/ice/summary", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(peers.ConfigSummary()); err != nil {
				logger.Error("failed to write ICE summary", "error", err)
			}
		})
	})

	// --- gRPC Server (health checks for orchestration) ---
	grpcPort := viper.GetString("grpc_server.port")
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", grpcPort))
	if err != nil {
		slog.Error("Failed to listen on gRPC port", "port", grpcPort, "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	go func() {
		slog.Info("GameLink gRPC server listening", "address", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server failed to serve", "error", err)
		}
	}()

	// --- HTTP Server Initialization and Graceful Shutdown ---
	httpPort := viper.GetString("http_server.port")
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", httpPort),
		Handler: r,
	}

	go func() {
		slog.Info("GameLink server starting...", "port", httpPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Could not start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down GameLink server...")
	cancel() // Stops the matchmaking and session sweep loops.

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}
	grpcServer.GracefulStop()
	bus.Close()

	slog.Info("GameLink server stopped.")
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
