package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gigconnect-chat/internal/auth"
	"gigconnect-chat/internal/broker"
	"gigconnect-chat/internal/config"
	"gigconnect-chat/internal/db"
	"gigconnect-chat/internal/handlers"
	"gigconnect-chat/internal/logging"
	"gigconnect-chat/internal/middleware"
	"gigconnect-chat/internal/observability"
	"gigconnect-chat/internal/payments"
	"gigconnect-chat/internal/presence"
	"gigconnect-chat/internal/rabbitmq"
	"gigconnect-chat/internal/repositories"
	"gigconnect-chat/internal/service"
	"gigconnect-chat/internal/telemetry"
	"gigconnect-chat/internal/ws"
)

type store struct {
	users    repositories.UserRepository
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	ping     handlers.Pinger
}

func openStore(ctx context.Context, cfg *config.Config) (store, func(), error) {
	if cfg.DB.Driver == "memory" {
		mem := repositories.NewMemoryStore()
		logging.L().Warn().Msg("using in-memory store, data is lost on restart")
		return store{users: mem, chats: mem, messages: mem}, func() {}, nil
	}

	database, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		return store{}, nil, fmt.Errorf("connect db: %w", err)
	}
	return store{
		users:    repositories.NewUserRepo(database),
		chats:    repositories.NewChatRepo(database),
		messages: repositories.NewMessageRepo(database),
		ping:     database.PingContext,
	}, func() { database.Close() }, nil
}

func newChatService(cfg *config.Config, st store, notifier service.Notifier, tracker presence.Tracker, audit *telemetry.AuditEmitter) *service.ChatService {
	opts := []service.Option{
		service.WithConfig(service.Config{
			MaxContentLength: cfg.Chat.MaxContentLength,
			DefaultPageSize:  cfg.Chat.DefaultPageSize,
			MaxPageSize:      cfg.Chat.MaxPageSize,
		}),
	}
	if tracker != nil {
		opts = append(opts, service.WithPresence(tracker))
	}
	if audit != nil {
		opts = append(opts, service.WithAudit(audit))
	}
	return service.New(st.users, st.chats, st.messages, notifier, opts...)
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.L()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		ServiceName:  cfg.Tracing.ServiceName,
		Environment:  cfg.Environment,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, telemetry.RoutingKeyAudit, cfg.Tracing.ServiceName, cfg.Environment)
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")

	hub := ws.NewHub()
	var (
		notifier service.Notifier = hub
		tracker  presence.Tracker = presence.NewMemory()
		checks                    = map[string]handlers.Pinger{}
	)
	if st.ping != nil {
		checks["db"] = st.ping
	}
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

		fanout := broker.NewRedisFanout(rdb, cfg.Redis.Channel, hub)
		go func() {
			if err := fanout.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("fanout subscriber stopped")
			}
		}()
		notifier = fanout
		tracker = presence.NewRedis(rdb, cfg.Redis.PresenceTTL)
	}

	chats := newChatService(cfg, st, notifier, tracker, audit)
	jwt := auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	realtime := ws.NewHandler(hub, chats, jwt, tracker, notifier, ws.Config{
		PingInterval:   cfg.WS.PingInterval,
		PongWait:       cfg.WS.PongWait,
		WriteWait:      cfg.WS.WriteWait,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		SendBuffer:     cfg.WS.SendBuffer,
	})

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		otelgin.Middleware(cfg.Tracing.ServiceName),
		logging.GinMiddleware(*logger),
		observability.HTTPMetricsMiddleware(),
		gin.Recovery(),
	)

	router.GET("/healthz", handlers.Health(checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", realtime.Handle)

	api := router.Group("/", middleware.AuthMiddleware(jwt))
	handlers.NewChatHandler(chats).Register(api)
	api.POST("/payments/verify", handlers.NewPaymentHandler(payments.NewVerifier(cfg.Payments.RazorpaySecret), chats, audit).Verify)

	internal := router.Group("/internal", middleware.InternalToken(cfg.Internal.Token))
	internal.POST("/users", handlers.NewUserHandler(st.users).Upsert)

	handlers.RegisterDebugRoutes(router, audit, cfg.Debug.Enabled)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			observability.GRPCServerMetricsUnaryInterceptor(),
			logging.UnaryServerInterceptor(*logger),
		),
	)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Int("port", cfg.GRPC.Port).Msg("grpc health server listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err = <-errCh:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn().Err(shutdownErr).Msg("http shutdown")
	}
	grpcServer.GracefulStop()
	return err
}
