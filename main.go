package main

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"dm-service/internal/access"
	"dm-service/internal/auth"
	"dm-service/internal/config"
	"dm-service/internal/crypto"
	"dm-service/internal/db"
	"dm-service/internal/delivery"
	grpcclient "dm-service/internal/grpc"
	"dm-service/internal/handlers"
	"dm-service/internal/logging"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/repositories"
	"dm-service/internal/retention"
	"dm-service/internal/telemetry"
	"dm-service/internal/ws"
)

const auditRoutingKey = "audit.dm"

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.IsDevelopment())
	log := logging.For("main")
	if envErr != nil {
		log.WithError(envErr).Debug(".env file not loaded, using environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Env)
	if err != nil {
		log.WithError(err).Fatal("failed to init tracing")
	}

	conversations, messages, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer closeStore()

	socialConn, err := grpcclient.Dial(cfg.SocialGraphAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to social graph grpc")
	}
	defer socialConn.Close()
	gate := access.NewGate(grpcclient.NewSocialGraphClient(socialConn), cfg.AccessGateTimeout, cfg.AccessCacheTTL)

	keys, closeKeys, err := keyProvider(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to configure conversation keys")
	}
	defer closeKeys()
	encryptor := crypto.NewEncryptor(keys, cfg.EncryptionEnabled, cfg.EncryptTimeout)

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AuditExchange)
	defer auditPublisher.Close()
	eventsPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.EventsExchange)
	defer eventsPublisher.Close()
	observability.SetPublisher(eventsPublisher)
	log.WithFields(logrus.Fields{
		"encryption":   encryptor.Enabled(),
		"store_driver": cfg.StoreDriver,
	}).Info("dependencies configured")
	auditor := telemetry.NewAuditEmitter(auditPublisher, auditRoutingKey, cfg.ServiceName, cfg.Env)

	coordinator := delivery.NewCoordinator(conversations, messages, gate, encryptor, nil, auditor, delivery.Options{
		DeleteWindow: cfg.DeleteForEveryoneWindow,
		GracePeriod:  cfg.GracePeriod,
	})

	var bus ws.Bus
	if cfg.AMQPURL != "" {
		fanout, err := rabbitmq.NewFanoutBus(cfg.AMQPURL, cfg.EventsExchange+".fanout")
		if err != nil {
			log.WithError(err).Warn("event bus disabled, running single instance")
		} else {
			defer fanout.Close()
			bus = fanout
		}
	}
	hub := ws.NewHub(coordinator, coordinator, bus, cfg.TypingTTL)
	coordinator.SetBroadcaster(hub)
	hub.SetResolver(coordinator)
	go hub.Run(ctx)

	sweeper := retention.NewSweeper(messages, conversations, eventsPublisher, auditor, retention.Options{
		Interval:       cfg.SweepInterval,
		Batch:          cfg.SweepBatch,
		MaxRetries:     cfg.MaxGraceRetries,
		ReconcileAfter: cfg.ReconcileAfter,
	})
	sweeper.SetAnnouncer(coordinator)
	go sweeper.Run(ctx)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	burst := cfg.SendRatePerMinute / 6
	if burst < 1 {
		burst = 1
	}
	limiter := middleware.NewLimiterStore(cfg.SendRatePerMinute, burst, time.Minute)
	defer limiter.Stop()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.ServiceName),
		observability.RequestIDMiddleware(),
		observability.HTTPMetricsMiddleware(),
	)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": hub.SessionCount()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.Register(router, handlers.Routes{
		Service:    coordinator,
		Verifier:   verifier,
		Limiter:    limiter,
		Auditor:    auditor,
		AdminToken: cfg.AdminToken,
		WebSocket:  ws.NewHandler(hub, verifier).Handle,
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Idempotency-Key", "X-Request-ID", "X-Device-Id"},
		ExposedHeaders:   []string{"Content-Length", "X-Request-ID"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("port", cfg.Port).Info("dm-service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown")
	}
}

func openStore(ctx context.Context, cfg config.Config) (repositories.ConversationRepository, repositories.MessageRepository, func(), error) {
	if cfg.StoreDriver == "memory" {
		store := repositories.NewMemoryStore()
		return store, store, func() {}, nil
	}
	database, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() { _ = database.Close() }
	return repositories.NewConversationRepo(database), repositories.NewMessageRepo(database), closeFn, nil
}

// keyProvider prefers the external key service and falls back to keys
// derived from MASTER_KEY.
func keyProvider(cfg config.Config) (crypto.KeyProvider, func(), error) {
	if !cfg.EncryptionEnabled {
		return nil, func() {}, nil
	}
	if cfg.KeyServiceAddr != "" {
		conn, err := grpcclient.Dial(cfg.KeyServiceAddr)
		if err != nil {
			return nil, nil, err
		}
		provider := crypto.NewCachingKeyProvider(grpcclient.NewKeyServiceClient(conn), 10*time.Minute)
		return provider, func() { _ = conn.Close() }, nil
	}
	if cfg.MasterKey == "" {
		return nil, nil, errors.New("MASTER_KEY or KEY_SERVICE_GRPC_ADDR is required when encryption is enabled")
	}
	master, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, nil, err
	}
	provider, err := crypto.NewStaticKeyProvider(master)
	if err != nil {
		return nil, nil, err
	}
	return provider, func() {}, nil
}
