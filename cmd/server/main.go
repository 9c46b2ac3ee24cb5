package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zaqqye/proctoring_backend/internal/config"
	"github.com/zaqqye/proctoring_backend/internal/controllers"
	"github.com/zaqqye/proctoring_backend/internal/database"
	"github.com/zaqqye/proctoring_backend/internal/identity"
	"github.com/zaqqye/proctoring_backend/internal/kv"
	"github.com/zaqqye/proctoring_backend/internal/liveness"
	"github.com/zaqqye/proctoring_backend/internal/memstore"
	"github.com/zaqqye/proctoring_backend/internal/mongostore"
	"github.com/zaqqye/proctoring_backend/internal/observability"
	"github.com/zaqqye/proctoring_backend/internal/pairing"
	"github.com/zaqqye/proctoring_backend/internal/perception"
	"github.com/zaqqye/proctoring_backend/internal/proctoring"
	"github.com/zaqqye/proctoring_backend/internal/routes"
	"github.com/zaqqye/proctoring_backend/internal/sessions"
	"github.com/zaqqye/proctoring_backend/internal/ws"
)

// backend is what a primary store driver provides.
type backend interface {
	sessions.Store
	sessions.ExamCatalog
	sessions.AnswerStore
	controllers.UserStore
	database.SeedTarget
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	observability.InitLogger("proctoring", cfg.LogLevel, cfg.LogFormat)
	observability.RegisterMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  backend
		events proctoring.EventStore
	)
	switch cfg.StoreDriver {
	case "postgres":
		db, err := database.Connect(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		if err := database.Migrate(db, cfg.EventStore == "postgres"); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		store = database.NewStore(db)
		if cfg.EventStore == "postgres" {
			events = database.NewEventStore(db)
		}
	default:
		mem := memstore.New()
		store = mem
		if cfg.EventStore == "memory" {
			events = mem
		}
		log.Warn().Msg("using in-memory store; data is lost on restart")
	}
	if cfg.EventStore == "mongo" {
		client, err := mongostore.Connect(ctx, cfg.MongoURL)
		if err != nil {
			log.Fatal().Err(err).Msg("mongo connection failed")
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}()
		mongoEvents := mongostore.NewEventStore(client.Database(cfg.MongoDB))
		if err := mongoEvents.EnsureIndexes(ctx); err != nil {
			log.Fatal().Err(err).Msg("mongo index creation failed")
		}
		events = mongoEvents
	}
	if events == nil {
		// EVENT_STORE=memory with a postgres primary store.
		events = memstore.New()
	}

	var (
		kvStore   kv.Store = kv.NewMemory()
		relayOpts []ws.Option
	)
	if cfg.RedisURL != "" {
		client, err := kv.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer client.Close()
		kvStore = kv.NewRedis(client)
		instanceID := cfg.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		relayOpts = append(relayOpts, ws.WithBus(ws.NewRedisBus(client, ws.DefaultBusChannel), instanceID))
	} else {
		log.Warn().Msg("REDIS_URL not set; TTL store is in-process and the relay is single-instance")
	}

	if err := database.SeedAdmin(ctx, store, cfg); err != nil {
		log.Fatal().Err(err).Msg("admin seed failed")
	}
	if cfg.SeedDemo {
		if err := database.SeedDemo(ctx, store); err != nil {
			log.Fatal().Err(err).Msg("demo seed failed")
		}
	}

	tokens := identity.NewProvider(identity.Config{
		AccessSecret:  cfg.JWTAccessSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		MobileSecret:  cfg.JWTMobileSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		MobileTTL:     cfg.MobileTokenTTL,
	})
	registry := sessions.NewRegistry(store, store, store, sessions.Config{AutoSubmitThreshold: cfg.AutoSubmitAt})
	tracker := liveness.NewTracker(kvStore, cfg.HeartbeatTTL)
	broker := pairing.NewBroker(kvStore, registry, tokens, pairing.Config{
		TTL:              cfg.PairingTokenTTL,
		MobileAppBaseURL: cfg.MobileAppBaseURL,
	})
	pipeline := proctoring.NewPipeline(events, registry,
		perception.NewClient(cfg.AIEngineURL, cfg.PerceptionTimeout),
		proctoring.Config{FlagThreshold: cfg.FlagAt})

	relayOpts = append(relayOpts, ws.WithUsers(store))
	relay := ws.NewRelay(ws.NewHub(), registry, tracker, tokens, relayOpts...)
	pipeline.SetNotifier(relay)
	go relay.Run(ctx)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigin,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	routes.Register(r, routes.Deps{
		Users:    store,
		Tokens:   tokens,
		KV:       kvStore,
		Registry: registry,
		Broker:   broker,
		Liveness: tracker,
		Pipeline: pipeline,
		Relay:    relay,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreDriver).Str("events", cfg.EventStore).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server exited with error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
