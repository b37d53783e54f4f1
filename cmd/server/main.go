package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chathive/session-orchestrator/internal/crypto"
	"github.com/chathive/session-orchestrator/internal/federation"
	"github.com/chathive/session-orchestrator/internal/gateway"
	"github.com/chathive/session-orchestrator/internal/httpapi"
	"github.com/chathive/session-orchestrator/internal/monitoring"
	"github.com/chathive/session-orchestrator/internal/placement"
	"github.com/chathive/session-orchestrator/internal/session"
	"github.com/chathive/session-orchestrator/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		port            = flag.Int("port", 8080, "HTTP server port")
		dbHost          = flag.String("db-host", "localhost", "Database host")
		dbPort          = flag.Int("db-port", 5432, "Database port")
		dbUser          = flag.String("db-user", "admin", "Database user")
		dbPass          = flag.String("db-pass", "securepassword", "Database password")
		dbName          = flag.String("db-name", "session_registry", "Database name")
		redisAddr       = flag.String("redis-addr", "localhost:6379", "Redis address")
		tenantID        = flag.String("tenant-id", "", "This server's tenant id")
		serverName      = flag.String("server-name", "", "This server's name for signed requests")
		gatewayURL      = flag.String("gateway-url", "ws://localhost:9090", "Protocol gateway base URL")
		encryptionKey   = flag.String("encryption-key", "", "32-byte key for credential encryption at rest")
		monitorInterval = flag.Duration("monitor-interval", time.Minute, "Reconciliation interval")
		rpcTimeout      = flag.Duration("rpc-timeout", 15*time.Second, "Cross-tenant RPC timeout")
	)
	flag.Parse()

	if *tenantID == "" {
		log.Fatal().Msg("tenant-id is required")
	}
	if *serverName == "" {
		*serverName = *tenantID
	}

	cipher, err := crypto.New([]byte(*encryptionKey))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid encryption key")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		*dbHost, *dbPort, *dbUser, *dbPass, *dbName)

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, dsn, rdb, cipher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer st.Close()

	monitoring.InitMetrics()

	manager := session.NewManager(gateway.New(*gatewayURL), st, session.Config{})
	remote := federation.NewClient(*tenantID, *serverName, *rpcTimeout)
	coordinator := placement.NewCoordinator(st, manager, remote, *tenantID)

	replay := federation.NewRedisReplayCache(rdb, federation.TokenTTL)
	verifier := federation.NewVerifier(st, *tenantID, replay)
	fedServer := federation.NewServer(verifier, st, manager, *tenantID)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	fedServer.Register(router)
	httpapi.New(coordinator, manager).Register(router)
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	monitor := session.NewMonitor(st, manager, *monitorInterval)
	go monitor.Run(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}
	go func() {
		log.Info().Msgf("Session orchestrator for tenant %s listening on port %d", *tenantID, *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	for _, s := range manager.StatusAll() {
		if err := manager.Stop(shutdownCtx, s.BotID); err != nil {
			log.Error().Err(err).Str("bot_id", s.BotID.String()).Msg("Failed to stop session")
		}
	}
	log.Info().Msg("Server exiting")
}
