package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/crm-gateway/internal/api"
	"github.com/npezzotti/crm-gateway/internal/auth"
	"github.com/npezzotti/crm-gateway/internal/bus"
	"github.com/npezzotti/crm-gateway/internal/config"
	"github.com/npezzotti/crm-gateway/internal/database"
	"github.com/npezzotti/crm-gateway/internal/gateway"
	"github.com/npezzotti/crm-gateway/internal/rooms"
	"github.com/npezzotti/crm-gateway/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	logger := log.New(os.Stderr, "[gateway] ", log.LstdFlags)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("config:", err)
	}

	var allowedOrigins stringSliceFlag
	flag.StringVar(&cfg.ServerAddr, "addr", cfg.ServerAddr, "server address")
	flag.StringVar(&cfg.SigningSecret, "signing-key", cfg.SigningSecret, "base64 encoded token signing key")
	flag.StringVar(&cfg.BusDriver, "bus", cfg.BusDriver, "event bus driver: memory, redis or postgres")
	flag.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis url for the redis bus")
	flag.StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, "database connection string for the postgres bus")
	flag.StringVar(&cfg.BusChannel, "channel", cfg.BusChannel, "event bus channel")
	flag.BoolVar(&cfg.AuthorizeJoins, "authorize-joins", cfg.AuthorizeJoins, "check conversation ownership on join")
	flag.BoolVar(&cfg.AllowSessionFallback, "session-fallback", cfg.AllowSessionFallback, "accept raw session tokens")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) > 0 {
		cfg.AllowedOrigins = allowedOrigins
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config:", err)
	}

	for _, w := range cfg.Warnings() {
		logger.Println("warning:", w)
	}

	instanceId := uuid.NewString()
	logger.Printf("instance %s using %s bus on %q", instanceId, cfg.BusDriver, cfg.BusChannel)

	transport, err := bus.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("bus open:", err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Println("bus close:", err)
		}
	}()

	verifier, err := auth.NewVerifier(cfg.SigningKey, cfg.AllowSessionFallback)
	if err != nil {
		logger.Fatal("auth:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	roomManager := rooms.NewManager(logger)
	statsUpdater.RegisterFunc(stats.NumActiveScopes, func() any { return roomManager.NumScopes() })

	publisher := bus.NewPublisher(logger, transport, cfg.BusChannel, instanceId, statsUpdater)
	gw := gateway.New(logger, verifier, roomManager, publisher, statsUpdater)

	var db api.Pinger
	if cfg.AuthorizeJoins {
		repo, err := database.NewPgConversationRepository(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("db open:", err)
		}
		defer func() {
			if err := repo.Close(); err != nil {
				logger.Println("db close:", err)
			}
		}()

		gw.SetAuthorizer(database.NewTenantAuthorizer(repo))
		db = repo
	}

	srv := api.NewGatewayApp(mux, logger, gw, publisher, db, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	relay := bus.NewRelay(logger, transport, cfg.BusChannel, instanceId, roomManager, statsUpdater)
	if err := relay.Start(relayCtx); err != nil {
		logger.Fatal("relay:", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("closing client connections...")
	if err := gw.Shutdown(shutDownCtx); err != nil {
		logger.Println("gateway shutdown:", err)
	}

	stopRelay()
	<-relay.Done()

	logger.Println("shutdown complete")
}
