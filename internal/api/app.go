package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/crm-gateway/internal/bus"
	"github.com/npezzotti/crm-gateway/internal/config"
	"github.com/npezzotti/crm-gateway/internal/gateway"
	"github.com/npezzotti/crm-gateway/internal/stats"
	"github.com/npezzotti/crm-gateway/internal/types"
)

// Gateway is the part of *gateway.Gateway the HTTP layer drives.
type Gateway interface {
	Authenticate(ctx context.Context, token string) (types.Identity, error)
	Connect(identity types.Identity, socket gateway.Socket) (*gateway.Connection, error)
}

type Publisher interface {
	Publish(ctx context.Context, e bus.Envelope) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type GatewayApp struct {
	log            *log.Logger
	srv            *http.Server
	gw             Gateway
	pub            Publisher
	db             Pinger
	stats          stats.StatsProvider
	allowedOrigins []string
	internalKey    string
}

// NewGatewayApp mounts the gateway routes on mux. /debug/vars is expected to
// be registered on the same mux by the stats updater. db may be nil when the
// gateway runs without a database.
func NewGatewayApp(mux *http.ServeMux, logger *log.Logger, gw Gateway, pub Publisher, db Pinger, su stats.StatsProvider, cfg *config.Config) *GatewayApp {
	if su == nil {
		su = stats.NopStats{}
	}

	s := &GatewayApp{
		log:            logger,
		gw:             gw,
		pub:            pub,
		db:             db,
		stats:          su,
		allowedOrigins: cfg.AllowedOrigins,
		internalKey:    cfg.InternalAPIKey,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /ws", s.serveWs)
	if s.internalKey != "" {
		mux.Handle("POST /api/events", s.internalAuth(s.publishEvent))
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.recoverPanics(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GatewayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *GatewayApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *GatewayApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
