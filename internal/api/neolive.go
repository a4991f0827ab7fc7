package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/neolive/internal/config"
	"github.com/npezzotti/neolive/internal/database"
	"github.com/npezzotti/neolive/internal/grant"
	"github.com/npezzotti/neolive/internal/relay"
	"github.com/npezzotti/neolive/internal/stats"
)

type NeoliveApp struct {
	log            *log.Logger
	db             database.UserRepository
	srv            *http.Server
	hub            *relay.Hub
	stats          stats.StatsProvider
	signer         *grant.Signer
	validate       *validator.Validate
	signingKey     []byte
	allowedOrigins []string
}

func NewNeoliveApp(mux *http.ServeMux, logger *log.Logger, hub *relay.Hub, db database.UserRepository, su stats.StatsProvider, cfg *config.Config) *NeoliveApp {
	s := &NeoliveApp{
		log:            logger,
		db:             db,
		hub:            hub,
		stats:          su,
		signer:         grant.NewSigner(cfg.RelayKey, cfg.RelaySecret),
		validate:       validator.New(),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	su.RegisterMetric(stats.GrantsIssued)
	su.RegisterMetric(stats.GrantsRefused)

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("POST /api/settings", s.authMiddleware(s.updateSettings))
	mux.HandleFunc("GET /api/users", s.authMiddleware(s.listUsers))
	mux.HandleFunc("GET /api/users/lookup", s.authMiddleware(s.lookupUser))
	// answers 401 with an empty body itself, so no authMiddleware
	mux.HandleFunc("POST /api/pusher/auth", s.authorizeChannel)
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *NeoliveApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *NeoliveApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
