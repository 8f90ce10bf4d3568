package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/server"
)

// Pinger reports whether the message store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// App is the HTTP surface of the chat server: the websocket endpoint plus
// health and metrics.
type App struct {
	log            *log.Logger
	db             Pinger
	cs             *server.ChatServer
	allowedOrigins []string
	mux            *http.Server
}

func NewApp(logger *log.Logger, cs *server.ChatServer, db Pinger, metrics http.Handler, cfg *config.Config) *App {
	s := &App{
		log:            logger,
		db:             db,
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
	}

	s.mux = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           s.routes(metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *App) routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log, NoColor: true}))

	r.With(noCache).Get("/ws", s.serveWs)
	r.Get("/healthz", s.healthz)
	if metrics != nil {
		r.Method(http.MethodGet, "/debug/vars", metrics)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
	})

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(s.allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(r)

	return s.errorHandler(h)
}

func (s *App) Handler() http.Handler {
	return s.mux.Handler
}

func (s *App) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
