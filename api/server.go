// Package api implements the checkout HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/udhos/checkout/authorization"
)

// TokenSource provides bearer tokens for the payment API.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// Options configure the server.
type Options struct {
	Port     string
	DBName   string
	Recorder authorization.Recorder

	// Tokens is optional. When nil, the oauth status endpoint reports
	// the client as not configured.
	Tokens TokenSource

	// StaticDir is served at "/". Empty disables static files.
	StaticDir string

	Logger logrus.FieldLogger
}

// Server represents the HTTP API server.
type Server struct {
	router   *mux.Router
	server   *http.Server
	recorder authorization.Recorder
	tokens   TokenSource
	dbName   string
	log      logrus.FieldLogger
}

// New creates a server with its routes.
func New(options Options) *Server {
	if options.Port == "" {
		options.Port = "3000"
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	s := &Server{
		router:   mux.NewRouter(),
		recorder: options.Recorder,
		tokens:   options.Tokens,
		dbName:   options.DBName,
		log:      options.Logger,
	}

	s.setupRoutes(options.StaticDir)

	s.server = &http.Server{
		Addr:              ":" + options.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes(staticDir string) {
	s.router.Use(s.requestIDMiddleware, s.accessLogMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/authorizations", s.handleListAuthorizations).Methods(http.MethodGet)
	api.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodPost)
	api.HandleFunc("/oauth/status", s.handleOAuthStatus).Methods(http.MethodGet)

	if staticDir != "" {
		s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errServe := make(chan error, 1)

	go func() {
		s.log.WithField("addr", s.server.Addr).Info("starting API server")
		errServe <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errServe:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.log.Info("shutting down API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
