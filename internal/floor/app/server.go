// Package app hosts the floor HTTP/WebSocket process: token-checked
// websocket endpoints per role, the frame protocol, and process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/brigadehq/brigade/internal/floor/auth"
	"github.com/brigadehq/brigade/internal/floor/catalog"
	"github.com/brigadehq/brigade/internal/floor/realtime"
	"github.com/brigadehq/brigade/internal/floor/service"
	"github.com/brigadehq/brigade/internal/floor/storage/sqlite"
	"github.com/brigadehq/brigade/internal/platform/timeouts"
)

// Config defines the inputs for the floor service process.
type Config struct {
	HTTPAddr          string
	DBPath            string
	CatalogPath       string
	Currency          string
	Verifier          auth.VerifierConfig
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
}

// Server hosts the floor HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	registry        *realtime.Registry
}

// NewServer builds a configured floor server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("database path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var resolver catalog.Resolver
	if strings.TrimSpace(config.CatalogPath) != "" {
		loaded, err := catalog.LoadFile(config.CatalogPath)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		resolver = loaded
	} else {
		log.Printf("no catalog path configured; all submissions will be refused")
		resolver = catalog.NewStatic(nil)
	}

	registry := realtime.NewRegistry()
	registry.SetHeartbeat(config.HeartbeatInterval, config.HeartbeatGrace)

	svc := service.NewService(store, resolver, registry)
	svc.SetCurrency(strings.TrimSpace(config.Currency))

	verifier := config.Verifier
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(svc, registry, &verifier, true),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		registry:        registry,
	}, nil
}

// Run creates and serves a floor server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init floor server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve floor: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("floor server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("floor server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.registry.CloseAll(realtime.CloseServerShutdown)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}
