package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jameshartig/solarkmon/pkg/common"
	"github.com/jameshartig/solarkmon/pkg/log"
	"github.com/jameshartig/solarkmon/pkg/types"
)

// Source is the poll state the server exposes.
type Source interface {
	Status() types.Status
	Endpoints() map[types.Endpoint]types.Availability
	Tick(ctx context.Context) bool
}

// SchemeSource reports which login scheme the session is using.
type SchemeSource interface {
	Scheme() types.AuthScheme
}

// Server is the read-only HTTP surface over the latest snapshot.
type Server struct {
	source   Source
	session  SchemeSource
	config   map[string]interface{}
	registry *prometheus.Registry

	listenAddr string
	httpServer *http.Server
	serverName string
}

// Config holds the HTTP listener settings.
type Config struct {
	ListenAddr string
}

// Configured registers the server flags.
func Configured() *Config {
	cfg := &Config{}

	// get the port from PORT when running in a container
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}
	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address, empty to disable")

	lflag.Do(func() {
		cfg.ListenAddr = *listenAddr
	})

	return cfg
}

// New returns a Server. config is shown on the diagnostics endpoint and must
// already be redacted.
func New(cfg *Config, source Source, session SchemeSource, config map[string]interface{}) *Server {
	s := &Server{
		source:     source,
		session:    session,
		config:     config,
		registry:   prometheus.NewRegistry(),
		listenAddr: ":8080",
		serverName: "solarkmon/" + common.Version(),
	}
	if cfg != nil {
		s.listenAddr = cfg.ListenAddr
	}
	s.registry.MustRegister(newCollector(source, session))
	s.registry.MustRegister(collectors.NewGoCollector())
	return s
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("POST /api/poll", s.handlePoll)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.headersMiddleware(gziphandler.GzipHandler(mux))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	if s.listenAddr == "" {
		log.Ctx(ctx).InfoContext(ctx, "http server disabled")
		<-ctx.Done()
		return nil
	}

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		// every response reflects live state
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
