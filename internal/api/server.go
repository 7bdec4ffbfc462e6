package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/clusterd/internal/api/models"
	"github.com/smazurov/clusterd/internal/events"
	"github.com/smazurov/clusterd/internal/logging"
	"github.com/smazurov/clusterd/internal/supervisor"
	"github.com/smazurov/clusterd/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Controller is the part of the supervisor the API drives.
type Controller interface {
	Status() supervisor.Status
	Workers() []supervisor.Info
	Restart() error
	Shutdown() error
}

// Options configures the API server.
type Options struct {
	Controller     Controller
	EventBus       *events.Bus      // Optional; enables /api/events
	MetricsHandler http.Handler     // Optional Prometheus handler served at /metrics
	LogHistory     *logging.History // Optional; enables /api/logs
	AuthUsername   string
	AuthPassword   string
}

// Server is the diagnostics and control API.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	controller Controller
	eventBus   *events.Bus
	history    *logging.History
	logger     *slog.Logger
}

// NewServer creates the API server with Huma v2 on Go's native router.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("clusterd API", version.Get().Version)
	config.Info.Description = "Worker pool status and control"
	// Relative paths work with any host
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:        api,
		mux:        mux,
		controller: opts.Controller,
		eventBus:   opts.EventBus,
		history:    opts.LogHistory,
		logger:     logging.GetLogger(logging.ModuleAPI),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	authEnabled := opts.AuthUsername != "" && opts.AuthPassword != ""
	if authEnabled {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	if opts.MetricsHandler != nil {
		metrics := opts.MetricsHandler
		if authEnabled {
			metrics = requireBasicAuth(metrics, opts.AuthUsername, opts.AuthPassword)
		}
		mux.Handle("GET /metrics", metrics)
	}

	server.registerRoutes()
	return server
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GetAPI returns the Huma API instance.
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Serve accepts connections on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting API server", "addr", l.Addr().String())
	s.logger.Info("OpenAPI documentation available", "url", "http://"+l.Addr().String()+"/docs")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Stopping API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		// SSE streams keep connections open; drop them
		_ = s.httpServer.Close()
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				GoVersion: info.GoVersion,
				Modified:  info.Modified,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerPoolRoutes()

	if s.eventBus != nil {
		s.registerSSERoutes()
	}
	if s.history != nil {
		s.registerLogRoutes()
	}
}
