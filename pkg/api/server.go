// Package api exposes the bridge over HTTP: the training websocket, the
// start preview and stop endpoints, hardware and toolchain discovery, and
// the run history.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/vyvo/forge/bridge/pkg/auth"
	"github.com/vyvo/forge/bridge/pkg/capability"
	"github.com/vyvo/forge/bridge/pkg/gpu"
	"github.com/vyvo/forge/bridge/pkg/history"
	"github.com/vyvo/forge/bridge/pkg/localfs"
	"github.com/vyvo/forge/bridge/pkg/session"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "forge-local-backend"

const defaultRequestTimeout = 60 * time.Second

// SessionRunner drives one training session over a transport.
type SessionRunner interface {
	Run(ctx context.Context, t session.Transport, lease *session.Lease) error
}

// BackendDetector reports which training toolchains are installed.
type BackendDetector interface {
	Detect(ctx context.Context) (capability.Report, error)
}

// GPUSource lists the local devices.
type GPUSource interface {
	Inventory(ctx context.Context) gpu.Inventory
}

// LocalFiles lists models and datasets on disk.
type LocalFiles interface {
	Models() ([]localfs.Model, error)
	Datasets() ([]localfs.Dataset, error)
}

// Follower streams the events of a live run.
type Follower interface {
	Subscribe(id string) ([]history.Entry, <-chan history.Entry, func(), error)
}

// Options wires the server's collaborators. Nil optional fields disable
// the endpoints that need them.
type Options struct {
	Slot     *session.Slot
	Sessions SessionRunner
	Backends BackendDetector
	GPUs     GPUSource
	Local    LocalFiles
	History  history.Store
	Follow   Follower

	AllowedOrigins []string
	APIKey         string
	RequestTimeout time.Duration
	// WriteTimeout bounds each websocket frame write.
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server serves the bridge API.
type Server struct {
	opts     Options
	logger   *slog.Logger
	origins  originSet
	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	if opts.Slot == nil {
		opts.Slot = session.NewSlot()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:    opts,
		logger:  logger,
		origins: newOriginSet(opts.AllowedOrigins),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(s.cors)

	router.Get("/health", healthHandler)

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.opts.APIKey, s.unauthorized))

		r.Get("/ws/training", s.handleTrainingSocket)
		r.Get("/api/training/runs/{id}/events", s.handleRunEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(s.opts.RequestTimeout))

			r.Get("/api/backends", s.handleBackends)
			r.Get("/api/providers", handleProviders)
			r.Get("/api/gpu/info", s.handleGPUInfo)
			r.Post("/api/system/vram-check", s.handleVRAMCheck)
			r.Get("/api/local/models", s.handleLocalModels)
			r.Get("/api/local/datasets", s.handleLocalDatasets)
			r.Post("/api/training/start", s.handleTrainingStart)
			r.Post("/api/training/stop", s.handleTrainingStop)
			r.Get("/api/training/runs", s.handleRuns)
			r.Get("/api/training/runs/{id}", s.handleRun)
		})
	})
	return router
}

// Shutdown aborts the active session, if any, and waits until it has
// released the slot or ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.opts.Slot.Stop() {
		return nil
	}
	s.logger.InfoContext(ctx, "aborting active session for shutdown")
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, busy := s.opts.Slot.Active(); !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.LogAttrs(r.Context(), slog.LevelDebug, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "healthy", "service": ServiceName}, http.StatusOK)
}
