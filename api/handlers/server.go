package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kkwann/midoproject2/api/metrics"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/reconcile"
	"github.com/kkwann/midoproject2/budget/pkg/session"
)

const (
	defaultMaxUploadBytes = 32 << 20
	readTimeout           = 30 * time.Second
	writeTimeout          = 60 * time.Second
)

// DatasetLoader serves cached datasets. *loader.Loader satisfies it.
type DatasetLoader interface {
	Registry() *dataset.Registry
	Load(ctx context.Context, key string) (*dataset.Dataset, error)
	Ready() bool
}

// Authenticator issues and resolves bearer tokens. *session.Authenticator
// satisfies it.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, *session.Session, error)
	Authenticate(ctx context.Context, token string) (*session.Session, error)
	Logout(ctx context.Context, token string) error
}

// Reconciler writes uploads and edits. *reconcile.Service satisfies it.
type Reconciler interface {
	UploadReplace(ctx context.Context, sess *session.Session, key string, upload *dataset.Dataset) (*dataset.Dataset, error)
	MergeEdits(ctx context.Context, sess *session.Session, key string, edits []reconcile.Edit) (*dataset.Dataset, error)
}

// Auditor records user actions. *audit.Recorder satisfies it.
type Auditor interface {
	Record(ctx context.Context, sess *session.Session, action string)
}

// VersionInfo is reported by GET /version.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger    *slog.Logger
	Loader    DatasetLoader
	Auth      Authenticator
	Reconcile Reconciler
	Audit     Auditor
	// LoginLimiter throttles login attempts per client IP.
	LoginLimiter   *LoginLimiter
	AllowedOrigins []string
	MaxUploadBytes int64
	Version        VersionInfo
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Loader == nil {
		return errors.New("loader is required")
	}
	if cfg.Auth == nil {
		return errors.New("authenticator is required")
	}
	if cfg.Reconcile == nil {
		return errors.New("reconciler is required")
	}
	if cfg.Audit == nil {
		return errors.New("audit is required")
	}
	if cfg.LoginLimiter == nil {
		limiter, err := NewLoginLimiter(LoginLimiterConfig{})
		if err != nil {
			return err
		}
		cfg.LoginLimiter = limiter
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.Version.Version == "" {
		cfg.Version.Version = "dev"
	}
	return nil
}

// Server is the HTTP API of the dashboard.
type Server struct {
	log    *slog.Logger
	cfg    Config
	router *chi.Mux
}

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg, router: chi.NewRouter()}
	s.setupRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
}

func (s *Server) setupRoutes() {
	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(sentryHandler.Handle)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/api", func(r chi.Router) {
		r.With(s.limitLogin).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)

			r.Get("/datasets", s.handleListDatasets)
			r.Get("/datasets/{key}", s.handleGetDataset)
			r.Get("/datasets/{key}/bounds", s.handleBounds)
			r.Post("/datasets/{key}/upload", s.handleUpload)
			r.Put("/datasets/{key}/rows", s.handleEditRows)
		})
	})
}

// requestLogger logs one line per request at debug level, and at warn for
// server errors.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Loader.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "warming up"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Version)
}
