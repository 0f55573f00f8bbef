package server

import (
	"context"
	"crypto/hmac"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"github.com/streampass/streampass/internal/billing"
	"github.com/streampass/streampass/internal/database"
	"github.com/streampass/streampass/internal/httputil"
	"github.com/streampass/streampass/internal/ratelimit"
	"github.com/streampass/streampass/internal/session"
	"github.com/streampass/streampass/internal/storage"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	DB               database.DBTX
	Pinger           Pinger
	Gateway          *session.Gateway
	Billing          *billing.Handlers
	Storage          *storage.Storage
	BaseURL          string
	S3PublicEndpoint string
	// AdminToken authorizes the owner-facing revocation endpoint.
	AdminToken string
}

type Server struct {
	router     chi.Router
	db         database.DBTX
	pinger     Pinger
	gateway    *session.Gateway
	billing    *billing.Handlers
	storage    *storage.Storage
	adminToken string
}

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(slogMiddleware)
	r.Use(securityHeaders(SecurityConfig{
		BaseURL:         cfg.BaseURL,
		StorageEndpoint: cfg.S3PublicEndpoint,
	}))

	s := &Server{
		router:     r,
		db:         cfg.DB,
		pinger:     cfg.Pinger,
		gateway:    cfg.Gateway,
		billing:    cfg.Billing,
		storage:    cfg.Storage,
		adminToken: cfg.AdminToken,
	}

	if s.gateway != nil && s.adminToken == "" {
		log.Fatal("ADMIN_TOKEN is required; set the environment variable")
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)

	if s.gateway != nil {
		// Dials are cheap to rate limit; established connections are not
		// affected.
		wsLimiter := ratelimit.NewLimiter(1, 10)
		s.router.With(wsLimiter.Middleware).Get("/ws", s.gateway.ServeWS)

		adminLimiter := ratelimit.NewLimiter(0.5, 5)
		s.router.Route("/api/sessions", func(r chi.Router) {
			r.Use(adminLimiter.Middleware)
			r.Use(s.requireAdmin)
			r.Post("/{slug}/revoke", s.gateway.HandleRevoke)
		})
	}

	if s.billing != nil {
		checkoutLimiter := ratelimit.NewLimiter(1, 5)
		s.router.Route("/api/checkout", func(r chi.Router) {
			r.Use(checkoutLimiter.Middleware)
			r.Post("/{slug}", s.billing.CreateCheckout)
		})
		s.router.Post("/api/billing/webhook", s.billing.Webhook)
	}

	if s.storage != nil && s.db != nil {
		downloadLimiter := ratelimit.NewLimiter(2, 10)
		s.router.Route("/api/download", func(r chi.Router) {
			r.Use(downloadLimiter.Middleware)
			r.Get("/{slug}", s.handleDownload)
		})
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !hmac.Equal([]byte(token), []byte(s.adminToken)) {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type downloadResponse struct {
	Title       string `json:"title"`
	DownloadURL string `json:"downloadUrl"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var title string
	var fileKey *string
	err := s.db.QueryRow(r.Context(),
		`SELECT title, file_key FROM videos WHERE slug = $1 AND status = 'ready'`,
		slug,
	).Scan(&title, &fileKey)
	if errors.Is(err, pgx.ErrNoRows) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		log.Printf("download lookup: %v", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to prepare download")
		return
	}
	if fileKey == nil {
		httputil.WriteError(w, http.StatusNotFound, "video has no downloadable file")
		return
	}

	url, err := s.storage.GenerateDownloadURLWithDisposition(r.Context(), *fileKey, title+".mp4", 1*time.Hour)
	if err != nil {
		log.Printf("presign download: %v", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to prepare download")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, downloadResponse{Title: title, DownloadURL: url})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
