// Package server is the HTTP boundary of the vault. Every key-dependent route
// passes two independent gates: a valid session token and a held vault key.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Hussein-Mazeh/keyvault/internal/backup"
	"github.com/Hussein-Mazeh/keyvault/internal/service"
)

const maxBodyBytes = 1 << 20

// Options configures a Server.
type Options struct {
	// Backups may be nil, in which case the backup routes answer 404.
	Backups        *backup.Exporter
	BackupsEnabled bool
	BackupInterval time.Duration
	CORSOrigins    []string
	LoginPerMinute float64
	LoginBurst     int
	Logger         zerolog.Logger
}

// Server routes HTTP requests to the vault service.
type Server struct {
	svc     *service.Service
	backups *backup.Exporter
	opts    Options
	log     zerolog.Logger
	login   *multiLimiter
	router  chi.Router
}

// New builds the router.
func New(svc *service.Service, opts Options) *Server {
	if opts.LoginPerMinute <= 0 {
		opts.LoginPerMinute = 10
	}
	if opts.LoginBurst <= 0 {
		opts.LoginBurst = 5
	}
	s := &Server{
		svc:     svc,
		backups: opts.Backups,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "http").Logger(),
		login:   newMultiLimiter(rate.Limit(opts.LoginPerMinute/60), opts.LoginBurst, time.Hour),
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/auth/status", s.handleStatus)
		r.Post("/auth/setup", s.handleSetup)
		r.Post("/auth/login", s.handleLogin)

		// Token gate only: a locked vault can still log out or lock again.
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(false))
			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/lock", s.handleLock)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(true))
			r.Put("/auth/password", s.handleChangePassword)

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", s.handleListAccounts)
				r.Post("/", s.handleCreateAccount)
				r.Put("/{id}", s.handleUpdateAccount)
				r.Delete("/{id}", s.handleDeleteAccount)
				r.Get("/{id}/password", s.handleRevealPassword)
				r.Get("/{id}/totp", s.handleRevealTOTP)
			})

			r.Route("/backup", func(r chi.Router) {
				r.Post("/now", s.handleBackupNow)
				r.Get("/list", s.handleBackupList)
				r.Get("/download/{filename}", s.handleBackupDownload)
				r.Delete("/delete/{filename}", s.handleBackupDelete)
			})
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
