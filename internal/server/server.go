package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/playperu/cityjourney/internal/completion"
	"github.com/playperu/cityjourney/internal/config"
	"github.com/playperu/cityjourney/internal/identity"
	"github.com/playperu/cityjourney/internal/notify"
	"github.com/playperu/cityjourney/internal/quiz"
)

// Locker takes a short-lived exclusive lock across server instances.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Deps are the collaborators wired into every play session.
type Deps struct {
	Store    Store
	Identity *identity.Service
	Locker   Locker
	Notifier notify.Notifier
	// Journals is nil when travel journals are disabled.
	Journals completion.JournalGenerator
	Clock    quiz.Clock
	Journey  config.JourneyConfig
	SPADir   string
}

type Server struct {
	srv    *http.Server
	logger *slog.Logger
	plays  *Registry
}

// New builds the HTTP host. mount attaches extra routers such as health
// checks before the SPA fallback is installed.
func New(addr string, logger *slog.Logger, deps Deps, mount func(r chi.Router)) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(newStructuredLogger(logger))
	r.Use(middleware.Recoverer)

	if deps.Clock == nil {
		deps.Clock = quiz.SystemClock
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLog(logger)
	}
	broker := NewBroker()
	plays := NewRegistry(deps, broker, logger)

	if mount != nil {
		mount(r)
	}
	addRoutes(r, logger, deps, plays, broker)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
		plays:  plays,
	}
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Plays exposes the live session registry, e.g. for idle reaping.
func (s *Server) Plays() *Registry { return s.plays }

func (s *Server) Run(_ context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}

	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.plays.CloseAll()
	return err
}

func newStructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
