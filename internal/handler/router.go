package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	stdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/auth"
	"github.com/BuzzLyutic/taskboard-sync/pkg/respond"
)

type RouterConfig struct {
	Projects *ProjectHandler
	Tokens   *auth.TokenService
	Logger   *zap.Logger
	// JoinRate limits join attempts per client IP, e.g. "20-M". Empty disables.
	JoinRate string
	Metrics  bool
}

func NewRouter(cfg RouterConfig) (http.Handler, error) {
	joinLimit, err := ipRateLimiter(cfg.JoinRate)
	if err != nil {
		return nil, fmt.Errorf("join rate %q: %w", cfg.JoinRate, err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	h := cfg.Projects
	r.Route("/api/projects", func(r chi.Router) {
		r.Use(auth.Authenticate(cfg.Tokens, cfg.Logger))

		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.With(joinLimit).Post("/join", h.Join)
			r.Post("/tasks", h.AddTask)
			r.Patch("/tasks/progress", h.UpdateTaskProgress)
			r.Post("/reviews", h.AddReview)
			r.Put("/progress", h.SetProgress)
			r.Get("/board", h.Board)
			r.Get("/events", h.Events)
		})
	})
	return r, nil
}

func ipRateLimiter(rate string) (func(http.Handler) http.Handler, error) {
	if rate == "" {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, err
	}
	instance := limiter.New(memory.NewStore(), parsed)
	return stdlib.NewMiddleware(instance,
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			respond.Error(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	).Handler, nil
}
