// Пакет server — HTTP-сервер Policy Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/cargocover/policy-module/internal/api/handlers"
	"github.com/bigkaa/cargocover/policy-module/internal/api/middleware"
	"github.com/bigkaa/cargocover/policy-module/internal/config"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/rbac"
)

// Server — HTTP-сервер Policy Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// jwtAuth — JWT middleware (может быть nil для тестирования без auth).
func New(cfg *config.Config, logger *slog.Logger, handler *handlers.APIHandler, jwtAuth *middleware.JWTAuth) *Server {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// JWT middleware с исключениями для публичных endpoints.
	// Health и metrics проверяются Kubernetes напрямую, без API Gateway.
	// Webhook платёжного шлюза и триггер sweep аутентифицируются
	// собственными секретами, не JWT.
	if jwtAuth != nil {
		router.Use(jwtAuthWithExclusions(jwtAuth,
			"/health/", "/metrics",
			"/api/v1/payments/webhook",
			"/internal/v1/sweep",
		))
	}

	registerRoutes(router, handler, cfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// registerRoutes регистрирует все маршруты API.
func registerRoutes(router *chi.Mux, h *handlers.APIHandler, cfg *config.Config) {
	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	underwriterOnly := middleware.RequireRole(rbac.RoleUnderwriter, rbac.RoleAdmin)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/quotes", h.CreateQuote)
		r.Get("/quotes", h.ListQuotes)
		r.Get("/quotes/{id}", h.GetQuote)
		r.Put("/quotes/{id}", h.UpdateQuote)
		r.Post("/quotes/{id}/submit", h.SubmitQuote)
		r.With(underwriterOnly).Post("/quotes/{id}/resolve", h.ResolveQuote)
		r.Post("/quotes/{id}/policy", h.CreatePolicy)

		r.Get("/policies", h.ListPolicies)
		r.Get("/policies/{id}", h.GetPolicy)
		r.Get("/policies/{id}/payments", h.ListPolicyPayments)
		r.Get("/policies/{id}/documents", h.GetDocuments)
		r.Post("/policies/{id}/documents/{slot}", h.UploadDocument)
		r.With(underwriterOnly).Post("/policies/{id}/documents/{slot}/review", h.ReviewDocument)

		r.Post("/payments/webhook", h.PaymentWebhook)
	})

	router.Route("/internal/v1", func(r chi.Router) {
		r.With(middleware.RequireSweepToken(cfg.SweepToken)).Post("/sweep", h.TriggerSweep)
	})
}

// jwtAuthWithExclusions оборачивает JWTAuth.Middleware(), пропуская указанные пути.
// Запросы к путям, начинающимся с любого из excludePrefixes, проходят без JWT.
func jwtAuthWithExclusions(jwtAuth *middleware.JWTAuth, excludePrefixes ...string) func(http.Handler) http.Handler {
	jwtMiddleware := jwtAuth.Middleware()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Проверяем, начинается ли путь с исключённого префикса
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			// Применяем JWT middleware
			jwtMiddleware(next).ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
