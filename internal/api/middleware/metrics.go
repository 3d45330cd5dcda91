// metrics.go — Prometheus HTTP метрики для Policy Module.
// Регистрирует метрики: pm_http_requests_total, pm_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm_http_requests_total",
			Help: "Общее количество HTTP-запросов к Policy Module",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pm_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Policy Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик
			// (заменяем UUID на {id} для предотвращения кардинальности)
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// uuidLen — длина UUID-сегмента в пути.
const uuidLen = 36

// normalizePath заменяет UUID-сегменты пути на {id} для предотвращения
// взрывного роста кардинальности метрик.
// /api/v1/quotes/a1b2c3d4-... → /api/v1/quotes/{id}
func normalizePath(path string) string {
	// Статические пути — возвращаем как есть
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/quotes",
		"/api/v1/policies",
		"/api/v1/payments/webhook",
		"/internal/v1/sweep":
		return path
	}

	if rest, ok := cutUUID(path, "/api/v1/quotes/"); ok {
		switch rest {
		case "/submit":
			return "/api/v1/quotes/{id}/submit"
		case "/resolve":
			return "/api/v1/quotes/{id}/resolve"
		case "/policy":
			return "/api/v1/quotes/{id}/policy"
		default:
			return "/api/v1/quotes/{id}"
		}
	}

	if rest, ok := cutUUID(path, "/api/v1/policies/"); ok {
		switch {
		case rest == "/documents":
			return "/api/v1/policies/{id}/documents"
		case strings.HasPrefix(rest, "/documents/") && strings.HasSuffix(rest, "/review"):
			return "/api/v1/policies/{id}/documents/{slot}/review"
		case strings.HasPrefix(rest, "/documents/"):
			return "/api/v1/policies/{id}/documents/{slot}"
		case rest == "/payments":
			return "/api/v1/policies/{id}/payments"
		default:
			return "/api/v1/policies/{id}"
		}
	}

	return path
}

// cutUUID отрезает префикс и UUID-сегмент, возвращая остаток пути.
func cutUUID(path, prefix string) (rest string, ok bool) {
	if len(path) < len(prefix)+uuidLen || path[:len(prefix)] != prefix {
		return "", false
	}
	return path[len(prefix)+uuidLen:], true
}
