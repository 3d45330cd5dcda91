package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

// TestRequestLogger проверяет access-лог: выбор уровня по статус-коду,
// шаблон маршрута chi и объём ответа.
func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{"успешный запрос", http.StatusOK, "INFO"},
		{"клиентская ошибка", http.StatusNotFound, "WARN"},
		{"серверная ошибка", http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			router := chi.NewRouter()
			router.Use(RequestLogger(logger))
			router.Get("/api/v1/quotes/{id}", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("ok")) //nolint:errcheck
			})

			req := httptest.NewRequest(http.MethodGet, "/api/v1/quotes/q-1", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("запись лога не распарсилась: %v", err)
			}

			if entry["level"] != tt.wantLevel {
				t.Errorf("уровень = %v, ожидается %s", entry["level"], tt.wantLevel)
			}
			if entry["route"] != "/api/v1/quotes/{id}" {
				t.Errorf("route = %v, ожидается шаблон маршрута", entry["route"])
			}
			if entry["path"] != "/api/v1/quotes/q-1" {
				t.Errorf("path = %v, ожидается фактический путь", entry["path"])
			}
			if entry["status"] != float64(tt.status) {
				t.Errorf("status = %v, ожидается %d", entry["status"], tt.status)
			}
			if entry["bytes"] != float64(2) {
				t.Errorf("bytes = %v, ожидается 2", entry["bytes"])
			}
		})
	}
}
