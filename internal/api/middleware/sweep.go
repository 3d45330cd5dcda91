// sweep.go — авторизация внешнего cron-триггера sweep по общему секрету.
package middleware

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/bigkaa/cargocover/policy-module/internal/api/errors"
)

// HeaderSweepToken — заголовок с общим секретом cron-триггера.
const HeaderSweepToken = "X-Sweep-Token"

// RequireSweepToken возвращает middleware, проверяющий заголовок
// X-Sweep-Token (PM_SWEEP_TOKEN). Пустой token в конфигурации означает,
// что внешний триггер отключён: endpoint отвечает 403 на любой запрос.
func RequireSweepToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				apierrors.Forbidden(w, "Внешний триггер sweep отключён")
				return
			}

			got := r.Header.Get(HeaderSweepToken)
			if got == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок "+HeaderSweepToken)
				return
			}

			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				apierrors.Forbidden(w, "Неверный token триггера sweep")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
