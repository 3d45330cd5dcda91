// Пакет config — загрузка и валидация конфигурации Policy Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Policy Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8000-8009)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Keycloak / JWT ---

	// URL Keycloak (например, https://keycloak.kryukov.lan)
	KeycloakURL string
	// Имя realm в Keycloak
	KeycloakRealm string
	// Issuer JWT (авто-вычисляется из KeycloakURL, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из KeycloakURL, если не задан)
	JWTJWKSURL string
	// Путь к CA-сертификату для TLS-соединений с Keycloak (опционально)
	KeycloakCACertPath string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал фонового обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Маппинг групп → ролей ---

	// Группы Keycloak, дающие роль underwriter (через запятую)
	RoleUnderwriterGroups []string
	// Группы Keycloak, дающие роль admin (через запятую)
	RoleAdminGroups []string

	// --- Андеррайтинг ---

	// Типы груза, всегда уходящие на ручной андеррайтинг (через запятую)
	HighRiskCargo []string
	// Порог стоимости груза для автоодобрения
	AutoApproveMaxValue decimal.Decimal
	// Срок действия котировки с момента подачи
	QuoteValidity time.Duration

	// --- ReviewScheduler ---

	// Интервал встроенного sweep
	SweepInterval time.Duration
	// SLA ручного рассмотрения котировки
	ReviewSLA time.Duration
	// Максимум записей, обрабатываемых одним проходом
	SweepBatchSize int
	// Общий секрет для внешнего cron-триггера POST /internal/v1/sweep.
	// Пустое значение — endpoint отключён, работает только встроенный ticker.
	SweepToken string

	// --- Платёжный шлюз ---

	// URL платёжного шлюза
	PaygateURL string
	// API-ключ платёжного шлюза
	PaygateAPIKey string
	// Путь к CA-сертификату для TLS-соединений со шлюзом (опционально)
	PaygateCACertPath string
	// Секрет подписи webhook платёжного шлюза
	PaygateWebhookSecret string

	// --- События (RabbitMQ) ---

	// URL RabbitMQ (amqp://...). Пустое значение — публикация событий отключена.
	AMQPURL string
	// Имя очереди событий жизненного цикла
	AMQPQueue string

	// --- Мониторинг зависимостей ---

	// Группа topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// PM_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("PM_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("PM_PORT: %w", err)
	}
	if cfg.Port < 8000 || cfg.Port > 8009 {
		return nil, fmt.Errorf("PM_PORT: значение %d вне допустимого диапазона 8000-8009", cfg.Port)
	}

	// PM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PM_LOG_LEVEL: %w", err)
	}

	// PM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("PM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// PM_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("PM_DB_HOST")
	if err != nil {
		return nil, err
	}

	// PM_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("PM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("PM_DB_PORT: %w", err)
	}

	// PM_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("PM_DB_NAME")
	if err != nil {
		return nil, err
	}

	// PM_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("PM_DB_USER")
	if err != nil {
		return nil, err
	}

	// PM_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("PM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// PM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("PM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("PM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Keycloak / JWT ---

	// PM_KEYCLOAK_URL — обязательный
	cfg.KeycloakURL, err = getEnvRequired("PM_KEYCLOAK_URL")
	if err != nil {
		return nil, err
	}
	// Убираем trailing slash
	cfg.KeycloakURL = strings.TrimRight(cfg.KeycloakURL, "/")

	// PM_KEYCLOAK_REALM — realm (по умолчанию cargocover)
	cfg.KeycloakRealm = getEnvDefault("PM_KEYCLOAK_REALM", "cargocover")

	// PM_JWT_ISSUER — авто-вычисляется из KeycloakURL, если не задан
	cfg.JWTIssuer = getEnvDefault("PM_JWT_ISSUER",
		fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.KeycloakRealm))

	// PM_JWT_JWKS_URL — авто-вычисляется из KeycloakURL, если не задан
	cfg.JWTJWKSURL = getEnvDefault("PM_JWT_JWKS_URL",
		fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.KeycloakURL, cfg.KeycloakRealm))

	// PM_KEYCLOAK_CA_CERT_PATH — путь к CA-сертификату Keycloak (опционально)
	cfg.KeycloakCACertPath = getEnvDefault("PM_KEYCLOAK_CA_CERT_PATH", "")

	// PM_JWKS_CLIENT_TIMEOUT — таймаут HTTP-клиента JWKS (по умолчанию 10s)
	cfg.JWKSClientTimeout, err = getEnvDuration("PM_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	// PM_JWKS_REFRESH_INTERVAL — интервал обновления JWKS-ключей (по умолчанию 1h)
	cfg.JWKSRefreshInterval, err = getEnvDuration("PM_JWKS_REFRESH_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PM_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// PM_JWT_LEEWAY — допустимое отклонение времени JWT (по умолчанию 30s)
	cfg.JWTLeeway, err = getEnvDuration("PM_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_JWT_LEEWAY: %w", err)
	}

	// --- Маппинг групп → ролей ---

	// PM_ROLE_UNDERWRITER_GROUPS — группы для роли underwriter
	cfg.RoleUnderwriterGroups = parseCSV(getEnvDefault("PM_ROLE_UNDERWRITER_GROUPS", "cargocover-underwriters"))

	// PM_ROLE_ADMIN_GROUPS — группы для роли admin
	cfg.RoleAdminGroups = parseCSV(getEnvDefault("PM_ROLE_ADMIN_GROUPS", "cargocover-admins"))

	// --- Андеррайтинг ---

	// PM_HIGH_RISK_CARGO — высокорисковые типы груза
	cfg.HighRiskCargo = parseCSV(getEnvDefault("PM_HIGH_RISK_CARGO", "chemicals,machinery"))

	// PM_AUTO_APPROVE_MAX_VALUE — порог автоодобрения (по умолчанию 100000)
	cfg.AutoApproveMaxValue, err = getEnvDecimal("PM_AUTO_APPROVE_MAX_VALUE", decimal.NewFromInt(100000))
	if err != nil {
		return nil, fmt.Errorf("PM_AUTO_APPROVE_MAX_VALUE: %w", err)
	}
	if cfg.AutoApproveMaxValue.IsNegative() || cfg.AutoApproveMaxValue.IsZero() {
		return nil, fmt.Errorf("PM_AUTO_APPROVE_MAX_VALUE: значение %s должно быть положительным", cfg.AutoApproveMaxValue)
	}

	// PM_QUOTE_VALIDITY — срок действия котировки (по умолчанию 720h = 30 дней)
	cfg.QuoteValidity, err = getEnvDuration("PM_QUOTE_VALIDITY", 720*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PM_QUOTE_VALIDITY: %w", err)
	}

	// --- ReviewScheduler ---

	// PM_SWEEP_INTERVAL — интервал встроенного sweep (по умолчанию 5m)
	cfg.SweepInterval, err = getEnvDuration("PM_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PM_SWEEP_INTERVAL: %w", err)
	}

	// PM_REVIEW_SLA — SLA ручного рассмотрения (по умолчанию 48h)
	cfg.ReviewSLA, err = getEnvDuration("PM_REVIEW_SLA", 48*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PM_REVIEW_SLA: %w", err)
	}

	// PM_SWEEP_BATCH_SIZE — размер батча sweep (по умолчанию 500)
	cfg.SweepBatchSize, err = getEnvInt("PM_SWEEP_BATCH_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("PM_SWEEP_BATCH_SIZE: %w", err)
	}
	if cfg.SweepBatchSize < 1 || cfg.SweepBatchSize > 10000 {
		return nil, fmt.Errorf("PM_SWEEP_BATCH_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.SweepBatchSize)
	}

	// PM_SWEEP_TOKEN — секрет внешнего cron-триггера (опционально)
	cfg.SweepToken = getEnvDefault("PM_SWEEP_TOKEN", "")

	// --- Платёжный шлюз ---

	// PM_PAYGATE_URL — обязательный
	cfg.PaygateURL, err = getEnvRequired("PM_PAYGATE_URL")
	if err != nil {
		return nil, err
	}
	cfg.PaygateURL = strings.TrimRight(cfg.PaygateURL, "/")

	// PM_PAYGATE_API_KEY — обязательный
	cfg.PaygateAPIKey, err = getEnvRequired("PM_PAYGATE_API_KEY")
	if err != nil {
		return nil, err
	}

	// PM_PAYGATE_CA_CERT_PATH — путь к CA-сертификату шлюза (опционально)
	cfg.PaygateCACertPath = getEnvDefault("PM_PAYGATE_CA_CERT_PATH", "")

	// PM_PAYGATE_WEBHOOK_SECRET — обязательный
	cfg.PaygateWebhookSecret, err = getEnvRequired("PM_PAYGATE_WEBHOOK_SECRET")
	if err != nil {
		return nil, err
	}

	// --- События ---

	// PM_AMQP_URL — URL RabbitMQ (опционально)
	cfg.AMQPURL = getEnvDefault("PM_AMQP_URL", "")

	// PM_AMQP_QUEUE — очередь событий (по умолчанию cargocover.policy.events)
	cfg.AMQPQueue = getEnvDefault("PM_AMQP_QUEUE", "cargocover.policy.events")

	// --- Мониторинг зависимостей ---

	// PM_DEPHEALTH_GROUP — группа topologymetrics (по умолчанию cargocover)
	cfg.DephealthGroup = getEnvDefault("PM_DEPHEALTH_GROUP", "cargocover")

	// PM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("PM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// PM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("PM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvDecimal возвращает decimal из переменной окружения или значение по умолчанию.
func getEnvDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("некорректное десятичное число: %q", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
