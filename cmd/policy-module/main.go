// Точка входа Policy Module — модуль котировок и полисов системы Cargocover.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// создаёт репозитории и сервисный слой, инициализирует клиент платёжного
// шлюза и публикацию событий, запускает планировщик sweep, topologymetrics,
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/cargocover/policy-module/internal/api/handlers"
	"github.com/bigkaa/cargocover/policy-module/internal/api/middleware"
	"github.com/bigkaa/cargocover/policy-module/internal/config"
	"github.com/bigkaa/cargocover/policy-module/internal/database"
	"github.com/bigkaa/cargocover/policy-module/internal/domain/premium"
	"github.com/bigkaa/cargocover/policy-module/internal/events"
	"github.com/bigkaa/cargocover/policy-module/internal/paygate"
	"github.com/bigkaa/cargocover/policy-module/internal/repository"
	"github.com/bigkaa/cargocover/policy-module/internal/server"
	"github.com/bigkaa/cargocover/policy-module/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Policy Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// Предупреждения о дефолтных значениях topologymetrics
	if os.Getenv("PM_DEPHEALTH_GROUP") == "" {
		logger.Warn("PM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	// Проверка здоровья PostgreSQL идёт через существующий пул соединений,
	// что позволяет обнаружить его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	quoteRepo := repository.NewQuoteRepository(pool)
	policyRepo := repository.NewPolicyRepository(pool)
	docRepo := repository.NewDocumentSetRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)
	txRunner := repository.NewTxRunner(pool)

	// 6. Развилка автоодобрения
	gate := premium.NewGate(cfg.HighRiskCargo, cfg.AutoApproveMaxValue)

	// 7. Публикация событий: RabbitMQ, если задан PM_AMQP_URL, иначе no-op
	var notifier events.Notifier
	if cfg.AMQPURL != "" {
		notifier, err = events.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Error("Ошибка подключения к RabbitMQ", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Публикация событий в RabbitMQ включена",
			slog.String("queue", cfg.AMQPQueue),
		)
	} else {
		notifier = events.NewNopNotifier()
		logger.Info("PM_AMQP_URL не задан, события не публикуются")
	}
	defer notifier.Close()

	// 8. Клиент платёжного шлюза
	gateway, err := paygate.New(cfg.PaygateURL, cfg.PaygateAPIKey, cfg.PaygateCACertPath, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента платёжного шлюза", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. Services
	quoteSvc := service.NewQuoteService(quoteRepo, gate, cfg.QuoteValidity, notifier, logger)
	policySvc := service.NewPolicyService(txRunner, quoteRepo, policyRepo, docRepo, paymentRepo, gateway, notifier, logger)
	documentSvc := service.NewDocumentService(docRepo, notifier, logger)

	// 10. Планировщик sweep
	scheduler := service.NewReviewScheduler(
		quoteRepo, policyRepo, gate,
		cfg.ReviewSLA, cfg.SweepBatchSize, cfg.SweepInterval,
		notifier, logger,
	)
	scheduler.Start(ctx)

	// 11. Readiness checkers (PostgreSQL + Keycloak)
	pgChecker := database.NewReadinessChecker(pool)
	kcChecker, err := middleware.NewKeycloakReadinessChecker(cfg.JWTJWKSURL, cfg.KeycloakCACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания Keycloak readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(pgChecker, kcChecker)

	// 12. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		quoteSvc,
		policySvc,
		documentSvc,
		scheduler,
		cfg.PaygateWebhookSecret,
		logger,
	)

	// 13. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.KeycloakCACertPath,
		cfg.JWTIssuer,
		cfg.RoleUnderwriterGroups,
		cfg.RoleAdminGroups,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer jwtAuth.Close()
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 14. topologymetrics — мониторинг зависимостей
	// (PostgreSQL + Keycloak + платёжный шлюз)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"policy-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.JWTJWKSURL,
		cfg.PaygateURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 15. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 16. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	scheduler.Stop()

	logger.Info("Policy Module остановлен")
}
