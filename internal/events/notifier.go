// Пакет events — публикация событий жизненного цикла в RabbitMQ.
// События публикуются после успешных переходов статусов; публикация
// fire-and-forget: ошибка публикации логируется и не откатывает переход.
// Если PM_AMQP_URL не задан, используется no-op notifier.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Типы событий жизненного цикла.
const (
	TypeQuoteSubmitted   = "quote.submitted"
	TypeQuoteApproved    = "quote.approved"
	TypeQuoteRejected    = "quote.rejected"
	TypeQuoteNeedsInfo   = "quote.needs_info"
	TypeQuoteExpired     = "quote.expired"
	TypePolicyCreated    = "policy.created"
	TypePolicyActivated  = "policy.activated"
	TypePolicyExpired    = "policy.expired"
	TypeDocumentUploaded = "document.uploaded"
	TypeDocumentReviewed = "document.reviewed"
)

// Event — событие жизненного цикла котировки, полиса или документа.
type Event struct {
	// Type — тип события (quote.approved, policy.activated, ...)
	Type string `json:"type"`
	// QuoteID — UUID котировки (если применимо)
	QuoteID string `json:"quote_id,omitempty"`
	// PolicyID — UUID полиса (если применимо)
	PolicyID string `json:"policy_id,omitempty"`
	// Slot — имя слота документа (для document.*)
	Slot string `json:"slot,omitempty"`
	// Status — новый статус ресурса
	Status string `json:"status,omitempty"`
	// OccurredAt — время события
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier — публикатор событий жизненного цикла.
type Notifier interface {
	// Publish публикует событие. Вызывающая сторона логирует ошибку
	// и продолжает работу: публикация не влияет на результат операции.
	Publish(ctx context.Context, evt Event) error
	// Close закрывает соединение.
	Close() error
}

// amqpNotifier — Notifier поверх RabbitMQ (amqp091-go).
type amqpNotifier struct {
	conn   *amqp.Connection
	chn    *amqp.Channel
	queue  string
	logger *slog.Logger
}

// NewAMQPNotifier подключается к RabbitMQ и объявляет durable-очередь.
func NewAMQPNotifier(url, queue string, logger *slog.Logger) (Notifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("подключение к RabbitMQ: %w", err)
	}

	chn, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck // соединение уже неработоспособно
		return nil, fmt.Errorf("открытие канала RabbitMQ: %w", err)
	}

	_, err = chn.QueueDeclare(
		queue, // имя очереди
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		chn.Close()  //nolint:errcheck
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("объявление очереди %s: %w", queue, err)
	}

	logger.Info("Публикация событий в RabbitMQ включена",
		slog.String("queue", queue),
	)

	return &amqpNotifier{
		conn:   conn,
		chn:    chn,
		queue:  queue,
		logger: logger.With(slog.String("component", "events")),
	}, nil
}

func (n *amqpNotifier) Publish(ctx context.Context, evt Event) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("сериализация события %s: %w", evt.Type, err)
	}

	err = n.chn.PublishWithContext(ctx,
		"",      // exchange
		n.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("публикация события %s: %w", evt.Type, err)
	}
	return nil
}

func (n *amqpNotifier) Close() error {
	if err := n.chn.Close(); err != nil {
		return err
	}
	return n.conn.Close()
}

// nopNotifier — заглушка при отключённой публикации событий.
type nopNotifier struct{}

// NewNopNotifier возвращает Notifier, который ничего не публикует.
func NewNopNotifier() Notifier {
	return nopNotifier{}
}

func (nopNotifier) Publish(context.Context, Event) error { return nil }
func (nopNotifier) Close() error                         { return nil }
