// Package rabbitmq publishes outbound messages to a fanout exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"order_sync/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentType of every published body.
const ContentType = "application/json"

// Config names the broker and the fanout topology.
type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
}

func (c Config) validate() error {
	switch {
	case c.URL == "":
		return &domain.ConfigError{Field: "rabbitmq.url", Err: errors.New("empty")}
	case c.Exchange == "":
		return &domain.ConfigError{Field: "rabbitmq.exchange", Err: errors.New("empty")}
	case c.Queue == "":
		return &domain.ConfigError{Field: "rabbitmq.queue", Err: errors.New("empty")}
	}
	return nil
}

// Bus owns one AMQP connection and channel, opened once and shared by every
// publish.
type Bus struct {
	cfg    Config
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.Mutex
	closed bool
	logger *slog.Logger
}

var _ domain.MessageBus = (*Bus)(nil)

// Dial connects, declares the fanout exchange and the queue, and binds them.
func Dial(cfg Config) (*Bus, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, domain.NewNetworkError("amqp dial", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, domain.NewNetworkError("amqp channel", err)
	}

	if err := declare(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	b := &Bus{
		cfg:    cfg,
		conn:   conn,
		ch:     ch,
		logger: slog.Default().With("module", "rabbitmq"),
	}
	go b.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	b.logger.Info("Bus ready",
		slog.String("exchange", cfg.Exchange),
		slog.String("queue", cfg.Queue),
		slog.String("routing_key", cfg.RoutingKey),
	)
	return b, nil
}

func declare(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// watch logs an unexpected broker-side close. Later publishes fail with
// amqp.ErrClosed and are journaled by the caller.
func (b *Bus) watch(closed <-chan *amqp.Error) {
	if err, ok := <-closed; ok && err != nil {
		b.logger.Error("Broker connection closed", slog.Any("error", err))
	}
}

// Publish sends body once. No confirmation is awaited.
func (b *Bus) Publish(ctx context.Context, messageID string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return amqp.ErrClosed
	}

	return b.ch.PublishWithContext(ctx, b.cfg.Exchange, b.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType: ContentType,
		MessageId:   messageID,
		Timestamp:   time.Now(),
		Body:        body,
	})
}

// Close shuts the channel and the connection. It is safe to call twice.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	err := b.ch.Close()
	if cerr := b.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}
