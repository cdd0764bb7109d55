// Package publish turns significant order records into outbound bus messages.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"order_sync/internal/domain"
	"order_sync/internal/infra"

	"github.com/google/uuid"
)

const (
	// Source tags messages produced from the realtime stream.
	Source = "WS"
	// GeneratorVersion is the outbound message schema version.
	GeneratorVersion = 1
)

// Generator identifies the producer of a message.
type Generator struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Message is the outbound projection of one order record. Numeric fields
// carry the venue's json.Number through unchanged; missing fields are null.
type Message struct {
	Generator   Generator `json:"generator"`
	Exchange    string    `json:"exchange"`
	Timestamp   float64   `json:"timestamp"`
	Source      string    `json:"source"`
	WebsocketID float64   `json:"websocket_id"`

	ID        any    `json:"id"`
	Price     any    `json:"price"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Triggered bool   `json:"triggered"`
	StopPx    any    `json:"stopPx"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Filled    any    `json:"filled"`
	Remain    any    `json:"remain"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Project builds the message for rec. capturedAt is the frame's capture
// time; publishedAt fills websocket_id.
func Project(rec domain.Record, capturedAt, publishedAt time.Time, generator, exchange string) Message {
	return Message{
		Generator:   Generator{Name: generator, Version: GeneratorVersion},
		Exchange:    exchange,
		Timestamp:   unixSeconds(capturedAt),
		Source:      Source,
		WebsocketID: unixSeconds(publishedAt),

		ID:        rec[domain.FieldOrderID],
		Price:     rec[domain.FieldPrice],
		Symbol:    rec.Symbol(),
		Side:      rec.Side(),
		Triggered: rec.Triggered(),
		StopPx:    rec[domain.FieldStopPx],
		Type:      rec.OrdType(),
		Status:    rec.OrdStatus(),
		Filled:    rec[domain.FieldCumQty],
		Remain:    rec[domain.FieldLeavesQty],
	}
}

// Config holds the message identity and the bus destination recorded in
// the failure journal.
type Config struct {
	Generator   string
	Exchange    string
	Timeout     time.Duration
	BusExchange string
	RoutingKey  string
}

// Publisher projects records and hands them to the bus. It never retries.
type Publisher struct {
	bus     domain.MessageBus
	journal domain.FailureJournal
	cfg     Config
	metrics *infra.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewPublisher creates a publisher. A nil bus makes Publish a no-op; a nil
// journal skips failure persistence.
func NewPublisher(bus domain.MessageBus, journal domain.FailureJournal, cfg Config, metrics *infra.Metrics) *Publisher {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	if cfg.Generator == "" {
		cfg.Generator = infra.DefaultNamespace
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "bitmex"
	}
	return &Publisher{
		bus:     bus,
		journal: journal,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default().With("module", "publisher"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Publish sends one message for rec. Failures are counted and journaled
// and returned as *domain.PublishError.
func (p *Publisher) Publish(ctx context.Context, capturedAt time.Time, rec domain.Record) error {
	msg := Project(rec, capturedAt, p.now(), p.cfg.Generator, p.cfg.Exchange)
	body, err := json.Marshal(msg)
	if err != nil {
		return &domain.PublishError{OrderID: rec.ID(), Err: fmt.Errorf("encode: %w", err)}
	}

	p.logger.Info("Outbound message", slog.String("order_id", rec.ID()), slog.String("body", string(body)))
	if p.bus == nil {
		return nil
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	messageID := p.newID()
	if err := p.bus.Publish(ctx, messageID, body); err != nil {
		p.metrics.RecordPublishFailure()
		p.journalFailure(messageID, rec.ID(), body, err)
		return &domain.PublishError{OrderID: rec.ID(), Err: err}
	}
	p.metrics.RecordPublish()
	return nil
}

func (p *Publisher) journalFailure(messageID, orderID string, body []byte, cause error) {
	if p.journal == nil {
		return
	}
	f := &domain.PublishFailure{
		MessageID:  messageID,
		OrderID:    orderID,
		Exchange:   p.cfg.BusExchange,
		RoutingKey: p.cfg.RoutingKey,
		Body:       string(body),
		Error:      cause.Error(),
	}
	if err := p.journal.RecordFailure(f); err != nil {
		p.logger.Error("Failed to journal publish failure", slog.String("message_id", messageID), slog.Any("error", err))
	}
}
