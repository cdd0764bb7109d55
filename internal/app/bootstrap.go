package app

import (
	"context"
	"log/slog"
	"time"

	"order_sync/internal/domain"
	"order_sync/internal/engine"
	"order_sync/internal/infra"
	"order_sync/internal/infra/bitmex"
	"order_sync/internal/infra/rabbitmq"
	"order_sync/internal/infra/storage"
	"order_sync/internal/publish"
	"order_sync/internal/table"
)

// DefaultConfigPath is read when no path is given.
const DefaultConfigPath = "configs/config.yaml"

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string
	Config     *infra.Config
	Metrics    *infra.Metrics

	Storage   *storage.Storage
	Bus       *rabbitmq.Bus
	Publisher *publish.Publisher
	Sequencer *engine.Sequencer
	Conn      *bitmex.Conn
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads configuration and wires every component. Nothing is
// connected to the venue yet.
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping order sync...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg
	if b.Metrics == nil {
		b.Metrics = infra.GlobalMetrics
	}

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Bus + failure journal. Both stay nil interfaces when disabled.
	var bus domain.MessageBus
	var journal domain.FailureJournal
	if cfg.RabbitMQ.Enabled {
		store, err := storage.NewStorage(cfg.Storage.JournalPath)
		if err != nil {
			return err
		}
		b.Storage = store
		journal = store
		slog.Info("✅ Failure journal initialized")

		b.Bus, err = rabbitmq.Dial(rabbitmq.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			Queue:      cfg.RabbitMQ.Queue,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		})
		if err != nil {
			b.Close()
			return err
		}
		bus = b.Bus
		slog.Info("✅ RabbitMQ bus ready")
	} else {
		slog.Warn("RabbitMQ disabled; outbound messages are only logged")
	}

	// 4. Publisher
	b.Publisher = publish.NewPublisher(bus, journal, publish.Config{
		Generator:   cfg.Publisher.Generator,
		Exchange:    cfg.Publisher.Exchange,
		Timeout:     cfg.PublishTimeout(),
		BusExchange: cfg.RabbitMQ.Exchange,
		RoutingKey:  cfg.RabbitMQ.RoutingKey,
	}, b.Metrics)

	// 5. Table store + sequencer
	store := table.NewStore(
		table.WithMaxLen(cfg.Table.MaxLen),
		table.WithProtected(cfg.Table.Protected...),
	)
	b.Sequencer = engine.NewSequencer(cfg.Table.InboxSize, store, b.Publisher, engine.Options{
		PublishSnapshots: cfg.Publisher.PublishSnapshots,
		DumpFile:         cfg.Debug.PanicDumpFilename,
		Metrics:          b.Metrics,
	})

	// 6. Venue connection
	creds := bitmex.Credentials{APIKey: cfg.BitMEX.APIKey, Secret: cfg.BitMEX.Secret}
	if !cfg.HasCredentials() {
		slog.Warn("No credentials configured; connecting unauthenticated")
	}
	b.Conn = bitmex.NewConn(cfg.BitMEX.WSURL, creds, b.Sequencer, bitmex.Option{
		PingInterval: cfg.PingInterval(),
		PongTimeout:  cfg.PongTimeout(),
		ConnectPolls: cfg.BitMEX.ConnectPolls,
		Backoff: bitmex.Backoff{
			Base:   cfg.ReconnectBaseDelay(),
			Max:    cfg.ReconnectMaxDelay(),
			Jitter: bitmex.DefaultBackoff().Jitter,
		},
		BreakerFailures: uint32(cfg.Reconnect.BreakerFailures),
		BreakerOpen:     time.Duration(cfg.Reconnect.BreakerOpenSec) * time.Second,
		Topics:          cfg.BitMEX.Topics,
		Metrics:         b.Metrics,
		OnConnect: func() {
			slog.Info("Session established", slog.Bool("authenticated", !creds.Empty()))
		},
	})

	return nil
}

// Run starts the sequencer, connects and blocks until ctx is cancelled or
// the connection exits.
func (b *Bootstrap) Run(ctx context.Context) error {
	go b.Sequencer.Run(ctx)
	slog.InfoContext(ctx, "✅ Sequencer started")

	if err := b.Conn.Connect(ctx); err != nil {
		return err
	}
	slog.InfoContext(ctx, "✅ Connected", slog.String("endpoint", b.Config.BitMEX.WSURL))

	go b.reportMetrics(ctx, time.Duration(b.Config.Debug.MetricsReportSec)*time.Second)

	select {
	case <-ctx.Done():
	case <-b.Conn.Done():
	}
	return nil
}

func (b *Bootstrap) reportMetrics(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("Metrics", slog.Any("metrics", b.Metrics.Snapshot()))
			b.maintainJournal(time.Now())
		}
	}
}

// maintainJournal reports the journal size and drops failures older than
// the configured retention.
func (b *Bootstrap) maintainJournal(now time.Time) {
	if b.Storage == nil {
		return
	}
	purged, err := b.Storage.PurgeBefore(now.Add(-b.Config.Storage.Retention))
	if err != nil {
		slog.Warn("Failed to purge journal", slog.Any("error", err))
	}
	pending, err := b.Storage.CountFailures()
	if err != nil {
		slog.Warn("Failed to count journal", slog.Any("error", err))
		return
	}
	slog.Info("Failure journal",
		slog.Int64("pending", pending),
		slog.Int64("purged", purged),
		slog.Duration("retention", b.Config.Storage.Retention),
	)
}

// Close exits the connection and releases the bus and the journal.
func (b *Bootstrap) Close() {
	if b.Conn != nil {
		b.Conn.Exit()
	}
	if b.Bus != nil {
		if err := b.Bus.Close(); err != nil {
			slog.Warn("Failed to close bus", slog.Any("error", err))
		}
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close journal", slog.Any("error", err))
		}
	}
	if b.Metrics != nil {
		slog.Info("Final metrics", slog.Any("metrics", b.Metrics.Snapshot()))
	}
}
