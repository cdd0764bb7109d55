package bitmex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"order_sync/internal/domain"
	"order_sync/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
)

const (
	defaultPingInterval = 5 * time.Second
	defaultPongTimeout  = 4 * time.Second
	defaultConnectPolls = 5
	defaultPollInterval = 1 * time.Second
	handshakeTimeout    = 10 * time.Second
)

// Backoff is a capped exponential delay with proportional jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0..1, fraction of the delay randomized in both directions
}

// DefaultBackoff returns 500ms doubling up to 30s with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := b.Base << uint(attempt)
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		delta := float64(d) * b.Jitter
		d = time.Duration(float64(d) - delta + rand.Float64()*2*delta)
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Option defines the connection manager configuration. Zero fields take defaults.
type Option struct {
	// PingInterval is the keepalive period. Default 5s.
	PingInterval time.Duration
	// PongTimeout is how long past a ping the read side waits. Default 4s.
	PongTimeout time.Duration
	// ConnectPolls and PollInterval bound how long Connect waits. Default 5 × 1s.
	ConnectPolls int
	PollInterval time.Duration
	// Backoff paces reconnects. Default DefaultBackoff.
	Backoff Backoff
	// BreakerFailures consecutive dial failures open the circuit for BreakerOpen.
	BreakerFailures uint32
	BreakerOpen     time.Duration
	// Topics are subscribed with an explicit op after every dial, in addition
	// to any subscription carried by the endpoint query string.
	Topics []string
	// OnError receives transport errors. The receive loop never returns them.
	OnError func(error)
	// OnConnect runs after each successful dial.
	OnConnect func()
	// Metrics receives connection counters. Default infra.GlobalMetrics.
	Metrics *infra.Metrics
	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
}

func (opt *Option) init() {
	if opt.PingInterval <= 0 {
		opt.PingInterval = defaultPingInterval
	}
	if opt.PongTimeout <= 0 {
		opt.PongTimeout = defaultPongTimeout
	}
	if opt.ConnectPolls <= 0 {
		opt.ConnectPolls = defaultConnectPolls
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = defaultPollInterval
	}
	if opt.Backoff.Base <= 0 || opt.Backoff.Max <= 0 {
		opt.Backoff = DefaultBackoff()
	}
	if opt.BreakerFailures == 0 {
		opt.BreakerFailures = 5
	}
	if opt.BreakerOpen <= 0 {
		opt.BreakerOpen = 30 * time.Second
	}
	if opt.Metrics == nil {
		opt.Metrics = infra.GlobalMetrics
	}
	if opt.Dialer == nil {
		opt.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
}

// Health is the externally visible state of the session.
type Health struct {
	Connected bool
	Breaker   string
	Exited    bool
}

var _ domain.StreamConnection = (*Conn)(nil)

// Conn owns one authenticated realtime session and keeps it alive.
type Conn struct {
	endpoint string
	creds    Credentials
	handler  domain.FrameHandler
	opt      Option
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	exited    atomic.Bool
	exitOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewConn creates a connection manager. Frames are handed to handler in
// arrival order from a single goroutine.
func NewConn(endpoint string, creds Credentials, handler domain.FrameHandler, opt Option) *Conn {
	opt.init()

	c := &Conn{
		endpoint: endpoint,
		creds:    creds,
		handler:  handler,
		opt:      opt,
		logger:   slog.Default().With("module", "bitmex_ws"),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bitmex-dial",
		MaxRequests: 1,
		Timeout:     opt.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opt.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			opt.Metrics.SetCircuitState(to == gobreaker.StateOpen)
		},
	})
	return c
}

// Connect spawns the connection loop and waits a bounded time for the first
// handshake. On timeout the manager exits and ErrConnectionTimeout is returned.
func (c *Conn) Connect(ctx context.Context) error {
	if c.exited.Load() {
		return domain.ErrExited
	}

	ctx, c.cancel = context.WithCancel(ctx)

	if c.creds.Empty() {
		c.logger.Info("Not authenticating", slog.String("endpoint", c.endpoint))
	} else {
		c.logger.Info("Authenticating with API Key", slog.String("endpoint", c.endpoint))
	}

	c.wg.Add(1)
	go c.connectionLoop(ctx)

	// Wait for connect before continuing
	for i := 0; i < c.opt.ConnectPolls; i++ {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			c.Exit()
			return ctx.Err()
		case <-time.After(c.opt.PollInterval):
		}
	}
	if c.IsConnected() {
		return nil
	}

	c.logger.Error("Couldn't connect to WS! Exiting.", slog.String("endpoint", c.endpoint))
	c.Exit()
	return fmt.Errorf("%w: %s", domain.ErrConnectionTimeout, c.endpoint)
}

// connectionLoop dials, serves and redials until Exit. Every failure is
// reported through OnError and followed by a backoff wait.
func (c *Conn) connectionLoop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("BitMEX connection loop panic recovered", slog.Any("panic", r))
		}
	}()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("BitMEX connection loop stopped")
			return
		default:
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.dial(ctx)
		})
		if err == nil {
			started := time.Now()
			err = c.readLoop(ctx)
			if c.exited.Load() || ctx.Err() != nil {
				return
			}
			// A session that outlived the backoff ceiling was healthy.
			if time.Since(started) >= c.opt.Backoff.Max {
				attempt = 0
			}
			c.reportError(domain.NewNetworkError("read", err))
		} else {
			if c.exited.Load() || ctx.Err() != nil {
				return
			}
			c.reportError(domain.NewNetworkError("dial", err))
		}

		delay := c.opt.Backoff.Delay(attempt)
		attempt++
		c.opt.Metrics.RecordReconnect()
		c.logger.Info("Reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Conn) dial(ctx context.Context) error {
	// Fresh nonce per handshake
	header := AuthHeader(c.creds)

	conn, resp, err := c.opt.Dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	readTimeout := c.opt.PingInterval + c.opt.PongTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.opt.Metrics.IncrementConnections()

	if len(c.opt.Topics) > 0 {
		if err := c.Send("subscribe", toArgs(c.opt.Topics)...); err != nil {
			c.closeConnection()
			return fmt.Errorf("subscribe failed: %w", err)
		}
	}

	c.logger.Info("Connected to WS", slog.Bool("authenticated", !c.creds.Empty()))
	if c.opt.OnConnect != nil {
		c.opt.OnConnect()
	}
	return nil
}

// readLoop reads frames until the socket fails or is closed.
func (c *Conn) readLoop(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("connection is nil")
	}
	defer c.closeConnection()

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.pingLoop(sessionCtx, conn)

	readTimeout := c.opt.PingInterval + c.opt.PongTimeout
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if err := c.handler.HandleFrame(ctx, message); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Frame handler failed", slog.Any("error", err))
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opt.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unblocks ReadMessage when the session is cancelled before
			// closeConnection could see this socket.
			conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opt.PongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

type command struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

// Send writes a raw {"op": ..., "args": [...]} command.
func (c *Conn) Send(op string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(command{Op: op, Args: args})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("connection is nil")
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func toArgs(topics []string) []any {
	args := make([]any, len(topics))
	for i, t := range topics {
		args[i] = t
	}
	return args
}

func (c *Conn) reportError(err error) {
	if c.exited.Load() {
		return
	}
	c.opt.Metrics.RecordError()
	c.logger.Warn("BitMEX transport error", slog.Any("error", err))
	if c.opt.OnError != nil {
		c.opt.OnError(err)
	}
}

// closeConnection safely closes the WebSocket connection
func (c *Conn) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.opt.Metrics.DecrementConnections()
	}
	c.connected = false
}

// Exit stops reconnecting, closes the socket and waits for the loop.
// It is safe to call more than once.
func (c *Conn) Exit() {
	c.exitOnce.Do(func() {
		c.exited.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		c.closeConnection()
		c.wg.Wait()
		c.logger.Info("Websocket Closed")
	})
}

// Done returns a channel closed once the connection loop has finished.
func (c *Conn) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	return done
}

// IsConnected returns connection status
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Health reports the session and circuit breaker state.
func (c *Conn) Health() Health {
	return Health{
		Connected: c.IsConnected(),
		Breaker:   c.breaker.State().String(),
		Exited:    c.exited.Load(),
	}
}
