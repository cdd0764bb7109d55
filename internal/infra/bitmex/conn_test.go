package bitmex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"order_sync/internal/domain"
	"order_sync/internal/infra"

	"github.com/gorilla/websocket"
)

type recordingHandler struct {
	frames chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{frames: make(chan string, 16)}
}

func (h *recordingHandler) HandleFrame(ctx context.Context, frame []byte) error {
	select {
	case h.frames <- string(frame):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *recordingHandler) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

// wsServer upgrades every request and runs serve on the socket.
func wsServer(t *testing.T, serve func(n int, r *http.Request, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(int(count.Add(1)), r, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime?subscribe=order"
}

func fastOption() Option {
	return Option{
		ConnectPolls: 50,
		PollInterval: 20 * time.Millisecond,
		Backoff:      Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		Metrics:      &infra.Metrics{},
	}
}

func TestConn_DeliversFramesInOrderWithAuth(t *testing.T) {
	var gotKey, gotSig, gotNonce string
	var mu sync.Mutex

	srv := wsServer(t, func(n int, r *http.Request, conn *websocket.Conn) {
		mu.Lock()
		gotKey = r.Header.Get("api-key")
		gotSig = r.Header.Get("api-signature")
		gotNonce = r.Header.Get("api-nonce")
		mu.Unlock()

		for _, msg := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
			conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		drain(conn)
	})

	handler := newRecordingHandler()
	c := NewConn(wsURL(srv), Credentials{APIKey: "key", Secret: "abc"}, handler, fastOption())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Exit()

	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if got := handler.next(t); got != want {
			t.Errorf("frame = %s, want %s", got, want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if gotKey != "key" {
		t.Errorf("api-key = %q", gotKey)
	}
	if gotNonce == "" || gotSig == "" {
		t.Error("expected api-nonce and api-signature headers")
	}
	if !c.Health().Connected {
		t.Error("expected connected health")
	}
}

func TestConn_Unauthenticated(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := wsServer(t, func(n int, r *http.Request, conn *websocket.Conn) {
		headers <- r.Header.Clone()
		drain(conn)
	})

	c := NewConn(wsURL(srv), Credentials{}, newRecordingHandler(), fastOption())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Exit()

	h := <-headers
	if h.Get("api-key") != "" || h.Get("api-signature") != "" {
		t.Errorf("unexpected auth headers: %v", h)
	}
}

func TestConn_ConnectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var errorsSeen atomic.Int32
	opt := fastOption()
	opt.ConnectPolls = 3
	opt.PollInterval = 30 * time.Millisecond
	opt.OnError = func(err error) {
		errorsSeen.Add(1)
	}

	c := NewConn(wsURL(srv), Credentials{}, newRecordingHandler(), opt)
	err := c.Connect(context.Background())

	if !errors.Is(err, domain.ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
	if errorsSeen.Load() == 0 {
		t.Error("expected dial failures on the error side channel")
	}

	health := c.Health()
	if health.Connected || !health.Exited {
		t.Errorf("unexpected health after timeout: %+v", health)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, domain.ErrExited) {
		t.Errorf("expected ErrExited on reuse, got %v", err)
	}
}

func TestConn_ReconnectsAfterDrop(t *testing.T) {
	srv := wsServer(t, func(n int, r *http.Request, conn *websocket.Conn) {
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(`first`))
			return // drop the socket
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`second`))
		drain(conn)
	})

	var reported atomic.Int32
	var connects atomic.Int32
	opt := fastOption()
	opt.OnError = func(err error) {
		if domain.IsRetriable(err) {
			reported.Add(1)
		}
	}
	opt.OnConnect = func() { connects.Add(1) }

	handler := newRecordingHandler()
	c := NewConn(wsURL(srv), Credentials{}, handler, opt)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Exit()

	if got := handler.next(t); got != "first" {
		t.Errorf("frame = %q, want first", got)
	}
	if got := handler.next(t); got != "second" {
		t.Errorf("frame = %q, want second", got)
	}
	if reported.Load() == 0 {
		t.Error("expected the dropped session to be reported as retriable")
	}
	if connects.Load() < 2 {
		t.Errorf("expected 2 connects, got %d", connects.Load())
	}
	if opt.Metrics.Snapshot().Reconnects == 0 {
		t.Error("expected reconnect to be counted")
	}
}

func TestConn_SilentPeerIsRedialled(t *testing.T) {
	release := make(chan struct{})
	srv := wsServer(t, func(n int, r *http.Request, conn *websocket.Conn) {
		if n == 1 {
			// never read, so pings go unanswered
			<-release
			return
		}
		drain(conn)
	})
	t.Cleanup(func() { close(release) })

	var readErrors atomic.Int32
	var connects atomic.Int32
	opt := fastOption()
	opt.PingInterval = 50 * time.Millisecond
	opt.PongTimeout = 50 * time.Millisecond
	opt.OnError = func(err error) {
		var ne *domain.NetworkError
		if errors.As(err, &ne) && ne.Op == "read" {
			readErrors.Add(1)
		}
	}
	opt.OnConnect = func() { connects.Add(1) }

	c := NewConn(wsURL(srv), Credentials{}, newRecordingHandler(), opt)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Exit()

	deadline := time.Now().Add(3 * time.Second)
	for connects.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if connects.Load() < 2 {
		t.Fatalf("expected a second dial after the keepalive timeout, got %d connects", connects.Load())
	}
	if readErrors.Load() == 0 {
		t.Error("expected the silent session to be reported as a read error")
	}
}

func TestConn_CancelClosesSession(t *testing.T) {
	srv := wsServer(t, func(n int, r *http.Request, conn *websocket.Conn) {
		drain(conn)
	})

	opt := fastOption()
	opt.PingInterval = 10 * time.Second
	opt.PongTimeout = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	c := NewConn(wsURL(srv), Credentials{}, newRecordingHandler(), opt)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Exit()

	// cancel without Exit: nothing but the session context closes the socket
	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop outlived its context")
	}
}

func TestConn_SubscribesTopics(t *testing.T) {
	received := make(chan string, 1)
	srv := wsServer(t, func(n int, r *http.Request, conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			received <- string(msg)
		}
		drain(conn)
	})

	opt := fastOption()
	opt.Topics = []string{"execution", "position"}
	c := NewConn(wsURL(srv), Credentials{}, newRecordingHandler(), opt)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Exit()

	select {
	case msg := <-received:
		if msg != `{"op":"subscribe","args":["execution","position"]}` {
			t.Errorf("subscribe command = %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe command received")
	}
}

func TestConn_ExitIsIdempotent(t *testing.T) {
	srv := wsServer(t, func(n int, r *http.Request, conn *websocket.Conn) {
		drain(conn)
	})

	c := NewConn(wsURL(srv), Credentials{}, newRecordingHandler(), fastOption())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	c.Exit()
	c.Exit()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection loop did not stop")
	}
	if c.IsConnected() {
		t.Error("expected disconnected after Exit")
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{100, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	b.Jitter = 0.5
	for i := 0; i < 100; i++ {
		d := b.Delay(2)
		if d < 200*time.Millisecond || d > 600*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}
