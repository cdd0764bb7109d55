package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"order_sync/internal/domain"
	"order_sync/internal/infra"
	"order_sync/internal/infra/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"SYNCER_API_KEY", "SYNCER_API_SECRET", "SYNCER_AMQP_URL", "SYNCER_WS_URL"} {
		t.Setenv(k, "")
	}
}

// restoreLogger undoes the slog.SetDefault done by Initialize.
func restoreLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func writeConfig(t *testing.T, wsURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
app:
  name: order-sync-test
bitmex:
  ws_url: %q
  connect_polls: 20
reconnect:
  base_delay_ms: 10
  max_delay_ms: 50
logging:
  level: debug
  dir: %q
debug:
  panic_dump_file: %q
`, wsURL, filepath.Join(dir, "logs"), filepath.Join(dir, "dump.json"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestBootstrap_MissingConfig(t *testing.T) {
	clearEnv(t)
	b := NewBootstrap(filepath.Join(t.TempDir(), "nope.yaml"))

	err := b.Initialize()

	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.True(t, errors.Is(err, domain.ErrConfigNotFound))
}

func TestBootstrap_InitializeWithoutBus(t *testing.T) {
	clearEnv(t)
	restoreLogger(t)

	b := NewBootstrap(writeConfig(t, "ws://127.0.0.1:1/realtime"))
	b.Metrics = &infra.Metrics{}
	require.NoError(t, b.Initialize())
	defer b.Close()

	assert.Nil(t, b.Bus)
	assert.Nil(t, b.Storage)
	assert.NotNil(t, b.Publisher)
	assert.NotNil(t, b.Sequencer)
	assert.NotNil(t, b.Conn)
	assert.Equal(t, "order-sync-test", b.Config.App.Name)
}

func TestBootstrap_RunSyncsOrderTable(t *testing.T) {
	clearEnv(t)
	restoreLogger(t)

	frames := []string{
		`{"info":"Welcome to the BitMEX Realtime API.","version":"2.0.0"}`,
		`{"success":true,"subscribe":"order"}`,
		`{"table":"order","action":"partial","keys":["orderID"],"data":[{"orderID":"a","symbol":"XBTUSD","leavesQty":100,"cumQty":0,"ordStatus":"New"},{"orderID":"b","symbol":"XBTUSD","leavesQty":10,"cumQty":0,"ordStatus":"New"}]}`,
		`{"table":"order","action":"update","data":[{"orderID":"a","cumQty":50,"leavesQty":50,"ordStatus":"PartiallyFilled"}]}`,
		`{"table":"order","action":"update","data":[{"orderID":"a","cumQty":100,"leavesQty":0,"ordStatus":"Filled"}]}`,
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime?subscribe=order"
	b := NewBootstrap(writeConfig(t, wsURL))
	b.Metrics = &infra.Metrics{}
	require.NoError(t, b.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return b.Metrics.Snapshot().FramesProcessed == uint64(len(frames))
	}, 3*time.Second, 10*time.Millisecond)

	orders, err := b.Sequencer.Orders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "b", orders[0].ID())

	snap := b.Metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.OrdersClosed)
	assert.Zero(t, snap.ProtocolErrors)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	b.Close()
	assert.False(t, b.Conn.IsConnected())
}

func TestBootstrap_MaintainJournalPurgesExpired(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	require.NoError(t, store.RecordFailure(&domain.PublishFailure{OrderID: "old", CreatedAt: now.Add(-3 * time.Hour)}))
	require.NoError(t, store.RecordFailure(&domain.PublishFailure{OrderID: "fresh", CreatedAt: now.Add(-time.Minute)}))

	cfg := infra.DefaultConfig()
	cfg.Storage.Retention = time.Hour
	b := &Bootstrap{Config: cfg, Storage: store}

	b.maintainJournal(now)

	n, err := store.CountFailures()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// no journal configured: nothing to do
	(&Bootstrap{Config: cfg}).maintainJournal(now)
}
