package wshub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/scribeforge/scribeforge/internal/eventbus"
	"github.com/scribeforge/scribeforge/internal/obslog"
)

func startServer(t *testing.T, hub *Hub, topics ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Serve(conn, topics...)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServeDeliversEventInOrder(t *testing.T) {
	bus := eventbus.New(16)
	hub := New(bus, Config{Heartbeat: time.Hour, IdleKill: time.Hour}, obslog.Nop())
	url := startServer(t, hub, "job:1")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let the server-side subscription register
	bus.Publish("job:1", eventbus.Event{Kind: eventbus.KindStarted, JobID: "1"})
	bus.Publish("job:1", eventbus.Event{Kind: eventbus.KindProgress, JobID: "1", Progress: 50})

	var first, second OutboundMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	require.Equal(t, "started", first.Kind)
	require.Equal(t, "progress", second.Kind)
	require.Equal(t, uint64(1), first.Sequence)
	require.Equal(t, uint64(2), second.Sequence)
}

func TestServeEmitsResyncRequiredOnDrop(t *testing.T) {
	bus := eventbus.New(1)
	hub := New(bus, Config{Heartbeat: time.Hour, IdleKill: time.Hour}, obslog.Nop())
	url := startServer(t, hub, "job:1")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		bus.Publish("job:1", eventbus.Event{Kind: eventbus.KindProgress, JobID: "1", Progress: i})
	}

	sawResync := false
	for i := 0; i < 6; i++ {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if strings.Contains(string(data), "resync_required") {
			sawResync = true
			break
		}
	}
	require.True(t, sawResync, "expected a resync_required control message after a buffer overflow")
}
