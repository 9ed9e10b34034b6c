package messaging

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*LocalBus, *Hub, string) {
	t.Helper()
	bus := NewBus()
	hub := NewHub(bus)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		bus.Close()
	})
	return bus, hub, srv.URL
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(websocketURL(url), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnections(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Connections() == n }, time.Second, 5*time.Millisecond)
}

func TestHub_InboundReachesBus(t *testing.T) {
	bus, hub, url := startHub(t)
	conn := dialRaw(t, url)
	waitConnections(t, hub, 1)

	w := bus.Wait(TypeIsPreauthorized, MatchField("host", "example.com"))
	require.NoError(t, conn.WriteJSON(MustMessage(TypeIsPreauthorized, HostData{Host: "example.com"})))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := w.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeIsPreauthorized, msg.Type)
}

func TestHub_OutboundSkipsOrigin(t *testing.T) {
	bus, hub, url := startHub(t)
	sender := dialRaw(t, url)
	receiver := dialRaw(t, url)
	waitConnections(t, hub, 2)

	require.NoError(t, sender.WriteJSON(MustMessage("PING", nil)))

	require.NoError(t, receiver.SetReadDeadline(time.Now().Add(time.Second)))
	var got Message
	require.NoError(t, receiver.ReadJSON(&got))
	assert.Equal(t, "PING", got.Type)

	// a locally sent message reaches the sender, which proves PING was not echoed first
	require.NoError(t, bus.Send(context.Background(), MustMessage("LOCAL", nil)))
	require.NoError(t, sender.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, sender.ReadJSON(&got))
	assert.Equal(t, "LOCAL", got.Type)
}

func TestBridge_RequestAcrossProcesses(t *testing.T) {
	backgroundBus, hub, url := startHub(t)

	// responder on the background side
	sub := backgroundBus.Subscribe(TypeIsPreauthorized)
	go func() {
		for {
			msg, err := sub.Next(context.Background())
			if err != nil {
				return
			}
			var req HostData
			_ = msg.Decode(&req)
			_ = backgroundBus.Send(context.Background(), MustMessage(TypeIsPreauthorizedRes,
				IsPreauthorizedResData{Host: req.Host, Value: true}))
		}
	}()

	pageBus := NewBus()
	defer pageBus.Close()
	bridge, err := DialBridge(context.Background(), url, pageBus, WithBridgeRetry(nil))
	require.NoError(t, err)
	defer bridge.Close()
	waitConnections(t, hub, 1)

	resp, err := Request(context.Background(), pageBus,
		MustMessage(TypeIsPreauthorized, HostData{Host: "example.com"}),
		TypeIsPreauthorizedRes, MatchField("host", "example.com"), 2*time.Second)
	require.NoError(t, err)

	var data IsPreauthorizedResData
	require.NoError(t, resp.Decode(&data))
	assert.True(t, data.Value)
}

func TestBridge_DialFailure(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, err := DialBridge(context.Background(), "ws://127.0.0.1:1", bus, WithBridgeRetry(nil))
	assert.Error(t, err)
}

func TestWebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080/bus":  "ws://localhost:8080/bus",
		"https://wallet.example/bus": "wss://wallet.example/bus",
		"ws://x/bus":                 "ws://x/bus",
		"wss://x/bus":                "wss://x/bus",
		"localhost:9000":             "ws://localhost:9000",
	}
	for in, want := range tests {
		assert.Equal(t, want, websocketURL(in), in)
	}
}
