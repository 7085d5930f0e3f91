package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
)

type chanBus struct {
	subs map[string]chan []byte
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.subs[channel] <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.subs[channel], nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubRelaysBusMessages(t *testing.T) {
	bus := &chanBus{subs: map[string]chan []byte{
		"triarb:executions": make(chan []byte, 4),
		"triarb:orders":     make(chan []byte, 4),
	}}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Mode:     "Paper",
		Channels: []string{"triarb:executions", "triarb:orders"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEnvelope(t, conn)
	assert.Equal(t, "hello", hello.Channel)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(hello.Payload, &meta))
	assert.Equal(t, "paper", meta["mode"])

	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "triarb:executions", []byte(`{"id":"exec-1"}`)))
	env := readEnvelope(t, conn)
	assert.Equal(t, "triarb:executions", env.Channel)
	assert.JSONEq(t, `{"id":"exec-1"}`, string(env.Payload))

	// Unsubscribed channels are filtered per client.
	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{"triarb:orders"}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.isSubscribed("triarb:orders")
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "triarb:orders", []byte(`{"order_id":"o1"}`)))
	require.NoError(t, bus.Publish(ctx, "triarb:executions", []byte(`not json`)))
	env = readEnvelope(t, conn)
	assert.Equal(t, "triarb:executions", env.Channel)
	assert.JSONEq(t, `"not json"`, string(env.Payload))
}

func TestIsSubscribedWildcard(t *testing.T) {
	c := &client{subs: map[string]bool{"triarb:*": true}}
	assert.True(t, c.isSubscribed("triarb:executions"))
	assert.False(t, c.isSubscribed("other:executions"))
}
