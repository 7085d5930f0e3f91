package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_FiltersEvents(t *testing.T) {
	var got []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = append(got, body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier([]Sender{NewDiscordSender(srv.URL)}, []string{EventStranded, " "}, discard())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, EventSequenceExecuted, "Sequence executed", "ignored"))
	require.NoError(t, n.Notify(ctx, EventStranded, "Return home failed", "holding XRP"))
	assert.True(t, n.Enabled(EventStranded))
	assert.False(t, n.Enabled(EventBaseSwitched))

	require.Len(t, got, 1)
	assert.Equal(t, "**Return home failed**\nholding XRP", got[0]["content"])
}

func TestNotifier_CollectsSenderFailures(t *testing.T) {
	var telegramPath string
	tg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telegramPath = r.URL.Path
	}))
	defer tg.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer bad.Close()

	sender := NewTelegramSender("tok", "42")
	sender.baseURL = tg.URL
	n := NewNotifier([]Sender{NewDiscordSender(bad.URL), sender}, nil, discard())

	err := n.NotifyAll(context.Background(), "Invariant violation", "halted")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord")
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, "/bottok/sendMessage", telegramPath)
}

func TestNotifier_NoSenders(t *testing.T) {
	n := NewNotifier(nil, nil, discard())
	assert.False(t, n.Enabled(EventStranded))
	assert.NoError(t, n.Notify(context.Background(), EventStranded, "t", "m"))
}
