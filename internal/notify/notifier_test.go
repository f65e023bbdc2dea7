package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func telegramUnderTest(serverURL string) *Telegram {
	t := NewTelegram("bot-token", "chat-42", nil)
	t.baseURL = serverURL
	return t
}

func TestTelegramSend(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tg := telegramUnderTest(server.URL)
	require.NoError(t, tg.Send(context.Background(), "Opened REGULAR strangle CE 24950 / PE 24450"))

	assert.Equal(t, "/botbot-token/sendMessage", gotPath)
	assert.Equal(t, "chat-42", gotPayload["chat_id"])
	assert.Equal(t, "Opened REGULAR strangle CE 24950 / PE 24450", gotPayload["text"])
}

func TestTelegramSendAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	tg := telegramUnderTest(server.URL)
	err := tg.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestTelegramEODReportFormat(t *testing.T) {
	var gotText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotText = payload["text"]
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tg := telegramUnderTest(server.URL)
	require.NoError(t, tg.SendEODReport(context.Background(), 2, -3000, 6250, 50))

	assert.Contains(t, gotText, "Trades: 2")
	assert.Contains(t, gotText, "Net P&L: -3000")
	assert.Contains(t, gotText, "Max Drawdown: 6250")
	assert.Contains(t, gotText, "Win Rate: 50.0%")
}

func TestNoopDiscards(t *testing.T) {
	n := Noop{}
	assert.NoError(t, n.Send(context.Background(), "ignored"))
	assert.NoError(t, n.SendEODReport(context.Background(), 1, 100, 0, 100))
}
