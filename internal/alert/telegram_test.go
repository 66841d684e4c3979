package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMessage_FieldOrderAndEscaping(t *testing.T) {
	payload := AlertPayload{
		Level:   Info,
		Title:   "Order executed",
		Message: "BTCUSDT LONG open 27 at market",
		Fields: map[string]string{
			"pnl":    "<0.91>",
			"symbol": "BTCUSDT",
			"user":   "user_a",
			"kind":   "open",
		},
	}

	text := formatMessage(payload)
	assert.Contains(t, text, "<b>Order executed</b>")
	assert.Contains(t, text, "&lt;0.91&gt;", "field values must be HTML-escaped")

	// Trade context comes first, extras alphabetically after
	userIdx := indexOf(t, text, "<code>user</code>")
	symbolIdx := indexOf(t, text, "<code>symbol</code>")
	kindIdx := indexOf(t, text, "<code>kind</code>")
	pnlIdx := indexOf(t, text, "<code>pnl</code>")
	assert.Less(t, userIdx, symbolIdx)
	assert.Less(t, symbolIdx, kindIdx)
	assert.Less(t, kindIdx, pnlIdx)
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.NotEqual(t, -1, idx, "%q not found in message", needle)
	return idx
}

func TestTelegramChannel_Send(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken-123/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewTelegramChannel("token-123", "chat-9")
	ch.apiBase = server.URL
	ch.client = server.Client()

	err := ch.Send(context.Background(), AlertPayload{
		Level: Warning, Title: "Position closed", Message: "loss", Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "chat-9", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Contains(t, got["text"], "Position closed")
}

func TestTelegramChannel_SendAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	ch := NewTelegramChannel("token-123", "chat-9")
	ch.apiBase = server.URL
	ch.client = server.Client()

	err := ch.Send(context.Background(), AlertPayload{Level: Error, Title: "x", Message: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramChannel_MissingCredentialsIsNoop(t *testing.T) {
	ch := NewTelegramChannel("", "")
	assert.NoError(t, ch.Send(context.Background(), AlertPayload{Title: "x"}))
}
