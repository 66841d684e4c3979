package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// fieldOrder pins the trade context to the top of a message so every
// open/average/close/PnL event reads the same way in the chat
var fieldOrder = map[string]int{"user": 0, "symbol": 1, "side": 2, "kind": 3}

// TelegramChannel posts trading events to a chat through the Bot API.
// Delivery is best effort; the manager treats a failed send as log-only.
type TelegramChannel struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func levelIcon(level AlertLevel) string {
	switch level {
	case Warning:
		return "⚠️"
	case Error:
		return "❌"
	case Critical:
		return "🚨"
	default:
		return "✅"
	}
}

// formatMessage renders an event as a bold headline, the event text, then
// the trade fields one per line in a stable order: user, symbol, side and
// kind first, everything else alphabetically.
func formatMessage(a AlertPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n%s", levelIcon(a.Level), html.EscapeString(a.Title), html.EscapeString(a.Message))

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iKnown := fieldOrder[keys[i]]
		rj, jKnown := fieldOrder[keys[j]]
		if !iKnown {
			ri = len(fieldOrder)
		}
		if !jKnown {
			rj = len(fieldOrder)
		}
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})

	if len(keys) > 0 {
		b.WriteString("\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "\n<code>%s</code>: %s", html.EscapeString(k), html.EscapeString(a.Fields[k]))
	}
	return b.String()
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       formatMessage(alert),
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiResp struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiResp)
		return fmt.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode, apiResp.Description)
	}
	return nil
}
