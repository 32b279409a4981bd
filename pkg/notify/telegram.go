package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/solcurb/solcurb/pkg/common"
	"github.com/solcurb/solcurb/pkg/types"
)

// Telegram delivers events as plain-text messages through the Bot API.
type Telegram struct {
	client *http.Client
	apiURL string
	token  string
	chatID string
}

var _ Notifier = (*Telegram)(nil)

func newTelegram(apiURL, token, chatID string) *Telegram {
	return &Telegram{
		client: common.HTTPClient(15 * time.Second),
		apiURL: apiURL,
		token:  token,
		chatID: chatID,
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify sends the rendered event via sendMessage.
func (t *Telegram) Notify(ctx context.Context, ev types.Event) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID: t.chatID,
		Text:   Render(ev),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var res sendMessageResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if !res.OK {
		return fmt.Errorf("telegram api error (status %d): %s", resp.StatusCode, res.Description)
	}
	return nil
}
