package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/license-registry/license-registry/internal/config"
)

// maxTelegramResponse caps how much of a Bot API response body is read.
const maxTelegramResponse = 64 << 10

// TelegramNotifier sends messages through the Telegram Bot API. The recipient
// is a chat id.
type TelegramNotifier struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewTelegramNotifier creates a Bot API client. The client's own timeout is a
// backstop; callers bound each send with their context.
func NewTelegramNotifier(cfg config.TelegramConfig, client *http.Client) *TelegramNotifier {
	baseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &TelegramNotifier{baseURL: baseURL, token: cfg.BotToken, client: client}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type botAPIResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

// Send posts text to chat recipient via sendMessage.
func (n *TelegramNotifier) Send(ctx context.Context, recipient, text string) error {
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("telegram: empty chat id")
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: recipient, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// the URL embeds the bot token; report the failure without it
		return fmt.Errorf("telegram: sendMessage failed: %w", redactToken(err, n.token))
	}
	defer resp.Body.Close()

	var apiResp botAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTelegramResponse)).Decode(&apiResp); err != nil {
		return fmt.Errorf("telegram: sendMessage returned status %d with unreadable body", resp.StatusCode)
	}
	if resp.StatusCode >= 400 || !apiResp.OK {
		return fmt.Errorf("telegram: sendMessage rejected (status %d): %s", resp.StatusCode, apiResp.Description)
	}
	return nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redactToken(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<redacted>"), err: err}
}

// Update is the subset of a Telegram webhook update the service reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Username string `json:"username"`
}

// User is the sender of a message.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}
