// Package webhooks handles inbound webhook events from the chat platform. The only
// command understood today lets a user discover their Telegram chat id so they can
// register it as the notify target of their license.
package webhooks

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/license-registry/license-registry/internal/notify"
	"github.com/license-registry/license-registry/internal/safego"
	"github.com/license-registry/license-registry/internal/telemetry"
)

const (
	// ChatIDCommand is the message text that triggers a chat id reply.
	ChatIDCommand = "what-is-my-chat-id"

	// SecretTokenHeader carries the secret_token configured with setWebhook.
	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

	maxUpdateSize    = 1 << 20
	replySendTimeout = 10 * time.Second
)

// TelegramWebhookHandler answers chat-id requests sent to the bot.
type TelegramWebhookHandler struct {
	sender Sender
	secret string
	// async replies leave the HTTP response independent of the Bot API latency
	async bool
}

// Sender delivers the reply message.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// NewTelegramWebhookHandler creates a handler replying through sender. When secret is
// non-empty, updates without the matching secret token header are ignored.
func NewTelegramWebhookHandler(sender Sender, secret string) *TelegramWebhookHandler {
	return &TelegramWebhookHandler{sender: sender, secret: secret, async: true}
}

// HandleUpdate processes one update pushed by the Bot API.
// POST /webhooks/telegram
// The response is always 200: any other status makes Telegram redeliver the update.
func (h *TelegramWebhookHandler) HandleUpdate(c *gin.Context) {
	if h.secret != "" {
		got := c.GetHeader(SecretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			slog.Warn("telegram webhook: secret token mismatch, update ignored", "ip", c.ClientIP())
			c.Status(http.StatusOK)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpdateSize))
	if err != nil {
		slog.Warn("telegram webhook: failed to read update", "error", err)
		c.Status(http.StatusOK)
		return
	}

	var update notify.Update
	if err := json.Unmarshal(body, &update); err != nil {
		slog.Warn("telegram webhook: malformed update", "error", err)
		c.Status(http.StatusOK)
		return
	}

	if update.Message == nil || update.Message.Text == "" {
		c.Status(http.StatusOK)
		return
	}

	if strings.ToLower(strings.TrimSpace(update.Message.Text)) == ChatIDCommand {
		chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
		if h.async {
			safego.Go("telegram-chat-id-reply", func() { h.reply(chatID) })
		} else {
			h.reply(chatID)
		}
	}

	c.Status(http.StatusOK)
}

func (h *TelegramWebhookHandler) reply(chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), replySendTimeout)
	defer cancel()

	start := time.Now()
	err := h.sender.Send(ctx, chatID, chatID)
	telemetry.NotificationDuration.WithLabelValues("chat_id_reply").Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.NotificationsTotal.WithLabelValues("chat_id_reply", "failed").Inc()
		slog.Warn("telegram webhook: chat id reply failed", "chat_id", chatID, "error", err)
		return
	}
	telemetry.NotificationsTotal.WithLabelValues("chat_id_reply", "delivered").Inc()
	slog.Info("telegram webhook: chat id sent", "chat_id", chatID)
}
