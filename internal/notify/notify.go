// Package notify delivers short text messages to an opaque recipient over a
// configured transport: the Telegram Bot API (recipient is a chat id), SMTP
// (recipient is an email address) or the application log.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/license-registry/license-registry/internal/config"
)

// ErrDisabled is returned by every send when notifications are turned off.
var ErrDisabled = errors.New("notifications are disabled")

// Sender delivers text to a recipient and reports whether it was accepted.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// New builds the Sender selected by cfg.Transport.
func New(cfg *config.NotificationsConfig) (Sender, error) {
	if !cfg.Enabled {
		return Disabled{}, nil
	}
	switch cfg.Transport {
	case config.TransportTelegram:
		return NewTelegramNotifier(cfg.Telegram, &http.Client{Timeout: cfg.Timeout}), nil
	case config.TransportSMTP:
		return NewSMTPNotifier(cfg.SMTP), nil
	case config.TransportLog:
		return NewLogNotifier(slog.Default()), nil
	default:
		return nil, fmt.Errorf("unknown notification transport %q", cfg.Transport)
	}
}

// Disabled rejects every message.
type Disabled struct{}

func (Disabled) Send(context.Context, string, string) error {
	return ErrDisabled
}

// LogNotifier writes messages to a structured logger instead of delivering
// them. Useful in development and for smoke-testing the notify endpoints.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier writing to logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "notification", "recipient", recipient, "text", text)
	return nil
}
