package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"

	"github.com/license-registry/license-registry/internal/config"
)

const smtpSubject = "License notification"

// SMTPNotifier emails messages. The recipient is an email address.
type SMTPNotifier struct {
	cfg config.SMTPConfig
}

// NewSMTPNotifier creates an SMTP notifier.
func NewSMTPNotifier(cfg config.SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg}
}

// Send delivers text as a plain-text email. The whole exchange runs under the
// context deadline, applied to the connection.
func (n *SMTPNotifier) Send(ctx context.Context, recipient, text string) error {
	to, err := mail.ParseAddress(recipient)
	if err != nil {
		return fmt.Errorf("smtp: invalid recipient %q: %w", recipient, err)
	}

	msg := buildMessage(n.cfg.From, to.Address, smtpSubject, text)
	addr := net.JoinHostPort(n.cfg.Host, fmt.Sprintf("%d", n.cfg.Port))

	conn, err := n.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("smtp set deadline: %w", err)
		}
	}

	c, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	// Port 465 is implicit TLS and already encrypted; anything else upgrades via STARTTLS.
	if n.cfg.UseTLS && !n.implicitTLS() {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("smtp: server does not support STARTTLS")
		}
		if err := c.StartTLS(n.tlsConfig()); err != nil {
			return fmt.Errorf("smtp STARTTLS: %w", err)
		}
	}

	if n.cfg.Username != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to.Address); err != nil {
		return fmt.Errorf("smtp RCPT TO %s: %w", to.Address, err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}

func (n *SMTPNotifier) implicitTLS() bool {
	return n.cfg.UseTLS && n.cfg.Port == 465
}

func (n *SMTPNotifier) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: n.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
}

func (n *SMTPNotifier) dial(ctx context.Context, addr string) (net.Conn, error) {
	if n.implicitTLS() {
		d := &tls.Dialer{Config: n.tlsConfig()}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("smtp TLS dial %s: %w", addr, err)
		}
		return conn, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	return conn, nil
}

// buildMessage renders a plain-text RFC 5322 message. Header values have line
// breaks removed so message content cannot inject headers.
func buildMessage(from, to, subject, body string) []byte {
	clean := strings.NewReplacer("\r", "", "\n", " ")
	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		clean.Replace(from), clean.Replace(to), clean.Replace(subject),
	)
	body = strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n")
	return []byte(headers + body + "\r\n")
}
