// license_expiry_notifier.go implements the LicenseExpiryNotifier background job, which
// periodically scans for bound licenses approaching their expiry date and sends a
// reminder to the license's notification target. The job keeps no state of its own:
// each run covers the window (now+warning-interval, now+warning], so with a steady
// schedule every license falls into exactly one run. The job is a no-op when
// notifications are disabled, so it is always safe to start.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/license-registry/license-registry/internal/config"
	"github.com/license-registry/license-registry/internal/db/models"
	"github.com/license-registry/license-registry/internal/telemetry"
)

const (
	defaultExpiryWarningDays   = 3
	defaultCheckIntervalHours  = 24
	defaultReminderSendTimeout = 5 * time.Second
)

// ExpiringLicenseLister returns bound licenses with a notification target whose
// expiry lies in (from, to].
type ExpiringLicenseLister interface {
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.License, error)
}

// Sender delivers a reminder text to a recipient.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// LicenseExpiryNotifier periodically reminds license holders of upcoming expiry.
type LicenseExpiryNotifier struct {
	licenses ExpiringLicenseLister
	sender   Sender
	cfg      *config.NotificationsConfig
	interval time.Duration
	warning  time.Duration
	timeout  time.Duration
	now      func() time.Time
	stopChan chan struct{}
}

// NewLicenseExpiryNotifier creates a new LicenseExpiryNotifier.
func NewLicenseExpiryNotifier(licenses ExpiringLicenseLister, sender Sender, cfg *config.NotificationsConfig) *LicenseExpiryNotifier {
	hours := cfg.ExpiryCheckIntervalHours
	if hours <= 0 {
		hours = defaultCheckIntervalHours
	}
	days := cfg.ExpiryWarningDays
	if days <= 0 {
		days = defaultExpiryWarningDays
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultReminderSendTimeout
	}
	return &LicenseExpiryNotifier{
		licenses: licenses,
		sender:   sender,
		cfg:      cfg,
		interval: time.Duration(hours) * time.Hour,
		warning:  time.Duration(days) * 24 * time.Hour,
		timeout:  timeout,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background reminder loop.
// It runs an initial check immediately, then repeats on the configured interval.
// The loop exits when ctx is cancelled or Stop() is called.
func (n *LicenseExpiryNotifier) Start(ctx context.Context) {
	if !n.cfg.Enabled {
		slog.Info("license expiry notifier: disabled (notifications.enabled=false)")
		return
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	slog.Info("license expiry notifier started",
		"interval", n.interval, "warning_window", n.warning)

	n.runCheck(ctx)

	for {
		select {
		case <-ticker.C:
			n.runCheck(ctx)
		case <-n.stopChan:
			slog.Info("license expiry notifier stopped")
			return
		case <-ctx.Done():
			slog.Info("license expiry notifier context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (n *LicenseExpiryNotifier) Stop() {
	close(n.stopChan)
}

// runCheck lists licenses entering the warning window and sends one reminder each.
// It returns the number of reminders delivered.
func (n *LicenseExpiryNotifier) runCheck(ctx context.Context) int {
	defer telemetry.ExpiryReminderRunsTotal.Inc()

	now := n.now().UTC()
	to := now.Add(n.warning)
	from := to.Add(-n.interval)

	licenses, err := n.licenses.ListExpiringBetween(ctx, from, to)
	if err != nil {
		slog.Error("license expiry notifier: failed to query expiring licenses", "error", err)
		return 0
	}
	if len(licenses) == 0 {
		return 0
	}

	slog.Info("license expiry notifier: licenses approaching expiry", "count", len(licenses))

	sent := 0
	for _, license := range licenses {
		if license.NotifyTarget == nil || *license.NotifyTarget == "" {
			continue
		}
		if err := n.send(ctx, *license.NotifyTarget, reminderText(license)); err != nil {
			telemetry.NotificationsTotal.WithLabelValues("expiry_reminder", "failed").Inc()
			slog.Warn("license expiry notifier: reminder not delivered",
				"license", license.Code, "error", err)
			continue
		}
		telemetry.NotificationsTotal.WithLabelValues("expiry_reminder", "delivered").Inc()
		sent++
	}
	return sent
}

func (n *LicenseExpiryNotifier) send(ctx context.Context, recipient, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		telemetry.NotificationDuration.WithLabelValues("expiry_reminder").Observe(time.Since(start).Seconds())
	}()
	return n.sender.Send(sendCtx, recipient, text)
}

func reminderText(license *models.License) string {
	text := fmt.Sprintf("License %s expires on %s.", license.Code, license.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	if license.NotifyLabel != nil && *license.NotifyLabel != "" {
		text = fmt.Sprintf("Hello %s, %s", *license.NotifyLabel, text)
	}
	return text
}
