// Package services implements the business logic that sits between the HTTP handlers and the repositories.
// LicenseRegistry is the license state machine: registration, device binding, status checks,
// deactivation and reactivation, and the notify-target operations that ride on a binding.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/license-registry/license-registry/internal/db/models"
	"github.com/license-registry/license-registry/internal/safego"
	"github.com/license-registry/license-registry/internal/telemetry"
)

// Business failures of the registry. Anything else returned by a registry
// method is a storage fault.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrDuplicateCode      = errors.New("license code already exists")
	ErrNotFound           = errors.New("license not found")
	ErrNotBoundToCaller   = errors.New("license is not bound to this device")
	ErrNoTargetConfigured = errors.New("no notify target configured")
	ErrDeliveryFailed     = errors.New("notification delivery failed")

	errBindContention = errors.New("license binding kept changing during activation")
)

const (
	defaultNotifyTimeout = 5 * time.Second
	// a lost bind is retried only if a reactivation freed the slot meanwhile
	maxBindAttempts        = 3
	notifyTargetSetMessage = "Notifications for license %s will be delivered here."
)

// Outcome is the business result of Activate and CheckStatus.
type Outcome string

const (
	OutcomeActivated          Outcome = "activated"
	OutcomeAlreadyActivated   Outcome = "already_activated"
	OutcomeActivatedElsewhere Outcome = "activated_elsewhere"
	OutcomeInvalid            Outcome = "invalid"
	OutcomeDeactivated        Outcome = "deactivated"
	OutcomeExpired            Outcome = "expired"
	OutcomeValid              Outcome = "valid"
)

// ActivationResult is returned by Activate. ExpiresAt is set whenever the
// license was found active.
type ActivationResult struct {
	Outcome   Outcome
	ExpiresAt *time.Time
}

// Valid reports whether the calling device may use the license.
func (r ActivationResult) Valid() bool {
	return r.Outcome == OutcomeActivated || r.Outcome == OutcomeAlreadyActivated
}

// StatusResult is returned by CheckStatus. RemainingMs is never negative.
type StatusResult struct {
	Outcome     Outcome
	ExpiresAt   *time.Time
	RemainingMs int64
}

// Valid reports whether the license is currently usable.
func (r StatusResult) Valid() bool {
	return r.Outcome == OutcomeValid
}

// NotifyTarget is the recipient notifications for a license are sent to.
type NotifyTarget struct {
	Target string
	Label  string
}

// LicenseStore is the persistence the registry needs. BindDevice and
// SetNotifyTarget must be single conditional updates; the registry relies on
// them rather than on its own locking.
type LicenseStore interface {
	Create(ctx context.Context, license *models.License) (bool, error)
	GetByCode(ctx context.Context, code string) (*models.License, error)
	List(ctx context.Context) ([]*models.License, error)
	BindDevice(ctx context.Context, code, deviceID string, target, label *string, now time.Time) (bool, error)
	SetActive(ctx context.Context, code string, active bool) (bool, error)
	Reactivate(ctx context.Context, code string) (bool, error)
	SetNotifyTarget(ctx context.Context, code, deviceID, target string, label *string) (bool, error)
}

// Notifier delivers a text message to an opaque recipient.
type Notifier interface {
	Send(ctx context.Context, recipient, text string) error
}

// LicenseRegistry owns the license lifecycle.
type LicenseRegistry struct {
	store         LicenseStore
	notifier      Notifier
	notifyTimeout time.Duration
	now           func() time.Time

	// pending tracks fire-and-forget confirmation sends
	pending sync.WaitGroup
}

// NewLicenseRegistry creates a registry. A non-positive notifyTimeout falls
// back to five seconds.
func NewLicenseRegistry(store LicenseStore, notifier Notifier, notifyTimeout time.Duration) *LicenseRegistry {
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}
	return &LicenseRegistry{
		store:         store,
		notifier:      notifier,
		notifyTimeout: notifyTimeout,
		now:           time.Now,
	}
}

// Register creates a new active, unbound license. Past expiry instants are
// accepted; expiry is only evaluated at check time.
func (r *LicenseRegistry) Register(ctx context.Context, code string, expiresAt time.Time) (*models.License, error) {
	if strings.TrimSpace(code) == "" || expiresAt.IsZero() {
		return nil, ErrInvalidInput
	}

	license := &models.License{
		Code:      code,
		Active:    true,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: r.now().UTC(),
	}
	created, err := r.store.Create(ctx, license)
	if err != nil {
		return nil, fmt.Errorf("registering license: %w", err)
	}
	if !created {
		return nil, ErrDuplicateCode
	}

	slog.Info("license registered", "code", code, "expires_at", license.ExpiresAt)
	telemetry.LicenseOperationsTotal.WithLabelValues("register", "created").Inc()
	return license, nil
}

// Activate binds the license to deviceID on first use. The checks run in a
// fixed order: unknown, deactivated, expired, then binding. An optional
// target is stored together with a successful first bind.
func (r *LicenseRegistry) Activate(ctx context.Context, code, deviceID string, target *NotifyTarget) (ActivationResult, error) {
	if code == "" || deviceID == "" {
		return ActivationResult{}, ErrInvalidInput
	}

	var targetPtr, labelPtr *string
	if target != nil && target.Target != "" {
		targetPtr = &target.Target
		if target.Label != "" {
			labelPtr = &target.Label
		}
	}

	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		now := r.now()
		license, err := r.store.GetByCode(ctx, code)
		if err != nil {
			return ActivationResult{}, fmt.Errorf("looking up license: %w", err)
		}

		if result, done := classifyActivation(license, deviceID, now); done {
			r.recordActivation(code, deviceID, result)
			return result, nil
		}

		bound, err := r.store.BindDevice(ctx, code, deviceID, targetPtr, labelPtr, now)
		if err != nil {
			return ActivationResult{}, fmt.Errorf("binding device: %w", err)
		}
		if bound {
			expiresAt := license.ExpiresAt
			result := ActivationResult{Outcome: OutcomeActivated, ExpiresAt: &expiresAt}
			r.recordActivation(code, deviceID, result)
			return result, nil
		}
		// Lost the conditional update. Re-read and classify the new state.
	}

	return ActivationResult{}, fmt.Errorf("activating %s: %w", code, errBindContention)
}

// classifyActivation applies the ordered activation rules to license. It
// returns done=false only when the license is unbound and may be bound now.
func classifyActivation(license *models.License, deviceID string, now time.Time) (ActivationResult, bool) {
	if license == nil {
		return ActivationResult{Outcome: OutcomeInvalid}, true
	}
	if !license.Active {
		return ActivationResult{Outcome: OutcomeDeactivated}, true
	}
	expiresAt := license.ExpiresAt
	if license.IsExpired(now) {
		return ActivationResult{Outcome: OutcomeExpired, ExpiresAt: &expiresAt}, true
	}
	if !license.IsBound() {
		return ActivationResult{}, false
	}
	if license.IsBoundTo(deviceID) {
		return ActivationResult{Outcome: OutcomeAlreadyActivated, ExpiresAt: &expiresAt}, true
	}
	return ActivationResult{Outcome: OutcomeActivatedElsewhere}, true
}

func (r *LicenseRegistry) recordActivation(code, deviceID string, result ActivationResult) {
	telemetry.LicenseOperationsTotal.WithLabelValues("activate", string(result.Outcome)).Inc()
	switch result.Outcome {
	case OutcomeActivated:
		slog.Info("license activated", "code", code, "device", deviceID)
	case OutcomeActivatedElsewhere:
		slog.Warn("license activation rejected: bound to another device", "code", code, "device", deviceID)
	default:
		slog.Debug("license activation", "code", code, "device", deviceID, "outcome", result.Outcome)
	}
}

// CheckStatus reports whether the license is usable right now, independent of
// any device. Read-only.
func (r *LicenseRegistry) CheckStatus(ctx context.Context, code string) (StatusResult, error) {
	if code == "" {
		return StatusResult{}, ErrInvalidInput
	}

	license, err := r.store.GetByCode(ctx, code)
	if err != nil {
		return StatusResult{}, fmt.Errorf("looking up license: %w", err)
	}

	result := statusOf(license, r.now())
	telemetry.LicenseOperationsTotal.WithLabelValues("check", string(result.Outcome)).Inc()
	return result, nil
}

func statusOf(license *models.License, now time.Time) StatusResult {
	if license == nil {
		return StatusResult{Outcome: OutcomeInvalid}
	}
	if !license.Active {
		return StatusResult{Outcome: OutcomeDeactivated}
	}
	expiresAt := license.ExpiresAt
	remaining := expiresAt.Sub(now).Milliseconds()
	if license.IsExpired(now) || remaining <= 0 {
		return StatusResult{Outcome: OutcomeExpired, ExpiresAt: &expiresAt, RemainingMs: 0}
	}
	return StatusResult{Outcome: OutcomeValid, ExpiresAt: &expiresAt, RemainingMs: remaining}
}

// Deactivate turns the license off. The device binding is kept, so only a
// reactivation frees the slot. Idempotent.
func (r *LicenseRegistry) Deactivate(ctx context.Context, code string) error {
	if code == "" {
		return ErrInvalidInput
	}
	found, err := r.store.SetActive(ctx, code, false)
	if err != nil {
		return fmt.Errorf("deactivating license: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	slog.Info("license deactivated", "code", code)
	telemetry.LicenseOperationsTotal.WithLabelValues("deactivate", "ok").Inc()
	return nil
}

// Reactivate turns the license back on and clears its device binding.
// Expiry is untouched. Idempotent.
func (r *LicenseRegistry) Reactivate(ctx context.Context, code string) error {
	if code == "" {
		return ErrInvalidInput
	}
	found, err := r.store.Reactivate(ctx, code)
	if err != nil {
		return fmt.Errorf("reactivating license: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	slog.Info("license reactivated", "code", code)
	telemetry.LicenseOperationsTotal.WithLabelValues("reactivate", "ok").Inc()
	return nil
}

// Get returns a single license for administrative views.
func (r *LicenseRegistry) Get(ctx context.Context, code string) (*models.License, error) {
	if code == "" {
		return nil, ErrInvalidInput
	}
	license, err := r.store.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("looking up license: %w", err)
	}
	if license == nil {
		return nil, ErrNotFound
	}
	return license, nil
}

// List returns every license for administrative views.
func (r *LicenseRegistry) List(ctx context.Context) ([]*models.License, error) {
	licenses, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing licenses: %w", err)
	}
	return licenses, nil
}

// SetNotifyTarget stores where notifications for the license go. Only the
// bound device may change it; ownership is checked by the store in the same
// statement as the write. A confirmation is sent in the background and its
// failure does not undo the change.
func (r *LicenseRegistry) SetNotifyTarget(ctx context.Context, code, deviceID string, target NotifyTarget) error {
	if code == "" || deviceID == "" || strings.TrimSpace(target.Target) == "" {
		return ErrInvalidInput
	}

	var label *string
	if target.Label != "" {
		label = &target.Label
	}
	updated, err := r.store.SetNotifyTarget(ctx, code, deviceID, target.Target, label)
	if err != nil {
		return fmt.Errorf("setting notify target: %w", err)
	}
	if !updated {
		return r.ownershipFailure(ctx, code)
	}

	slog.Info("notify target updated", "code", code, "device", deviceID)
	telemetry.LicenseOperationsTotal.WithLabelValues("set_notify_target", "ok").Inc()
	r.sendAsync("confirmation", target.Target, fmt.Sprintf(notifyTargetSetMessage, code))
	return nil
}

// GetNotifyTarget returns the configured target, or nil when none is set.
func (r *LicenseRegistry) GetNotifyTarget(ctx context.Context, code, deviceID string) (*NotifyTarget, error) {
	license, err := r.ownedLicense(ctx, code, deviceID)
	if err != nil {
		return nil, err
	}
	if license.NotifyTarget == nil {
		return nil, nil
	}
	out := &NotifyTarget{Target: *license.NotifyTarget}
	if license.NotifyLabel != nil {
		out.Label = *license.NotifyLabel
	}
	return out, nil
}

// SendNotification delivers message to the license's notify target and waits
// for the outcome, bounded by the notify timeout.
func (r *LicenseRegistry) SendNotification(ctx context.Context, code, deviceID, message string) error {
	if strings.TrimSpace(message) == "" {
		return ErrInvalidInput
	}
	license, err := r.ownedLicense(ctx, code, deviceID)
	if err != nil {
		return err
	}
	if license.NotifyTarget == nil {
		return ErrNoTargetConfigured
	}

	if err := r.deliver(ctx, "message", *license.NotifyTarget, message); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// Wait blocks until background confirmation sends have finished.
func (r *LicenseRegistry) Wait() {
	r.pending.Wait()
}

func (r *LicenseRegistry) ownedLicense(ctx context.Context, code, deviceID string) (*models.License, error) {
	if code == "" || deviceID == "" {
		return nil, ErrInvalidInput
	}
	license, err := r.store.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("looking up license: %w", err)
	}
	if license == nil {
		return nil, ErrNotFound
	}
	if !license.IsBoundTo(deviceID) {
		return nil, ErrNotBoundToCaller
	}
	return license, nil
}

// ownershipFailure classifies a conditional update that matched no row.
func (r *LicenseRegistry) ownershipFailure(ctx context.Context, code string) error {
	license, err := r.store.GetByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("looking up license: %w", err)
	}
	if license == nil {
		return ErrNotFound
	}
	return ErrNotBoundToCaller
}

func (r *LicenseRegistry) sendAsync(kind, recipient, text string) {
	r.pending.Add(1)
	safego.Go("notify-"+kind, func() {
		defer r.pending.Done()
		if err := r.deliver(context.Background(), kind, recipient, text); err != nil {
			slog.Warn("best-effort notification failed", "kind", kind, "error", err)
		}
	})
}

func (r *LicenseRegistry) deliver(ctx context.Context, kind, recipient, text string) error {
	ctx, cancel := context.WithTimeout(ctx, r.notifyTimeout)
	defer cancel()

	start := time.Now()
	err := r.notifier.Send(ctx, recipient, text)
	telemetry.NotificationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		return err
	}
	telemetry.NotificationsTotal.WithLabelValues(kind, "delivered").Inc()
	return nil
}
