// Package models defines the database model types for the License Registry.
// Each type corresponds to a database table and uses struct tags for both JSON serialization and sqlx row scanning.
// Models are pure data types: state transitions belong in the services layer, query logic in the repositories layer.
package models

import "time"

// License is the unit of entitlement tracked by the registry.
type License struct {
	Code         string    `db:"code" json:"code"`
	Active       bool      `db:"active" json:"active"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	BoundDevice  *string   `db:"bound_device" json:"bound_device,omitempty"`   // nil until the first successful activation
	NotifyTarget *string   `db:"notify_target" json:"notify_target,omitempty"` // opaque recipient id (chat id, email address)
	NotifyLabel  *string   `db:"notify_label" json:"notify_label,omitempty"`   // display name for NotifyTarget
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// IsBound reports whether a device currently holds the license.
func (l *License) IsBound() bool {
	return l.BoundDevice != nil
}

// IsBoundTo reports whether the license is bound to deviceID.
func (l *License) IsBoundTo(deviceID string) bool {
	return l.BoundDevice != nil && *l.BoundDevice == deviceID
}

// IsExpired reports whether now is past the license's expiry. The expiry
// instant itself is still usable for activation.
func (l *License) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
