package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/license-registry/license-registry/internal/db/models"
)

// MemoryLicenseRepository is an in-process license store with the same
// conditional-update semantics as LicenseRepository. Every method holds the
// mutex for its whole read-check-write, which is what makes BindDevice a
// compare-and-set. Records are copied in and out so callers never share state
// with the store.
type MemoryLicenseRepository struct {
	mu       sync.Mutex
	licenses map[string]models.License
}

// NewMemoryLicenseRepository creates an empty in-memory store
func NewMemoryLicenseRepository() *MemoryLicenseRepository {
	return &MemoryLicenseRepository{licenses: make(map[string]models.License)}
}

func (m *MemoryLicenseRepository) Create(_ context.Context, license *models.License) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.licenses[license.Code]; exists {
		return false, nil
	}
	m.licenses[license.Code] = cloneLicense(*license)
	return true, nil
}

func (m *MemoryLicenseRepository) GetByCode(_ context.Context, code string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[code]
	if !exists {
		return nil, nil
	}
	out := cloneLicense(license)
	return &out, nil
}

func (m *MemoryLicenseRepository) List(_ context.Context) ([]*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.License, 0, len(m.licenses))
	for _, license := range m.licenses {
		l := cloneLicense(license)
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (m *MemoryLicenseRepository) ListExpiringBetween(_ context.Context, from, to time.Time) ([]*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*models.License{}
	for _, license := range m.licenses {
		if !license.Active || license.BoundDevice == nil || license.NotifyTarget == nil {
			continue
		}
		if !license.ExpiresAt.After(from) || license.ExpiresAt.After(to) {
			continue
		}
		l := cloneLicense(license)
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryLicenseRepository) BindDevice(_ context.Context, code, deviceID string, target, label *string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[code]
	if !exists || license.BoundDevice != nil || !license.Active || license.ExpiresAt.Before(now) {
		return false, nil
	}
	license.BoundDevice = stringPtr(deviceID)
	if target != nil {
		license.NotifyTarget = stringPtr(*target)
	}
	if label != nil {
		license.NotifyLabel = stringPtr(*label)
	}
	m.licenses[code] = license
	return true, nil
}

func (m *MemoryLicenseRepository) SetActive(_ context.Context, code string, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[code]
	if !exists {
		return false, nil
	}
	license.Active = active
	m.licenses[code] = license
	return true, nil
}

func (m *MemoryLicenseRepository) Reactivate(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[code]
	if !exists {
		return false, nil
	}
	license.Active = true
	license.BoundDevice = nil
	license.NotifyTarget = nil
	license.NotifyLabel = nil
	m.licenses[code] = license
	return true, nil
}

func (m *MemoryLicenseRepository) SetNotifyTarget(_ context.Context, code, deviceID, target string, label *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[code]
	if !exists || !license.IsBoundTo(deviceID) {
		return false, nil
	}
	license.NotifyTarget = stringPtr(target)
	license.NotifyLabel = nil
	if label != nil {
		license.NotifyLabel = stringPtr(*label)
	}
	m.licenses[code] = license
	return true, nil
}

// Ping always succeeds; the store lives in process.
func (m *MemoryLicenseRepository) Ping(context.Context) error {
	return nil
}

func cloneLicense(l models.License) models.License {
	if l.BoundDevice != nil {
		l.BoundDevice = stringPtr(*l.BoundDevice)
	}
	if l.NotifyTarget != nil {
		l.NotifyTarget = stringPtr(*l.NotifyTarget)
	}
	if l.NotifyLabel != nil {
		l.NotifyLabel = stringPtr(*l.NotifyLabel)
	}
	return l
}

func stringPtr(s string) *string {
	return &s
}
