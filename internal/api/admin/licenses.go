// Package admin implements the administrative HTTP handlers for the License Registry.
// Every route in this package sits behind middleware.AdminAuthMiddleware; see router.go.
package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/license-registry/license-registry/internal/db/models"
	"github.com/license-registry/license-registry/internal/services"
)

// dateOnlyLayout is accepted for expiresAt and means the last second of that UTC day.
const dateOnlyLayout = "2006-01-02"

// LicenseHandlers handles license administration endpoints
type LicenseHandlers struct {
	registry *services.LicenseRegistry
}

// NewLicenseHandlers creates a new LicenseHandlers instance
func NewLicenseHandlers(registry *services.LicenseRegistry) *LicenseHandlers {
	return &LicenseHandlers{registry: registry}
}

// CreateLicenseRequest represents the request to register a new license
type CreateLicenseRequest struct {
	Code      string `json:"code" binding:"required"`
	ExpiresAt string `json:"expiresAt" binding:"required"` // RFC3339 or YYYY-MM-DD
}

// LicenseResponse is the admin view of a license.
type LicenseResponse struct {
	Code         string    `json:"code"`
	Active       bool      `json:"active"`
	ExpiresAt    time.Time `json:"expiresAt"`
	BoundDevice  *string   `json:"boundDevice"`
	NotifyTarget *string   `json:"notifyTarget"`
	NotifyLabel  *string   `json:"notifyLabel"`
	CreatedAt    time.Time `json:"createdAt"`
}

func toLicenseResponse(l *models.License) LicenseResponse {
	return LicenseResponse{
		Code:         l.Code,
		Active:       l.Active,
		ExpiresAt:    l.ExpiresAt.UTC(),
		BoundDevice:  l.BoundDevice,
		NotifyTarget: l.NotifyTarget,
		NotifyLabel:  l.NotifyLabel,
		CreatedAt:    l.CreatedAt.UTC(),
	}
}

// ParseExpiry accepts an RFC3339 instant or a bare date. A bare date expires at
// 23:59:59 UTC of that day.
func ParseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	day, err := time.Parse(dateOnlyLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return day.Add(24*time.Hour - time.Second), nil
}

// CreateLicenseHandler registers a new active, unbound license.
// POST /api/v1/admin/licenses
func (h *LicenseHandlers) CreateLicenseHandler(c *gin.Context) {
	var req CreateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code and expiresAt are required", "code": "INVALID_INPUT"})
		return
	}

	expiresAt, err := ParseExpiry(req.ExpiresAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expiresAt must be RFC3339 or YYYY-MM-DD", "code": "INVALID_INPUT"})
		return
	}

	license, err := h.registry.Register(c.Request.Context(), strings.TrimSpace(req.Code), expiresAt)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toLicenseResponse(license))
}

// ListLicensesHandler lists every license, newest first.
// GET /api/v1/admin/licenses
func (h *LicenseHandlers) ListLicensesHandler(c *gin.Context) {
	licenses, err := h.registry.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]LicenseResponse, 0, len(licenses))
	for _, l := range licenses {
		resp = append(resp, toLicenseResponse(l))
	}
	c.JSON(http.StatusOK, gin.H{"licenses": resp})
}

// GetLicenseHandler returns a single license.
// GET /api/v1/admin/licenses/:code
func (h *LicenseHandlers) GetLicenseHandler(c *gin.Context) {
	license, err := h.registry.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toLicenseResponse(license))
}

// DeactivateLicenseHandler turns a license off. The device binding is kept.
// POST /api/v1/admin/licenses/:code/deactivate
func (h *LicenseHandlers) DeactivateLicenseHandler(c *gin.Context) {
	if err := h.registry.Deactivate(c.Request.Context(), c.Param("code")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "License deactivated"})
}

// ReactivateLicenseHandler turns a license back on and frees its device slot.
// POST /api/v1/admin/licenses/:code/reactivate
func (h *LicenseHandlers) ReactivateLicenseHandler(c *gin.Context) {
	if err := h.registry.Reactivate(c.Request.Context(), c.Param("code")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "License reactivated"})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "code": "INVALID_INPUT"})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "License not found", "code": "NOT_FOUND"})
	case errors.Is(err, services.ErrDuplicateCode):
		c.JSON(http.StatusConflict, gin.H{"error": "License code already exists", "code": "DUPLICATE_CODE"})
	default:
		slog.ErrorContext(c.Request.Context(), "admin license request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "code": "SERVER_ERROR"})
	}
}
