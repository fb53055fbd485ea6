// Package licenses implements the public HTTP handlers used by client applications:
// activation, status checks and the notify-target operations. Clients are anonymous;
// the device id in the request body is the only proof of ownership, so the routes
// are rate limited in router.go.
package licenses

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/license-registry/license-registry/internal/services"
)

var outcomeMessages = map[services.Outcome]string{
	services.OutcomeActivated:          "Activated successfully",
	services.OutcomeAlreadyActivated:   "Already activated on this device",
	services.OutcomeActivatedElsewhere: "This license is already used on another device",
	services.OutcomeInvalid:            "Invalid license",
	services.OutcomeDeactivated:        "License deactivated",
	services.OutcomeExpired:            "License expired",
	services.OutcomeValid:              "License is valid",
}

// Handlers serves the client-facing license endpoints.
type Handlers struct {
	registry *services.LicenseRegistry
}

// NewHandlers creates license handlers backed by registry.
func NewHandlers(registry *services.LicenseRegistry) *Handlers {
	return &Handlers{registry: registry}
}

// ActivateRequest is the body of POST /api/v1/licenses/activate
type ActivateRequest struct {
	License      string `json:"license" binding:"required"`
	DeviceID     string `json:"deviceId" binding:"required"`
	NotifyTarget string `json:"notifyTarget"`
	NotifyLabel  string `json:"notifyLabel"`
}

// CheckRequest is the body of POST /api/v1/licenses/check
type CheckRequest struct {
	License string `json:"license" binding:"required"`
}

// SetNotifyTargetRequest is the body of PUT /api/v1/licenses/notify-target
type SetNotifyTargetRequest struct {
	License  string `json:"license" binding:"required"`
	DeviceID string `json:"deviceId" binding:"required"`
	Target   string `json:"target" binding:"required"`
	Label    string `json:"label"`
}

// SendNotificationRequest is the body of POST /api/v1/licenses/notify
type SendNotificationRequest struct {
	License  string `json:"license" binding:"required"`
	DeviceID string `json:"deviceId" binding:"required"`
	Message  string `json:"message" binding:"required"`
}

// ActivateHandler binds a license to the calling device on first use.
// POST /api/v1/licenses/activate
// Every business outcome is a 200 with valid=false/true and a status.
func (h *Handlers) ActivateHandler(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "license and deviceId are required")
		return
	}

	var target *services.NotifyTarget
	if req.NotifyTarget != "" {
		target = &services.NotifyTarget{Target: req.NotifyTarget, Label: req.NotifyLabel}
	}

	result, err := h.registry.Activate(c.Request.Context(), req.License, req.DeviceID, target)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"valid":   result.Valid(),
		"status":  result.Outcome,
		"message": outcomeMessages[result.Outcome],
	}
	if result.ExpiresAt != nil {
		resp["expiresAt"] = formatTime(*result.ExpiresAt)
	}
	c.JSON(http.StatusOK, resp)
}

// CheckHandler reports whether a license is usable right now.
// POST /api/v1/licenses/check
func (h *Handlers) CheckHandler(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "license is required")
		return
	}

	result, err := h.registry.CheckStatus(c.Request.Context(), req.License)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"valid":       result.Valid(),
		"status":      result.Outcome,
		"message":     outcomeMessages[result.Outcome],
		"remainingMs": result.RemainingMs,
	}
	if result.ExpiresAt != nil {
		resp["expiresAt"] = formatTime(*result.ExpiresAt)
	}
	c.JSON(http.StatusOK, resp)
}

// SetNotifyTargetHandler stores where notifications for the license are sent.
// PUT /api/v1/licenses/notify-target
func (h *Handlers) SetNotifyTargetHandler(c *gin.Context) {
	var req SetNotifyTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "license, deviceId and target are required")
		return
	}

	target := services.NotifyTarget{Target: req.Target, Label: req.Label}
	if err := h.registry.SetNotifyTarget(c.Request.Context(), req.License, req.DeviceID, target); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Notify target updated"})
}

// GetNotifyTargetHandler returns the configured notify target; both fields are
// null when none is set.
// GET /api/v1/licenses/notify-target?license=&deviceId=
func (h *Handlers) GetNotifyTargetHandler(c *gin.Context) {
	code := c.Query("license")
	deviceID := c.Query("deviceId")
	if code == "" || deviceID == "" {
		invalidInput(c, "license and deviceId query parameters are required")
		return
	}

	target, err := h.registry.GetNotifyTarget(c.Request.Context(), code, deviceID)
	if err != nil {
		respondError(c, err)
		return
	}

	if target == nil {
		c.JSON(http.StatusOK, gin.H{"target": nil, "label": nil})
		return
	}
	var label interface{}
	if target.Label != "" {
		label = target.Label
	}
	c.JSON(http.StatusOK, gin.H{"target": target.Target, "label": label})
}

// SendNotificationHandler delivers a message to the license's notify target and
// waits for the delivery outcome.
// POST /api/v1/licenses/notify
func (h *Handlers) SendNotificationHandler(c *gin.Context) {
	var req SendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "license, deviceId and message are required")
		return
	}

	if err := h.registry.SendNotification(c.Request.Context(), req.License, req.DeviceID, req.Message); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Notification sent"})
}

func invalidInput(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "INVALID_INPUT"})
}

// respondError maps registry errors onto HTTP statuses. Unrecognised errors are
// storage faults and never leak their detail to the client.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		invalidInput(c, "invalid request")
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "License not found", "code": "NOT_FOUND"})
	case errors.Is(err, services.ErrNotBoundToCaller):
		c.JSON(http.StatusForbidden, gin.H{"error": "License is not activated on this device", "code": "NOT_BOUND_TO_CALLER"})
	case errors.Is(err, services.ErrNoTargetConfigured):
		c.JSON(http.StatusConflict, gin.H{"error": "No notify target configured", "code": "NO_TARGET_CONFIGURED"})
	case errors.Is(err, services.ErrDeliveryFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Notification could not be delivered", "code": "DELIVERY_FAILED"})
	default:
		slog.ErrorContext(c.Request.Context(), "license request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "code": "SERVER_ERROR"})
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
