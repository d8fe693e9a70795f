package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/wirelead/wirelead/internal/auth"
	"github.com/wirelead/wirelead/internal/session"
)

// SessionHandler exposes session lifecycle endpoints.
type SessionHandler struct {
	manager *session.Manager
	logger  *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(log *slog.Logger, manager *session.Manager) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		logger:  log.With(slog.String("handler", "sessions")),
	}
}

// Register registers session routes.
func (h *SessionHandler) Register(e *echo.Echo) {
	e.POST("/sessions/start", h.Start)
	e.POST("/sessions/stop", h.Stop)
	e.GET("/sessions/status", h.Status)
	e.GET("/sessions/pairing-code", h.PairingCode)
}

// Start opens the tenant's session. Repeated calls are no-ops.
func (h *SessionHandler) Start(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	if err := h.manager.Start(c.Request().Context(), tenantID); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, h.manager.Status(tenantID))
}

// Stop closes the session and erases the linked-device credentials.
func (h *SessionHandler) Stop(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	if err := h.manager.Stop(c.Request().Context(), tenantID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, h.manager.Status(tenantID))
}

// Status returns the tenant's session snapshot.
func (h *SessionHandler) Status(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.manager.Status(tenantID))
}

type pairingCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PairingCode returns the current pairing code, if one is live.
func (h *SessionHandler) PairingCode(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	code, expiresAt, ok := h.manager.PairingCode(tenantID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no pairing code available")
	}
	return c.JSON(http.StatusOK, pairingCodeResponse{Code: code, ExpiresAt: expiresAt})
}
