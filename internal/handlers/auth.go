package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/wirelead/wirelead/internal/auth"
)

// AuthHandler issues tenant tokens.
type AuthHandler struct {
	secret    string
	expiresIn time.Duration
	logger    *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(log *slog.Logger, secret string, expiresIn time.Duration) *AuthHandler {
	return &AuthHandler{
		secret:    secret,
		expiresIn: expiresIn,
		logger:    log.With(slog.String("handler", "auth")),
	}
}

// Register registers auth routes.
func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/login", h.Login)
}

type loginRequest struct {
	TenantID string `json:"tenant_id"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login issues a signed token for a tenant.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	// tenant_id keys UUID columns everywhere downstream.
	if _, err := uuid.Parse(tenantID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id must be a UUID")
	}
	token, expiresAt, err := auth.GenerateToken(tenantID, h.secret, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}
