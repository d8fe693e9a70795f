package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wirelead/wirelead/internal/auth"
	"github.com/wirelead/wirelead/internal/persona"
)

// PersonasHandler manages reply personas and tenant reply settings.
type PersonasHandler struct {
	store  *persona.Store
	logger *slog.Logger
}

// NewPersonasHandler creates a PersonasHandler.
func NewPersonasHandler(log *slog.Logger, store *persona.Store) *PersonasHandler {
	return &PersonasHandler{
		store:  store,
		logger: log.With(slog.String("handler", "personas")),
	}
}

// Register registers persona routes.
func (h *PersonasHandler) Register(e *echo.Echo) {
	e.POST("/personas", h.Create)
	e.GET("/settings", h.Settings)
}

type createPersonaRequest struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

// Create adds a persona for the tenant.
func (h *PersonasHandler) Create(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	var req createPersonaRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	p, err := h.store.Create(c.Request().Context(), tenantID, req.Name, req.Instructions)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

// Settings returns the tenant's reply settings.
func (h *PersonasHandler) Settings(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	settings, err := h.store.SettingsFor(c.Request().Context(), tenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, settings)
}
