package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/wirelead/wirelead/internal/auth"
	"github.com/wirelead/wirelead/internal/leads"
)

// LeadsHandler exposes captured leads.
type LeadsHandler struct {
	store  *leads.Store
	logger *slog.Logger
}

// NewLeadsHandler creates a LeadsHandler.
func NewLeadsHandler(log *slog.Logger, store *leads.Store) *LeadsHandler {
	return &LeadsHandler{
		store:  store,
		logger: log.With(slog.String("handler", "leads")),
	}
}

// Register registers lead routes.
func (h *LeadsHandler) Register(e *echo.Echo) {
	e.GET("/leads", h.List)
}

// List returns the tenant's leads, newest first.
func (h *LeadsHandler) List(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.store.List(c.Request().Context(), tenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}
