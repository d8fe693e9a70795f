package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/wirelead/wirelead/internal/auth"
	"github.com/wirelead/wirelead/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 512
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventsHandler streams tenant events over a websocket.
type EventsHandler struct {
	hub    *events.Hub
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(log *slog.Logger, hub *events.Hub) *EventsHandler {
	return &EventsHandler{
		hub:    hub,
		logger: log.With(slog.String("handler", "events")),
	}
}

// Register registers the event stream route.
func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/events/subscribe", h.Subscribe)
}

// Subscribe upgrades the connection and forwards the tenant's event feed
// until the client disconnects. Browser clients authenticate with the
// ?token= query parameter since websockets cannot set headers.
func (h *EventsHandler) Subscribe(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer ws.Close()

	feed, cancel := h.hub.Subscribe(tenantID)
	defer cancel()

	log := h.logger.With(slog.String("tenant_id", tenantID))
	log.Debug("subscriber connected")

	// The reader only services control frames and detects the client
	// going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(wsReadLimit)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("subscriber read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-feed:
			if !ok {
				return nil
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(evt); err != nil {
				log.Debug("subscriber write failed", slog.Any("error", err))
				return nil
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}
