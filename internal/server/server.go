package server

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/wirelead/wirelead/internal/auth"
	"github.com/wirelead/wirelead/internal/handlers"
)

type Server struct {
	echo *echo.Echo
	addr string
}

// shouldSkipJWT reports whether a path is reachable without a token.
func shouldSkipJWT(path string) bool {
	switch path {
	case "/ping", "/health", "/auth/login":
		return true
	}
	return false
}

func NewServer(
	addr string,
	jwtSecret string,
	log *slog.Logger,
	healthHandler *handlers.HealthHandler,
	authHandler *handlers.AuthHandler,
	sessionHandler *handlers.SessionHandler,
	messagesHandler *handlers.MessagesHandler,
	contactsHandler *handlers.ContactsHandler,
	leadsHandler *handlers.LeadsHandler,
	personasHandler *handlers.PersonasHandler,
	eventsHandler *handlers.EventsHandler,
) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))

	if healthHandler != nil {
		healthHandler.Register(e)
	}
	if authHandler != nil {
		authHandler.Register(e)
	}
	if sessionHandler != nil {
		sessionHandler.Register(e)
	}
	if messagesHandler != nil {
		messagesHandler.Register(e)
	}
	if contactsHandler != nil {
		contactsHandler.Register(e)
	}
	if leadsHandler != nil {
		leadsHandler.Register(e)
	}
	if personasHandler != nil {
		personasHandler.Register(e)
	}
	if eventsHandler != nil {
		eventsHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
