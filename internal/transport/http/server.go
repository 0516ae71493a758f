// Package http provides the HTTP server of the hub.
package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/metrics"
	"github.com/xiaot623/gogo/fleet/internal/relay"
	v1 "github.com/xiaot623/gogo/fleet/internal/transport/http/v1"
	"github.com/xiaot623/gogo/fleet/internal/transport/ws"
)

// NewServer creates the hub's HTTP server. The REST routes require the API
// key when one is configured; viewer sockets authenticate with their hello
// frame instead.
func NewServer(apiKey string, handler *v1.Handler, sockets *ws.Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(APIKeyAuth(apiKey, "/health", "/metrics", "/ws"))

	// Register Routes
	handler.RegisterRoutes(e)
	if sockets != nil {
		sockets.RegisterRoutes(e)
	}
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	return e
}

// NewIncomingServer serves only the relay push receiver, for a worker that
// accepts HTTP pushes from the hub. dispatch reports whether the message was
// new.
func NewIncomingServer(apiKey string, dispatch func(domain.MachineMessage) bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(APIKeyAuth(apiKey))

	e.POST(relay.IncomingPath, func(c echo.Context) error {
		var msg domain.MachineMessage
		if err := c.Bind(&msg); err != nil || msg.ID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid message"})
		}
		return c.JSON(http.StatusOK, map[string]bool{"accepted": dispatch(msg)})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	return e
}

// APIKeyAuth accepts the key as a bearer token, an X-API-Key header or an
// api_key query parameter. An empty key disables the check.
func APIKeyAuth(apiKey string, public ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}
			path := c.Request().URL.Path
			for _, p := range public {
				if path == p {
					return next(c)
				}
			}
			if !ws.ValidKey(apiKey, requestKey(c.Request())) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			return next(c)
		}
	}
}

func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
