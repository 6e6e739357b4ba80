package server

import (
	"github.com/OFFIS-RIT/fuse/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/fuse/backend/pkg/cluster"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	e.POST(cluster.ClusterPath, ClusterHandler, middleware.AuthMiddleware)
}
