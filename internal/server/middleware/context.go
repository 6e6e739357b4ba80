package middleware

import (
	"github.com/OFFIS-RIT/fuse/backend/pkg/cluster"

	"github.com/labstack/echo/v4"
)

type App struct {
	Backend cluster.Backend
	APIKey  string
}

type AppContext struct {
	echo.Context
	App *App
}

// AppContextMiddleware hands app to every handler through AppContext.
func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{Context: c, App: app})
		}
	}
}
