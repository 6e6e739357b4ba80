package server

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/fuse/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/fuse/backend/pkg/cluster"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"

	"github.com/labstack/echo/v4"
)

type errorResponse struct {
	Message string `json:"message"`
}

// ClusterHandler clusters the graph in the request body and returns the
// community hierarchy.
func ClusterHandler(c echo.Context) error {
	data := new(cluster.Request)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Message: "Invalid request body",
		})
	}

	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Message: "Invalid request body: " + err.Error(),
		})
	}

	backend := c.(*middleware.AppContext).App.Backend
	ctx := c.Request().Context()

	h, err := backend.Cluster(ctx, data.Graph(), data.Params)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{
				Message: "Request cancelled",
			})
		}
		logger.Error("[Server] Clustering failed", "graph_id", data.GraphID, "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Message: "Clustering failed",
		})
	}

	logger.Debug("[Server] Clustered graph", "graph_id", data.GraphID, "entities", len(data.EntityIDs), "levels", len(h.Levels))
	return c.JSON(http.StatusOK, h)
}
