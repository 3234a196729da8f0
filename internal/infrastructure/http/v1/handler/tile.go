package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/entity"
	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/usecase"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
)

// OutcomeKey is the gin context key under which Tile stores the outcome
// for the access log.
const OutcomeKey = "tile_outcome"

func (h *Handler) Tile(c *gin.Context) {
	coord, ok := entity.ParseTileCoordinate(c.Param("name"), c.Param("z"), c.Param("x"), c.Param("y"))
	if !ok {
		h.NotFound(c)
		return
	}

	logger.FromContext(c.Request.Context()).Debug("tile requested", "tile", coord.String())

	outcome := h.tiles.Serve(c.Request.Context(), c.Writer, coord.Set, coord.Z, coord.X, coord.Y)
	c.Set(OutcomeKey, outcome.String())

	if outcome == usecase.RouteMiss {
		h.NotFound(c)
	}
}

// NotFound answers every request no route claimed with an empty 404.
func (h *Handler) NotFound(c *gin.Context) {
	l := logger.FromContext(c.Request.Context())
	l.Info(c.Request.Method + " " + c.Request.URL.Path + " not found")

	c.AbortWithStatus(http.StatusNotFound)
}
