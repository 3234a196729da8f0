package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/usecase"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type TileServer interface {
	Serve(ctx context.Context, w http.ResponseWriter, set string, z, x, y int) usecase.Outcome
}

type Handler struct {
	tiles    TileServer
	tileSets int
}

func NewHandler(tiles TileServer, tileSets int) *Handler {
	return &Handler{
		tiles:    tiles,
		tileSets: tileSets,
	}
}

func (h *Handler) RespondWithJSON(c *gin.Context, code int, message string, data any) {
	success := code < 400

	r := response{
		Success: success,
		Message: message,
		Data:    data,
	}

	c.JSON(code, r)
}
