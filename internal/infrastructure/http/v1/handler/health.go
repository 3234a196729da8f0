package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Healthz(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusOK, "OK", gin.H{
		"tile_sets": h.tileSets,
	})
}
