package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// FailedTasks liste les tâches post-commit en échec (les plus récentes d'abord).
func (h *Handler) FailedTasks(c *gin.Context) {
	n, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	raw, err := h.failed.FailedTasks(c.Request.Context(), n)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	tasks := make([]json.RawMessage, 0, len(raw))
	for _, r := range raw {
		tasks = append(tasks, json.RawMessage(r))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handler) ExpirePayments(c *gin.Context) {
	n, err := h.payments.ExpireStale(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

func (h *Handler) ReloadGateways(c *gin.Context) {
	if err := h.gateways.Load(c.Request.Context()); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gateways": h.gateways.Configs()})
}
