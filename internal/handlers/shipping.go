package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace_checkout/internal/shipping"
)

func (h *Handler) CalculateShipping(c *gin.Context) {
	var req shipping.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, bindError(err))
		return
	}
	calc, err := h.shipping.Quote(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, calc)
}
