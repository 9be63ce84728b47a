package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/payment"
)

type processPaymentRequest struct {
	OrderID     uuid.UUID            `json:"orderId" binding:"required"`
	Method      models.PaymentMethod `json:"method" binding:"required"`
	PaymentData json.RawMessage      `json:"paymentData"`
}

func (h *Handler) ProcessPayment(c *gin.Context) {
	var req processPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, bindError(err))
		return
	}
	result, err := h.payments.ProcessPayment(c.Request.Context(), payment.Request{
		UserID:  c.GetString("user_id"),
		OrderID: req.OrderID,
		Method:  req.Method,
		Data:    req.PaymentData,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
