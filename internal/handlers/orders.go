package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace_checkout/internal/apperr"
	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/orders"
	"marketplace_checkout/internal/payment"
	"marketplace_checkout/internal/search"
)

type paymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createOrderResponse struct {
	*orders.Created
	Payment      *payment.PaymentResult `json:"payment,omitempty"`
	PaymentError *paymentError          `json:"paymentError,omitempty"`
}

// CreateOrder : la commande est créée puis, si paymentData est fourni, le
// paiement est tenté après commit. Un échec de paiement ne change pas le 201.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req orders.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, bindError(err))
		return
	}
	req.UserID = c.GetString("user_id")

	created, err := h.orders.CreateOrder(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := createOrderResponse{Created: created}
	if len(req.PaymentData) > 0 && h.payments != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.orders.PostCommitTimeout())
		result, err := h.payments.ProcessPayment(ctx, payment.Request{
			UserID:  req.UserID,
			OrderID: created.Order.ID,
			Method:  req.PaymentMethod,
			Data:    req.PaymentData,
		})
		cancel()
		if err != nil {
			h.log.Error("❌ paiement après création échoué",
				slog.String("order_id", created.Order.ID.String()),
				slog.String("order_number", created.Order.OrderNumber),
				slog.Any("error", err))
			code, msg := apperr.Public(err)
			resp.PaymentError = &paymentError{Code: code, Message: msg}
		} else {
			resp.Payment = result
			created.Order.Status = result.OrderStatus
			created.Order.PaymentStatus = result.PaymentStatus
		}
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	details, err := h.orders.GetOrder(c.Request.Context(), c.GetString("user_id"), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, h.log, bindError(err))
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), c.GetString("user_id"), id, body.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// StreamOrder ouvre le flux websocket des statuts d'une commande du client.
func (h *Handler) StreamOrder(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	details, err := h.orders.GetOrder(c.Request.Context(), c.GetString("user_id"), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.hub.Serve(c.Writer, c.Request, details.Order)
}

// SearchOrders interroge l'index des commandes de l'utilisateur.
func (h *Handler) SearchOrders(c *gin.Context) {
	docs, err := h.search.SearchOrders(c.Request.Context(), search.Query{
		UserID: c.GetString("user_id"),
		Text:   c.Query("q"),
		Status: models.OrderStatus(c.Query("status")),
	})
	if err != nil {
		respondError(c, h.log, apperr.Wrap(apperr.KindGateway, "search_unavailable", "Recherche indisponible", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": docs})
}
