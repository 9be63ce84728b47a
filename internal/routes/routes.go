package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace_checkout/internal/handlers"
	"marketplace_checkout/internal/middleware"
)

// Guards fournit l'authentification et le rate limiting ; Limit peut être nil.
type Guards struct {
	Auth  gin.HandlerFunc
	Limit func(l middleware.Limit) gin.HandlerFunc
}

func (g Guards) limit(l middleware.Limit) gin.HandlerFunc {
	if g.Limit == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return g.Limit(l)
}

func RegisterRoutes(r *gin.Engine, h *handlers.Handler, g Guards) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Webhooks : authentifiés par signature, pas par JWT
	r.POST("/webhooks/:gateway", g.limit(middleware.WebhookLimit), h.Webhook)

	r.POST("/shipping/calculate", g.limit(middleware.QuoteLimit), h.CalculateShipping)

	authed := r.Group("/", g.Auth)
	{
		authed.POST("/orders", g.limit(middleware.CheckoutLimit), h.CreateOrder)
		authed.GET("/orders/:id", h.GetOrder)
		authed.POST("/orders/:id/cancel", h.CancelOrder)
		if h.HasSearch() {
			authed.GET("/orders", h.SearchOrders)
		}
		if h.HasHub() {
			authed.GET("/orders/:id/stream", h.StreamOrder)
		}
		authed.POST("/payments/process", g.limit(middleware.CheckoutLimit), h.ProcessPayment)
	}

	admin := r.Group("/admin", g.Auth, middleware.RequireAdmin)
	{
		admin.POST("/payments/expire", h.ExpirePayments)
		admin.POST("/gateways/reload", h.ReloadGateways)
		if h.HasFailedTasks() {
			admin.GET("/tasks/failed", h.FailedTasks)
		}
	}
}
