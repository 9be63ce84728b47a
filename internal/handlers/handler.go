// Package handlers expose le checkout en HTTP (gin).
package handlers

import (
	"context"
	"log/slog"

	"marketplace_checkout/internal/gateway"
	"marketplace_checkout/internal/notify"
	"marketplace_checkout/internal/orders"
	"marketplace_checkout/internal/payment"
	"marketplace_checkout/internal/search"
	"marketplace_checkout/internal/shipping"
	"marketplace_checkout/internal/webhooks"
)

// FailedTaskReader est satisfait par cache.Redis.
type FailedTaskReader interface {
	FailedTasks(ctx context.Context, n int64) ([][]byte, error)
}

// Deps : Hub, Search et Failed sont optionnels, leurs routes ne sont alors
// pas montées.
type Deps struct {
	Orders   *orders.Orchestrator
	Payments *payment.Processor
	Shipping *shipping.Service
	Webhooks *webhooks.Reconciler
	Gateways *gateway.Registry
	Hub      *notify.Hub
	Search   *search.OrderIndexer
	Failed   FailedTaskReader
}

type Handler struct {
	orders   *orders.Orchestrator
	payments *payment.Processor
	shipping *shipping.Service
	webhooks *webhooks.Reconciler
	gateways *gateway.Registry
	hub      *notify.Hub
	search   *search.OrderIndexer
	failed   FailedTaskReader
	log      *slog.Logger
}

func New(d Deps, log *slog.Logger) *Handler {
	return &Handler{
		orders:   d.Orders,
		payments: d.Payments,
		shipping: d.Shipping,
		webhooks: d.Webhooks,
		gateways: d.Gateways,
		hub:      d.Hub,
		search:   d.Search,
		failed:   d.Failed,
		log:      log,
	}
}

func (h *Handler) HasHub() bool         { return h.hub != nil }
func (h *Handler) HasSearch() bool      { return h.search != nil }
func (h *Handler) HasFailedTasks() bool { return h.failed != nil }
