// Package tasks exécute le travail post-commande (transporteur, indexation)
// hors de la transaction de création.
package tasks

import (
	"context"
	"log/slog"

	"go.temporal.io/sdk/activity"

	"marketplace_checkout/internal/models"
)

// OrderCreated est la charge utile des tâches post-commande.
type OrderCreated struct {
	Order models.Order       `json:"order"`
	Items []models.OrderItem `json:"items"`
}

type Carrier interface {
	NotifyOrderCreated(ctx context.Context, order models.Order, items []models.OrderItem) error
}

type Indexer interface {
	IndexOrder(ctx context.Context, order models.Order) error
}

// Activities sont partagées par le dispatcher local et le worker Temporal.
// Un collaborateur absent rend l'activité correspondante sans effet.
type Activities struct {
	carrier Carrier
	indexer Indexer
	log     *slog.Logger
}

func NewActivities(carrier Carrier, indexer Indexer, log *slog.Logger) *Activities {
	return &Activities{carrier: carrier, indexer: indexer, log: log}
}

func (a *Activities) NotifyCarrier(ctx context.Context, in OrderCreated) error {
	if a.carrier == nil {
		return nil
	}
	if activity.IsActivity(ctx) {
		activity.GetLogger(ctx).Info("Notification transporteur", "order_id", in.Order.ID.String())
	}
	return a.carrier.NotifyOrderCreated(ctx, in.Order, in.Items)
}

func (a *Activities) IndexOrder(ctx context.Context, in OrderCreated) error {
	if a.indexer == nil {
		return nil
	}
	return a.indexer.IndexOrder(ctx, in.Order)
}

// steps liste les activités dans l'ordre d'exécution locale.
func (a *Activities) steps() []struct {
	name string
	run  func(context.Context, OrderCreated) error
} {
	return []struct {
		name string
		run  func(context.Context, OrderCreated) error
	}{
		{"NotifyCarrier", a.NotifyCarrier},
		{"IndexOrder", a.IndexOrder},
	}
}
