package tasks

import (
	"context"
	"errors"
	"log/slog"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"marketplace_checkout/internal/models"
)

// Temporal confie les tâches post-commande à un workflow durable.
type Temporal struct {
	client client.Client
	queue  string
	log    *slog.Logger
}

func NewTemporal(c client.Client, queue string, log *slog.Logger) *Temporal {
	return &Temporal{client: c, queue: queue, log: log}
}

func WorkflowID(order models.Order) string {
	return "post-checkout-" + order.ID.String()
}

// DispatchOrderCreated est idempotent : un workflow déjà démarré pour la
// commande n'est pas une erreur.
func (t *Temporal) DispatchOrderCreated(ctx context.Context, order models.Order, items []models.OrderItem) error {
	run, err := t.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(order),
		TaskQueue: t.queue,
	}, PostCheckoutWorkflow, OrderCreated{Order: order, Items: items})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			t.log.Info("workflow post-checkout déjà démarré", slog.String("order_id", order.ID.String()))
			return nil
		}
		return err
	}
	t.log.Info("🚀 workflow post-checkout démarré",
		slog.String("order_id", order.ID.String()), slog.String("run_id", run.GetRunID()))
	return nil
}
