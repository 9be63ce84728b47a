package tasks

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const PostCheckoutWorkflowName = "PostCheckoutWorkflow"

// RetryPolicy des activités post-commande : 1s, x2, plafond 1 min, 5 essais.
var RetryPolicy = temporal.RetryPolicy{
	InitialInterval:    time.Second,
	BackoffCoefficient: 2.0,
	MaximumInterval:    time.Minute,
	MaximumAttempts:    5,
}

// PostCheckoutWorkflow lance les activités en parallèle ; l'échec de l'une
// n'annule pas l'autre.
func PostCheckoutWorkflow(ctx workflow.Context, in OrderCreated) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Post-checkout démarré", "order_id", in.Order.ID.String())

	policy := RetryPolicy
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &policy,
	})

	var a *Activities
	carrier := workflow.ExecuteActivity(ctx, a.NotifyCarrier, in)
	index := workflow.ExecuteActivity(ctx, a.IndexOrder, in)

	var errs []error
	if err := carrier.Get(ctx, nil); err != nil {
		logger.Error("Notification transporteur en échec", "order_id", in.Order.ID.String(), "error", err)
		errs = append(errs, err)
	}
	if err := index.Get(ctx, nil); err != nil {
		logger.Error("Indexation en échec", "order_id", in.Order.ID.String(), "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
