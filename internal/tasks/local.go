package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"marketplace_checkout/internal/models"
)

// FailedTaskSink conserve les tâches abandonnées (liste Redis en production).
type FailedTaskSink interface {
	PushFailedTask(ctx context.Context, payload []byte) error
}

type FailedTask struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Task        string    `json:"task"`
	Error       string    `json:"error"`
	FailedAt    time.Time `json:"failed_at"`
}

// Local exécute les activités dans des goroutines bornées, sans reprise
// automatique : un échec part dans le sink pour retraitement.
type Local struct {
	acts    *Activities
	failed  FailedTaskSink
	timeout time.Duration
	sem     chan struct{}
	wg      sync.WaitGroup
	log     *slog.Logger
}

func NewLocal(acts *Activities, failed FailedTaskSink, timeout time.Duration, maxInFlight int, log *slog.Logger) *Local {
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	return &Local{acts: acts, failed: failed, timeout: timeout, sem: make(chan struct{}, maxInFlight), log: log}
}

func (l *Local) DispatchOrderCreated(ctx context.Context, order models.Order, items []models.OrderItem) error {
	in := OrderCreated{Order: order, Items: items}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		for _, step := range l.acts.steps() {
			l.fail(in, step.name, ctx.Err())
		}
		return ctx.Err()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.sem }()

		runCtx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		for _, step := range l.acts.steps() {
			if err := step.run(runCtx, in); err != nil {
				l.fail(in, step.name, err)
			}
		}
	}()
	return nil
}

// Wait attend la fin des tâches en cours (arrêt du serveur).
func (l *Local) Wait() {
	l.wg.Wait()
}

func (l *Local) fail(in OrderCreated, task string, err error) {
	l.log.Error("❌ tâche post-commande en échec",
		slog.String("order_id", in.Order.ID.String()), slog.String("task", task), slog.Any("error", err))
	if l.failed == nil {
		return
	}
	payload, _ := json.Marshal(FailedTask{
		OrderID: in.Order.ID.String(), OrderNumber: in.Order.OrderNumber,
		Task: task, Error: err.Error(), FailedAt: time.Now(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if perr := l.failed.PushFailedTask(ctx, payload); perr != nil {
		l.log.Error("tâche en échec non enregistrée", slog.String("order_id", in.Order.ID.String()),
			slog.String("task", task), slog.Any("error", perr))
	}
}
