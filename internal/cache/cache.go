package cache

import (
	"context"
	"time"
)

const (
	ShippingQuoteTTL = 30 * time.Minute

	// FailedTasksKey garde les tâches post-commande abandonnées pour reprise manuelle.
	FailedTasksKey  = "checkout:failed_tasks"
	failedTasksKeep = 1000
)

// PushFailedTask empile une tâche en échec ; la liste est bornée.
func (r *Redis) PushFailedTask(ctx context.Context, payload []byte) error {
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, FailedTasksKey, payload)
	pipe.LTrim(ctx, FailedTasksKey, 0, failedTasksKeep-1)
	_, err := pipe.Exec(ctx)
	return err
}

// FailedTasks renvoie les n tâches en échec les plus récentes.
func (r *Redis) FailedTasks(ctx context.Context, n int64) ([][]byte, error) {
	vals, err := r.client.LRange(ctx, FailedTasksKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
