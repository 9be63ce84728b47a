// Package audit archive dans ScyllaDB les livraisons de webhooks et
// l'historique des statuts de commande.
package audit

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/orders"
)

//go:embed schema.cql
var schema string

// maxPayload borne la taille du corps archivé.
const maxPayload = 16 << 10

const (
	insertDelivery = `INSERT INTO webhook_log (gateway, day, received_at, event_id, event_type, order_id, outcome, error, signature, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	insertStatus = `INSERT INTO order_status_history (order_id, changed_at, from_status, to_status, from_payment, payment_status, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
)

type executor interface {
	Exec(ctx context.Context, stmt string, values ...any) error
}

type gocqlExecutor struct{ session *gocql.Session }

func (g gocqlExecutor) Exec(ctx context.Context, stmt string, values ...any) error {
	return g.session.Query(stmt, values...).WithContext(ctx).Exec()
}

type Scylla struct {
	exec executor
	log  *slog.Logger
}

func NewScylla(session *gocql.Session, log *slog.Logger) *Scylla {
	return &Scylla{exec: gocqlExecutor{session: session}, log: log}
}

// EnsureSchema crée les tables si besoin (le keyspace doit exister).
func (s *Scylla) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if err := s.exec.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schéma ScyllaDB: %w", err)
		}
	}
	return nil
}

func (s *Scylla) RecordDelivery(ctx context.Context, d models.WebhookDelivery) error {
	payload := d.Payload
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}
	received := d.ReceivedAt.UTC()
	return s.exec.Exec(ctx, insertDelivery,
		d.Gateway, received.Format("2006-01-02"), received, d.EventID, d.EventType,
		optionalUUID(d.OrderID), d.Outcome, d.Error, d.Signature, string(payload))
}

// OnStatusChange archive la transition ; un échec est journalisé, jamais remonté.
func (s *Scylla) OnStatusChange(ctx context.Context, ev orders.StatusEvent) {
	err := s.exec.Exec(ctx, insertStatus,
		gocql.UUID(ev.Order.ID), ev.At.UTC(),
		string(ev.FromStatus), string(ev.Order.Status),
		string(ev.FromPayment), string(ev.Order.PaymentStatus), ev.Source)
	if err != nil {
		s.log.Warn("⚠️ historique ScyllaDB non écrit",
			slog.String("order_id", ev.Order.ID.String()), slog.Any("error", err))
	}
}

func optionalUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return gocql.UUID(*id)
}
