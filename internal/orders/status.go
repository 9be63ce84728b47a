package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/store"
)

var ErrTransitionNotAllowed = errors.New("transition de statut non autorisée")

// AllowedTransitions : cancelled et refunded sont atteignables depuis tout
// état non terminal.
var AllowedTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending: {
		models.OrderProcessing, models.OrderConfirmed, models.OrderPaymentFailed,
		models.OrderCancelled, models.OrderRefunded,
	},
	models.OrderProcessing: {
		models.OrderConfirmed, models.OrderPaymentFailed, models.OrderShipped,
		models.OrderCancelled, models.OrderRefunded,
	},
	models.OrderPaymentFailed: {
		models.OrderProcessing, models.OrderConfirmed,
		models.OrderCancelled, models.OrderRefunded,
	},
	models.OrderConfirmed: {
		models.OrderShipped, models.OrderCancelled, models.OrderRefunded,
	},
	models.OrderShipped: {
		models.OrderDelivered, models.OrderCancelled, models.OrderRefunded,
	},
	models.OrderDelivered: {},
	models.OrderCancelled: {},
	models.OrderRefunded:  {},
}

func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanSetPaymentStatus : un paiement encaissé ne redescend jamais, sauf
// remboursement, et un remboursement est définitif.
func CanSetPaymentStatus(from, to models.PaymentStatus) bool {
	switch from {
	case models.PaymentRefunded:
		return false
	case models.PaymentPaid:
		return to == models.PaymentRefunded
	}
	return true
}

// Change accumule les modifications appliquées à une commande verrouillée.
type Change struct {
	Order       *models.Order
	FromStatus  models.OrderStatus
	FromPayment models.PaymentStatus
	Source      string
	Notes       []string
}

func NewChange(o *models.Order, source string) *Change {
	return &Change{Order: o, FromStatus: o.Status, FromPayment: o.PaymentStatus, Source: source}
}

// SetStatus applique une transition gardée. Une transition vers l'état
// courant est un no-op.
func (c *Change) SetStatus(to models.OrderStatus) error {
	if c.Order.Status == to {
		return nil
	}
	if !CanTransition(c.Order.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, c.Order.Status, to)
	}
	c.Order.Status = to
	return nil
}

// ForceStatus contourne la machine à états (remboursement).
func (c *Change) ForceStatus(to models.OrderStatus) {
	c.Order.Status = to
}

// SetPaymentStatus renvoie false si la garde refuse la modification.
func (c *Change) SetPaymentStatus(to models.PaymentStatus) bool {
	if c.Order.PaymentStatus == to {
		return true
	}
	if !CanSetPaymentStatus(c.Order.PaymentStatus, to) {
		return false
	}
	c.Order.PaymentStatus = to
	return true
}

func (c *Change) Note(format string, args ...any) {
	c.Notes = append(c.Notes, fmt.Sprintf(format, args...))
}

func (c *Change) Changed() bool {
	return c.Order.Status != c.FromStatus || c.Order.PaymentStatus != c.FromPayment
}

// Save persiste la commande et la ligne d'historique si quelque chose a changé.
func (c *Change) Save(ctx context.Context, q store.Queries, now time.Time) error {
	if !c.Changed() {
		return nil
	}
	c.Order.UpdatedAt = now
	if err := q.UpdateOrder(ctx, c.Order); err != nil {
		return err
	}
	note := ""
	for i, n := range c.Notes {
		if i > 0 {
			note += "; "
		}
		note += n
	}
	return q.InsertStatusChange(ctx, &models.StatusChange{
		ID:            uuid.New(),
		OrderID:       c.Order.ID,
		FromStatus:    c.FromStatus,
		ToStatus:      c.Order.Status,
		PaymentStatus: c.Order.PaymentStatus,
		Source:        c.Source,
		Note:          note,
		CreatedAt:     now,
	})
}

func (c *Change) Event(now time.Time) StatusEvent {
	return StatusEvent{
		Order:       *c.Order,
		FromStatus:  c.FromStatus,
		FromPayment: c.FromPayment,
		Source:      c.Source,
		At:          now,
	}
}

// StatusEvent est publié après commit à chaque changement de statut.
type StatusEvent struct {
	Order       models.Order         `json:"order"`
	FromStatus  models.OrderStatus   `json:"from_status"`
	FromPayment models.PaymentStatus `json:"from_payment_status"`
	Source      string               `json:"source"`
	At          time.Time            `json:"at"`
}

// BecamePaid indique le passage à payé (déclenche l'email de confirmation).
func (e StatusEvent) BecamePaid() bool {
	return e.FromPayment != models.PaymentPaid && e.Order.PaymentStatus == models.PaymentPaid
}

type Listener interface {
	OnStatusChange(ctx context.Context, ev StatusEvent)
}

// Listeners diffuse un événement à chaque abonné ; un abonné qui panique
// n'empêche pas les suivants.
type Listeners struct {
	subs []Listener
	log  *slog.Logger
}

func NewListeners(log *slog.Logger, subs ...Listener) *Listeners {
	return &Listeners{subs: subs, log: log}
}

func (l *Listeners) Add(sub Listener) {
	l.subs = append(l.subs, sub)
}

func (l *Listeners) OnStatusChange(ctx context.Context, ev StatusEvent) {
	if l == nil {
		return
	}
	for _, sub := range l.subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("listener de statut en panique",
						slog.String("order_id", ev.Order.ID.String()), slog.Any("panic", r))
				}
			}()
			sub.OnStatusChange(ctx, ev)
		}()
	}
}
