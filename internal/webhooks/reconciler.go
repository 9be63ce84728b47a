package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/apperr"
	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/orders"
	"marketplace_checkout/internal/store"
)

const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeInFlight  = "in_flight"
	OutcomeFailed    = "failed"
)

// Locker répond aux livraisons concurrentes d'un même événement. La base
// reste la garantie d'idempotence ; le verrou évite seulement de faire
// attendre la seconde livraison sur la contrainte unique.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// AuditLog reçoit une trace de chaque livraison, après coup.
type AuditLog interface {
	RecordDelivery(ctx context.Context, d models.WebhookDelivery) error
}

type Ack struct {
	Outcome string     `json:"outcome"`
	EventID string     `json:"eventId"`
	OrderID *uuid.UUID `json:"orderId,omitempty"`
}

type Reconciler struct {
	store     store.Store
	verifiers map[string]Verifier
	locker    Locker
	audit     AuditLog
	events    orders.Listener
	log       *slog.Logger

	LockTTL   time.Duration
	TxTimeout time.Duration
	now       func() time.Time
}

// NewReconciler : locker, audit et events sont optionnels.
func NewReconciler(st store.Store, locker Locker, audit AuditLog, events orders.Listener, log *slog.Logger, verifiers ...Verifier) *Reconciler {
	r := &Reconciler{
		store:     st,
		verifiers: make(map[string]Verifier, len(verifiers)),
		locker:    locker,
		audit:     audit,
		events:    events,
		log:       log,
		LockTTL:   30 * time.Second,
		TxTimeout: 5 * time.Second,
		now:       time.Now,
	}
	for _, v := range verifiers {
		r.verifiers[v.Gateway()] = v
	}
	return r
}

// Verifier renvoie le vérificateur d'une passerelle (en-tête de signature).
func (r *Reconciler) Verifier(gateway string) (Verifier, bool) {
	v, ok := r.verifiers[gateway]
	return v, ok
}

// HandleWebhook vérifie, déduplique puis applique un événement. Une erreur
// renvoyée signifie que l'événement n'est pas enregistré et peut être rejoué.
func (r *Reconciler) HandleWebhook(ctx context.Context, gateway string, body []byte, signature string) (*Ack, error) {
	v, ok := r.verifiers[gateway]
	if !ok {
		return nil, apperr.NotFound("unknown_gateway", fmt.Sprintf("Passerelle %q inconnue", gateway))
	}
	delivery := models.WebhookDelivery{Gateway: gateway, Signature: signature, Payload: body, ReceivedAt: r.now()}
	log := r.log.With(slog.String("gateway", gateway))

	ev, err := v.Parse(body, signature)
	if err != nil {
		delivery.Outcome, delivery.Error = OutcomeRejected, err.Error()
		r.record(ctx, delivery)
		if errors.Is(err, ErrMissingSecret) {
			log.Error("secret de webhook absent")
		} else {
			log.Warn("webhook rejeté", slog.Any("error", err))
		}
		return nil, err
	}
	if ev.ID == "" {
		sum := sha256.Sum256(body)
		ev.ID = "sha256:" + hex.EncodeToString(sum[:])
	}
	delivery.EventID, delivery.EventType, delivery.OrderID = ev.ID, ev.RawType, ev.OrderID
	log = log.With(slog.String("event_id", ev.ID), slog.String("event", ev.RawType))

	if r.locker != nil {
		unlock, ok, err := r.locker.TryLock(ctx, "webhook:"+gateway+":"+ev.ID, r.LockTTL)
		switch {
		case err != nil:
			log.Warn("verrou d'événement indisponible", slog.Any("error", err))
		case !ok:
			delivery.Outcome = OutcomeInFlight
			r.record(ctx, delivery)
			return nil, ErrEventInFlight
		default:
			defer unlock()
		}
	}

	ack, change, err := r.apply(ctx, gateway, ev, signature)
	if err != nil {
		delivery.Outcome, delivery.Error = OutcomeFailed, err.Error()
		r.record(ctx, delivery)
		log.Error("échec du traitement du webhook", slog.Any("error", err))
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Internal(err)
	}

	delivery.Outcome = ack.Outcome
	delivery.OrderID = ack.OrderID
	r.record(ctx, delivery)
	log.Info("webhook traité", slog.String("outcome", ack.Outcome))

	if change != nil && r.events != nil {
		r.events.OnStatusChange(ctx, change.Event(r.now()))
	}
	return ack, nil
}

func (r *Reconciler) record(ctx context.Context, d models.WebhookDelivery) {
	if r.audit == nil {
		return
	}
	if err := r.audit.RecordDelivery(context.WithoutCancel(ctx), d); err != nil {
		r.log.Warn("audit webhook impossible", slog.String("event_id", d.EventID), slog.Any("error", err))
	}
}

// apply enregistre l'événement et sa transition dans une seule transaction.
// L'insertion vient en premier : une livraison concurrente bloque sur la clé
// unique puis voit l'événement déjà présent.
func (r *Reconciler) apply(ctx context.Context, gateway string, ev *Event, signature string) (*Ack, *orders.Change, error) {
	txCtx, cancel := context.WithTimeout(ctx, r.TxTimeout)
	defer cancel()

	ack := &Ack{EventID: ev.ID, OrderID: ev.OrderID}
	var change *orders.Change
	err := r.store.WithTx(txCtx, func(ctx context.Context, q store.Queries) error {
		now := r.now()
		change = nil
		fresh, err := q.RecordWebhookEvent(ctx, &models.WebhookEvent{
			ID: uuid.New(), Gateway: gateway, EventID: ev.ID, EventType: ev.RawType,
			OrderID: ev.OrderID, Payload: ev.Payload, Signature: signature, ProcessedAt: now,
		})
		if err != nil {
			return err
		}
		if !fresh {
			ack.Outcome = OutcomeDuplicate
			return nil
		}
		if !ev.Type.IsPayment() {
			ack.Outcome = OutcomeIgnored
			return nil
		}

		pay, order, err := r.locate(ctx, q, gateway, ev)
		if err != nil {
			return err
		}
		if order == nil {
			r.log.Warn("webhook sans paiement ni commande correspondante",
				slog.String("event_id", ev.ID), slog.String("external_id", ev.ExternalID))
			ack.Outcome = OutcomeIgnored
			return nil
		}
		ack.OrderID = &order.ID

		c := orders.NewChange(order, "webhook:"+gateway)
		if err := transition(ctx, q, ev, pay, c, now); err != nil {
			return err
		}
		if pay != nil {
			pay.UpdatedAt = now
			if err := q.UpdatePayment(ctx, pay); err != nil {
				return err
			}
		}
		if err := c.Save(ctx, q, now); err != nil {
			return err
		}
		ack.Outcome = OutcomeApplied
		if c.Changed() {
			change = c
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil && txCtx.Err() != nil {
			return nil, nil, apperr.Timeout("Délai dépassé pendant la réconciliation", err)
		}
		return nil, nil, err
	}
	return ack, change, nil
}

// locate retrouve la tentative par son id passerelle, sinon par la commande
// (l'événement peut précéder l'enregistrement de l'id externe).
func (r *Reconciler) locate(ctx context.Context, q store.Queries, gateway string, ev *Event) (*models.Payment, *models.Order, error) {
	var pay *models.Payment
	if ev.ExternalID != "" {
		p, err := q.LockPaymentByExternalID(ctx, gateway, ev.ExternalID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		pay = p
	}
	if pay == nil && ev.OrderID != nil {
		p, err := q.LockInFlightPayment(ctx, *ev.OrderID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		// Une autre tentative est en vol : l'événement vise une tentative inconnue.
		if p != nil && (p.ExternalID == "" || ev.ExternalID == "" || p.ExternalID == ev.ExternalID) {
			pay = p
		}
	}

	orderID := ev.OrderID
	if pay != nil {
		orderID = &pay.OrderID
		if pay.ExternalID == "" {
			pay.ExternalID = ev.ExternalID
		}
	}
	if orderID == nil {
		return nil, nil, nil
	}
	order, err := q.LockOrder(ctx, *orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return pay, order, nil
}

// transition applique les règles par type d'événement. Chaque règle vérifie
// l'état courant : un événement tardif ne fait jamais régresser la commande.
func transition(ctx context.Context, q store.Queries, ev *Event, pay *models.Payment, c *orders.Change, now time.Time) error {
	order := c.Order
	actionable := order.Status == models.OrderPending || order.Status == models.OrderPaymentFailed
	// Refus ou annulation d'une tentative que l'on ne retrouve pas : la
	// commande peut avoir une autre tentative en cours.
	unknownAttempt := pay == nil && ev.ExternalID != ""

	switch ev.Type {
	case EventPaymentApproved:
		if pay != nil && pay.Status != models.TxRefunded {
			pay.Status = models.TxCompleted
			pay.FailureReason = ""
		}
		if order.PaymentStatus == models.PaymentPaid || order.PaymentStatus == models.PaymentRefunded {
			return nil
		}
		c.SetPaymentStatus(models.PaymentPaid)
		if err := c.SetStatus(models.OrderProcessing); err != nil {
			// Paiement reçu sur une commande déjà sortie du tunnel (annulée).
			c.Note("paiement reçu alors que la commande est %s : remboursement manuel requis", order.Status)
			return nil
		}
		c.Note("paiement approuvé")

	case EventPaymentDeclined, EventPaymentExpired:
		next := models.TxFailed
		if ev.Type == EventPaymentExpired {
			next = models.TxExpired
		}
		if pay != nil && pay.Status.InFlight() {
			pay.Status = next
			pay.FailureReason = ev.Reason
		}
		if unknownAttempt || !actionable || !c.SetPaymentStatus(models.PaymentFailed) {
			return nil
		}
		if err := c.SetStatus(models.OrderPaymentFailed); err != nil {
			return err
		}
		if ev.Reason != "" {
			c.Note("paiement refusé : %s", ev.Reason)
		} else {
			c.Note("paiement refusé")
		}

	case EventPaymentCancelled:
		if pay != nil && pay.Status.InFlight() {
			pay.Status = models.TxCancelled
		}
		if unknownAttempt || !actionable || order.PaymentStatus == models.PaymentPaid {
			return nil
		}
		c.SetPaymentStatus(models.PaymentCancelled)
		if err := c.SetStatus(models.OrderCancelled); err != nil {
			return err
		}
		c.Note("paiement annulé par la passerelle")
		return orders.Restock(ctx, q, order.ID, "webhook", now)

	case EventPaymentRefunded:
		if pay != nil {
			pay.Status = models.TxRefunded
		}
		c.SetPaymentStatus(models.PaymentRefunded)
		c.ForceStatus(models.OrderRefunded)
		if c.Changed() {
			c.Note("remboursement confirmé par la passerelle")
		}

	case EventOrderCreated, EventOrderUpdated, EventCustomerCreated, EventCustomerUpdated, EventUnknown:
		// Filtrés en amont par IsPayment.
	}
	return nil
}
