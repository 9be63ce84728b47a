package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/apperr"
	"marketplace_checkout/internal/gateway"
	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/orders"
	"marketplace_checkout/internal/store"
)

var ErrDuplicatePaymentAttempt = apperr.Business("payment_in_flight",
	"Un paiement est déjà en cours pour cette commande")

var errOrderNotFound = apperr.Business("order_not_found", "Commande introuvable")

// Selector choisit une passerelle (gateway.Registry).
type Selector interface {
	SelectGateway(ctx context.Context, method models.PaymentMethod, total money.Cents) (string, error)
}

// PaymentResult est la réponse normalisée renvoyée au client.
type PaymentResult struct {
	PaymentID     uuid.UUID            `json:"paymentId"`
	OrderID       uuid.UUID            `json:"orderId"`
	ExternalID    string               `json:"externalId"`
	Gateway       string               `json:"gateway"`
	Method        models.PaymentMethod `json:"method"`
	Status        models.TxStatus      `json:"status"`
	Amount        money.Cents          `json:"amount"`
	Payload       map[string]any       `json:"methodSpecificPayload,omitempty"`
	ExpiresAt     *time.Time           `json:"expiresAt,omitempty"`
	OrderStatus   models.OrderStatus   `json:"orderStatus"`
	PaymentStatus models.PaymentStatus `json:"paymentStatus"`
	FailureReason string               `json:"failureReason,omitempty"`
}

type Request struct {
	UserID  string
	OrderID uuid.UUID
	Method  models.PaymentMethod
	Data    json.RawMessage
}

type Processor struct {
	store    store.Store
	selector Selector
	gateways *Resolver
	events   orders.Listener
	log      *slog.Logger

	// ChargeTimeout borne l'appel à la passerelle ; la réservation expire
	// après ReservationTTL si la seconde transaction n'a jamais lieu.
	ChargeTimeout  time.Duration
	ReservationTTL time.Duration
	// PendingTTL s'applique aux réponses en attente sans échéance (carte en analyse).
	PendingTTL time.Duration
	now        func() time.Time
}

func NewProcessor(st store.Store, selector Selector, gateways *Resolver, events orders.Listener, log *slog.Logger) *Processor {
	return &Processor{
		store:          st,
		selector:       selector,
		gateways:       gateways,
		events:         events,
		log:            log,
		ChargeTimeout:  20 * time.Second,
		ReservationTTL: 2 * time.Minute,
		PendingTTL:     30 * time.Minute,
		now:            time.Now,
	}
}

// ProcessPayment : lecture + sélection de passerelle, réservation d'une
// tentative (transaction 1), appel passerelle hors transaction, puis
// application du résultat (transaction 2).
func (p *Processor) ProcessPayment(ctx context.Context, req Request) (*PaymentResult, error) {
	order, customer, err := p.load(ctx, req)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = order.PaymentMethod
	}
	if _, ok := models.ParsePaymentMethod(string(method)); !ok {
		return nil, apperr.Validation("invalid_payment_method", "Méthode de paiement non supportée")
	}

	gatewayName, err := p.selector.SelectGateway(ctx, method, order.Total)
	if err != nil {
		if errors.Is(err, gateway.ErrNoGateway) {
			return nil, apperr.Wrap(apperr.KindGateway, "no_gateway",
				"Aucune passerelle disponible pour ce paiement", err)
		}
		return nil, err
	}
	gw, err := p.gateways.Resolve(gatewayName)
	if err != nil {
		return nil, err
	}

	now := p.now()
	charge := ChargeRequest{
		PaymentID:   uuid.New(),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Method:      method,
		Amount:      order.Total,
		Customer:    customer,
		Address:     order.ShippingAddress,
	}
	if err := buildCharge(&charge, req.Data, now); err != nil {
		return nil, err
	}

	pay, err := p.reserve(ctx, req, charge, gatewayName, now)
	if err != nil {
		return nil, err
	}
	log := p.log.With(slog.String("order_id", order.ID.String()), slog.String("payment_id", pay.ID.String()),
		slog.String("gateway", gatewayName), slog.String("method", string(method)))

	chargeCtx, cancel := context.WithTimeout(ctx, p.ChargeTimeout)
	result, chargeErr := gw.Charge(chargeCtx, charge)
	cancel()
	if chargeErr != nil {
		log.Error("❌ échec appel passerelle", slog.Any("error", chargeErr))
	}

	res, ev, err := p.settle(ctx, pay, result, chargeErr)
	if err != nil {
		log.Error("❌ enregistrement du résultat de paiement impossible", slog.Any("error", err))
		return nil, err
	}
	if ev != nil {
		p.events.OnStatusChange(ctx, *ev)
	}
	if chargeErr != nil && res == nil {
		return nil, apperr.Gateway("La passerelle de paiement n'a pas répondu, réessayez", chargeErr)
	}
	log.Info("paiement traité", slog.String("status", string(res.Status)))
	return res, nil
}

func (p *Processor) load(ctx context.Context, req Request) (*models.Order, Customer, error) {
	var (
		order    *models.Order
		customer Customer
	)
	err := p.store.WithTx(ctx, func(ctx context.Context, q store.Queries) error {
		var err error
		order, err = q.GetOrder(ctx, req.OrderID)
		// une commande inconnue est une requête de paiement invalide (400)
		if errors.Is(err, store.ErrNotFound) {
			return errOrderNotFound
		}
		if err != nil {
			return err
		}
		if req.UserID != "" && order.UserID != req.UserID {
			return errOrderNotFound
		}
		customer = Customer{ID: order.UserID, Name: order.ShippingAddress.Recipient, Phone: order.ShippingAddress.Phone}
		if u, err := q.GetUser(ctx, order.UserID); err == nil {
			customer.Email = u.Email
			if u.Name != "" {
				customer.Name = u.Name
			}
		}
		return checkPayable(order)
	})
	return order, customer, err
}

func checkPayable(o *models.Order) error {
	if o.PaymentStatus == models.PaymentPaid {
		return apperr.Business("order_already_paid", "Commande déjà payée")
	}
	if o.Status != models.OrderPending && o.Status != models.OrderPaymentFailed {
		return apperr.Business("order_not_payable", fmt.Sprintf("Commande non payable (statut %s)", o.Status))
	}
	return nil
}

// reserve insère la tentative en "processing" sous verrou de la commande.
// Une tentative en vol expirée est close au passage.
func (p *Processor) reserve(ctx context.Context, req Request, charge ChargeRequest, gatewayName string, now time.Time) (*models.Payment, error) {
	reservationExpiry := now.Add(p.ReservationTTL)
	pay := &models.Payment{
		ID:        charge.PaymentID,
		OrderID:   charge.OrderID,
		Gateway:   gatewayName,
		Method:    charge.Method,
		Status:    models.TxProcessing,
		Amount:    charge.Amount,
		ExpiresAt: &reservationExpiry,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if charge.Card != nil {
		pay.Installments = charge.Card.Installments
	}

	err := p.store.WithTx(ctx, func(ctx context.Context, q store.Queries) error {
		order, err := q.LockOrder(ctx, charge.OrderID)
		if err != nil {
			return err
		}
		if err := checkPayable(order); err != nil {
			return err
		}

		inflight, err := q.LockInFlightPayment(ctx, order.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case inflight.Expired(now):
			inflight.Status = models.TxExpired
			inflight.UpdatedAt = now
			if err := q.UpdatePayment(ctx, inflight); err != nil {
				return err
			}
		default:
			return ErrDuplicatePaymentAttempt
		}

		if order.PaymentMethod != charge.Method {
			order.PaymentMethod = charge.Method
			order.UpdatedAt = now
			if err := q.UpdateOrder(ctx, order); err != nil {
				return err
			}
		}
		return q.InsertPayment(ctx, pay)
	})
	if err != nil {
		return nil, err
	}
	return pay, nil
}

// settle applique le résultat (ou l'échec) de la passerelle. La tentative est
// relue sous verrou : si un webhook l'a déjà tranchée pendant l'appel, son
// statut est conservé et seules les références externes sont complétées.
func (p *Processor) settle(ctx context.Context, reserved *models.Payment, result *Result, chargeErr error) (*PaymentResult, *orders.StatusEvent, error) {
	var (
		out *PaymentResult
		ev  *orders.StatusEvent
	)
	err := p.store.WithTx(ctx, func(ctx context.Context, q store.Queries) error {
		now := p.now()
		order, err := q.LockOrder(ctx, reserved.OrderID)
		if err != nil {
			return err
		}
		pay, err := q.LockPayment(ctx, reserved.ID)
		if err != nil {
			return err
		}
		decided := pay.Status != models.TxProcessing

		if chargeErr != nil {
			if decided {
				out = paymentResult(pay, order, nil)
				return nil
			}
			// la commande reste en attente, sans paiement actif
			pay.Status = models.TxFailed
			pay.FailureReason = truncateReason(chargeErr.Error())
			pay.ExpiresAt = nil
			pay.UpdatedAt = now
			return q.UpdatePayment(ctx, pay)
		}

		if pay.ExternalID == "" {
			pay.ExternalID = result.ExternalID
		}
		if len(pay.RawPayload) == 0 {
			pay.RawPayload = result.Raw
		}
		if result.Details != nil && len(pay.Details) == 0 {
			if pay.Details, err = json.Marshal(result.Details); err != nil {
				return err
			}
		}
		if !decided {
			pay.Status = result.Status
			pay.ExpiresAt = result.ExpiresAt
			pay.FailureReason = result.FailureReason
			if pay.Status.InFlight() && pay.ExpiresAt == nil {
				// carte en analyse : sans échéance, la tentative bloquerait les suivantes
				exp := now.Add(p.PendingTTL)
				pay.ExpiresAt = &exp
			}
		}
		pay.UpdatedAt = now
		if err := q.UpdatePayment(ctx, pay); err != nil {
			return err
		}

		order.Gateway = pay.Gateway
		if result.ExternalOrderID != "" {
			order.ExternalOrderID = result.ExternalOrderID
		}
		order.UpdatedAt = now
		if decided {
			out = paymentResult(pay, order, result.Details)
			return q.UpdateOrder(ctx, order)
		}

		change := orders.NewChange(order, "payment:"+pay.Gateway)
		switch pay.Status {
		case models.TxCompleted:
			if change.SetPaymentStatus(models.PaymentPaid) {
				if err := change.SetStatus(models.OrderConfirmed); err != nil {
					change.Note("statut conservé: %v", err)
				}
			}
		case models.TxPending, models.TxProcessing:
			change.SetPaymentStatus(models.PaymentPending)
		default:
			change.SetPaymentStatus(models.PaymentFailed)
			change.Note("paiement refusé: %s", pay.FailureReason)
		}
		if change.Changed() {
			if err := change.Save(ctx, q, now); err != nil {
				return err
			}
			e := change.Event(now)
			ev = &e
		} else if err := q.UpdateOrder(ctx, order); err != nil {
			return err
		}

		out = paymentResult(pay, order, result.Details)
		return nil
	})
	return out, ev, err
}

func paymentResult(pay *models.Payment, order *models.Order, payload map[string]any) *PaymentResult {
	return &PaymentResult{
		PaymentID:     pay.ID,
		OrderID:       order.ID,
		ExternalID:    pay.ExternalID,
		Gateway:       pay.Gateway,
		Method:        pay.Method,
		Status:        pay.Status,
		Amount:        pay.Amount,
		Payload:       payload,
		ExpiresAt:     pay.ExpiresAt,
		OrderStatus:   order.Status,
		PaymentStatus: order.PaymentStatus,
		FailureReason: pay.FailureReason,
	}
}

// ExpireStale clôt les tentatives PIX/boleto (ou réservations) dont la
// fenêtre est dépassée. La commande passe en payment_failed si elle était
// encore en attente.
func (p *Processor) ExpireStale(ctx context.Context) (int, error) {
	now := p.now()
	var stale []models.Payment
	err := p.store.WithTx(ctx, func(ctx context.Context, q store.Queries) error {
		var err error
		stale, err = q.ListExpiredPayments(ctx, now, 100)
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range stale {
		var ev *orders.StatusEvent
		err := p.store.WithTx(ctx, func(ctx context.Context, q store.Queries) error {
			order, err := q.LockOrder(ctx, candidate.OrderID)
			if err != nil {
				return err
			}
			pay, err := q.LockInFlightPayment(ctx, order.ID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if pay.ID != candidate.ID || !pay.Expired(now) {
				return nil
			}
			pay.Status = models.TxExpired
			pay.UpdatedAt = now
			if err := q.UpdatePayment(ctx, pay); err != nil {
				return err
			}
			expired++

			change := orders.NewChange(order, "payment:expiry")
			if order.PaymentStatus == models.PaymentPending && change.SetPaymentStatus(models.PaymentFailed) {
				if order.Status == models.OrderPending {
					_ = change.SetStatus(models.OrderPaymentFailed)
				}
				change.Note("paiement %s expiré", pay.Method)
			}
			if !change.Changed() {
				return nil
			}
			if err := change.Save(ctx, q, now); err != nil {
				return err
			}
			e := change.Event(now)
			ev = &e
			return nil
		})
		if err != nil {
			p.log.Error("expiration de paiement impossible",
				slog.String("payment_id", candidate.ID.String()), slog.Any("error", err))
			continue
		}
		if ev != nil {
			p.events.OnStatusChange(ctx, *ev)
		}
	}
	return expired, nil
}

// RunExpiry exécute ExpireStale à intervalle régulier jusqu'à l'annulation de ctx.
func (p *Processor) RunExpiry(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.ExpireStale(ctx); err != nil {
				p.log.Error("balayage des paiements expirés", slog.Any("error", err))
			} else if n > 0 {
				p.log.Info("paiements expirés", slog.Int("count", n))
			}
		}
	}
}

func truncateReason(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
