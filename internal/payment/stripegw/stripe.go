// Package stripegw implémente payment.Gateway avec les PaymentIntents Stripe.
package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/payment"
)

const Name = "stripe"

// createFunc est paymentintent.New, remplaçable en test.
type createFunc func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)

type Gateway struct {
	create createFunc
	log    *slog.Logger
}

// New configure la clé globale du SDK, comme le reste du service.
func New(secretKey string, log *slog.Logger) *Gateway {
	stripe.Key = secretKey
	return &Gateway{create: paymentintent.New, log: log}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.Result, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(req.Amount)),
		Currency: stripe.String(string(stripe.CurrencyBRL)),
		Confirm:  stripe.Bool(true),
		Metadata: map[string]string{
			"internal_order_id": req.OrderID.String(),
			"order_number":      req.OrderNumber,
			"payment_id":        req.PaymentID.String(),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.PaymentID.String())
	if req.Customer.Email != "" {
		params.ReceiptEmail = stripe.String(req.Customer.Email)
	}

	switch req.Method {
	case models.MethodCreditCard, models.MethodDebitCard:
		if req.Card == nil || req.Card.Token == "" {
			return nil, fmt.Errorf("stripe: un PaymentMethod tokenisé est requis")
		}
		params.PaymentMethodTypes = stripe.StringSlice([]string{"card"})
		params.PaymentMethod = stripe.String(req.Card.Token)
	case models.MethodPIX:
		params.PaymentMethodTypes = stripe.StringSlice([]string{"pix"})
		params.PaymentMethodData = &stripe.PaymentIntentPaymentMethodDataParams{Type: stripe.String("pix")}
	default:
		return nil, fmt.Errorf("stripe: méthode %s non supportée", req.Method)
	}

	intent, err := g.create(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			g.log.Warn("💳 carte refusée par Stripe", slog.String("code", string(se.Code)),
				slog.String("order_id", req.OrderID.String()))
			return &payment.Result{
				Status:        models.TxFailed,
				Amount:        req.Amount,
				FailureReason: orDefault(string(se.DeclineCode), string(se.Code)),
			}, nil
		}
		return nil, err
	}
	g.log.Info("💳 PaymentIntent créé", slog.String("intent_id", intent.ID), slog.String("status", string(intent.Status)))
	return toResult(req, intent), nil
}

// MapStatus traduit le statut d'un PaymentIntent.
func MapStatus(s stripe.PaymentIntentStatus) models.TxStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return models.TxCompleted
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return models.TxFailed
	default:
		return models.TxPending
	}
}

func toResult(req payment.ChargeRequest, pi *stripe.PaymentIntent) *payment.Result {
	raw, _ := json.Marshal(pi)
	res := &payment.Result{
		ExternalID: pi.ID,
		Status:     MapStatus(pi.Status),
		Amount:     req.Amount,
		Raw:        raw,
		Details:    map[string]any{},
	}
	if res.Status == models.TxFailed {
		res.FailureReason = "payment_intent_" + string(pi.Status)
		if pi.LastPaymentError != nil {
			res.FailureReason = orDefault(string(pi.LastPaymentError.DeclineCode), string(pi.LastPaymentError.Code))
		}
	}
	if req.Card != nil {
		res.Details["installments"] = req.Card.Installments
	}
	if pi.NextAction != nil && pi.NextAction.PixDisplayQRCode != nil {
		qr := pi.NextAction.PixDisplayQRCode
		res.Details["qr_code"] = qr.Data
		res.Details["qr_code_url"] = qr.ImageURLPNG
		res.ExpiresAt = req.ExpiresAt
		if qr.ExpiresAt > 0 {
			exp := time.Unix(qr.ExpiresAt, 0)
			res.ExpiresAt = &exp
		}
	}
	return res
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
