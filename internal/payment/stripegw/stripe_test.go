package stripegw

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/payment"
)

func testGateway(create createFunc) *Gateway {
	return &Gateway{create: create, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func cardRequest() payment.ChargeRequest {
	return payment.ChargeRequest{
		PaymentID: uuid.New(), OrderID: uuid.New(), OrderNumber: "MP42",
		Method: models.MethodCreditCard, Amount: money.MustParse("85.90"),
		Card: &payment.CardData{Token: "pm_card_visa", Installments: 1},
	}
}

func TestCharge_CardSucceeded(t *testing.T) {
	var got *stripe.PaymentIntentParams
	g := testGateway(func(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		got = p
		return &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}, nil
	})
	req := cardRequest()

	res, err := g.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.TxCompleted, res.Status)
	assert.Equal(t, "pi_1", res.ExternalID)

	assert.Equal(t, int64(8590), *got.Amount)
	assert.Equal(t, "brl", *got.Currency)
	assert.True(t, *got.Confirm)
	assert.Equal(t, "pm_card_visa", *got.PaymentMethod)
	assert.Equal(t, req.OrderID.String(), got.Metadata["internal_order_id"])
	assert.Equal(t, req.PaymentID.String(), *got.IdempotencyKey)
}

func TestCharge_CardDeclined(t *testing.T) {
	g := testGateway(func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return nil, &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, DeclineCode: "insufficient_funds"}
	})
	res, err := g.Charge(context.Background(), cardRequest())
	require.NoError(t, err)
	assert.Equal(t, models.TxFailed, res.Status)
	assert.Equal(t, "insufficient_funds", res.FailureReason)
}

func TestCharge_APIErrorPropagates(t *testing.T) {
	g := testGateway(func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return nil, &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500}
	})
	_, err := g.Charge(context.Background(), cardRequest())
	assert.Error(t, err)
}

func TestCharge_RequiresToken(t *testing.T) {
	g := testGateway(nil)
	req := cardRequest()
	req.Card.Token = ""
	_, err := g.Charge(context.Background(), req)
	assert.Error(t, err)

	req.Method = models.MethodBoleto
	_, err = g.Charge(context.Background(), req)
	assert.Error(t, err)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, models.TxCompleted, MapStatus(stripe.PaymentIntentStatusSucceeded))
	assert.Equal(t, models.TxPending, MapStatus(stripe.PaymentIntentStatusProcessing))
	assert.Equal(t, models.TxPending, MapStatus(stripe.PaymentIntentStatusRequiresAction))
	assert.Equal(t, models.TxFailed, MapStatus(stripe.PaymentIntentStatusRequiresPaymentMethod))
	assert.Equal(t, models.TxFailed, MapStatus(stripe.PaymentIntentStatusCanceled))
}
