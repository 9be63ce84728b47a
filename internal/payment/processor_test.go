package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace_checkout/internal/apperr"
	"marketplace_checkout/internal/gateway"
	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/orders"
	"marketplace_checkout/internal/store"
	"marketplace_checkout/internal/store/memory"
	"marketplace_checkout/internal/webhooks"
)

type fixedSelector struct {
	name string
	err  error
}

func (s fixedSelector) SelectGateway(context.Context, models.PaymentMethod, money.Cents) (string, error) {
	return s.name, s.err
}

type failingGateway struct{ err error }

func (g failingGateway) Name() string { return "broken" }
func (g failingGateway) Charge(context.Context, ChargeRequest) (*Result, error) {
	return nil, g.err
}

// reviewGateway répond toujours "en attente" sans échéance, comme une carte en analyse.
type reviewGateway struct{}

func (reviewGateway) Name() string { return "appmax" }
func (reviewGateway) Charge(_ context.Context, req ChargeRequest) (*Result, error) {
	return &Result{ExternalID: "ext-" + req.PaymentID.String()[:8], Status: models.TxPending,
		Details: map[string]any{"status": "in_review"}}, nil
}

// racingGateway livre le webhook de la passerelle pendant l'appel, puis
// répond "en attente".
type racingGateway struct {
	t     *testing.T
	rec   *webhooks.Reconciler
	event string
}

func (g racingGateway) Name() string { return "appmax" }
func (g racingGateway) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	body := []byte(fmt.Sprintf(`{"id":"evt-%s","event":%q,"data":{"payment":{"id":"ext-1","status":"x","reason":"card_declined","metadata":{"internalOrderId":%q}}}}`,
		g.event, g.event, req.OrderID.String()))
	ack, err := g.rec.HandleWebhook(ctx, "appmax", body, webhooks.Sign(body, "whsec_test"))
	require.NoError(g.t, err)
	assert.Equal(g.t, webhooks.OutcomeApplied, ack.Outcome)
	return &Result{ExternalID: "ext-1", Status: models.TxPending, Details: map[string]any{"status": "authorized"}}, nil
}

type recorder struct{ events []orders.StatusEvent }

func (r *recorder) OnStatusChange(_ context.Context, ev orders.StatusEvent) {
	r.events = append(r.events, ev)
}

var validCard = json.RawMessage(`{"number":"4111 1111 1111 1111","holderName":"MARIA SILVA","expiryMonth":12,"expiryYear":2099,"cvv":"123","installments":3}`)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seedOrder(t *testing.T, st *memory.Store, status models.OrderStatus, pay models.PaymentStatus) *models.Order {
	t.Helper()
	now := time.Now()
	o := &models.Order{
		ID:            uuid.New(),
		OrderNumber:   "MP" + uuid.NewString()[:8],
		UserID:        "user-1",
		Status:        status,
		PaymentStatus: pay,
		PaymentMethod: models.MethodPIX,
		Subtotal:      money.MustParse("80.00"),
		ShippingCost:  money.MustParse("15.90"),
		Total:         money.MustParse("95.90"),
		ShippingAddress: models.Address{
			Recipient: "Maria Silva", Street: "Rua A", Number: "10", Neighborhood: "Centro",
			City: "São Paulo", State: "SP", PostalCode: "01310100",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, q store.Queries) error {
		return q.InsertOrder(ctx, o)
	}))
	return o
}

func newTestProcessor(st store.Store, gw Gateway, sel Selector) (*Processor, *recorder) {
	rec := &recorder{}
	p := NewProcessor(st, sel, NewResolver(false, nil, gw), rec, testLogger())
	return p, rec
}

func getOrder(t *testing.T, st store.Store, id uuid.UUID) *models.Order {
	t.Helper()
	var o *models.Order
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, q store.Queries) error {
		var err error
		o, err = q.GetOrder(ctx, id)
		return err
	}))
	return o
}

func TestProcessPayment_CardApprovedConfirmsOrder(t *testing.T) {
	st := memory.New()
	order := seedOrder(t, st, models.OrderPending, models.PaymentPending)
	p, rec := newTestProcessor(st, NewSimulator(100, nil), fixedSelector{name: SimulatorName})

	res, err := p.ProcessPayment(context.Background(), Request{
		UserID: "user-1", OrderID: order.ID, Method: models.MethodCreditCard, Data: validCard,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TxCompleted, res.Status)
	assert.Equal(t, models.OrderConfirmed, res.OrderStatus)
	assert.Equal(t, models.PaymentPaid, res.PaymentStatus)
	assert.Equal(t, order.Total, res.Amount)
	assert.Equal(t, "1111", res.Payload["card_last4"])

	stored := getOrder(t, st, order.ID)
	assert.Equal(t, models.OrderConfirmed, stored.Status)
	assert.Equal(t, models.MethodCreditCard, stored.PaymentMethod)

	pays := st.Payments(order.ID)
	require.Len(t, pays, 1)
	assert.Equal(t, 3, pays[0].Installments)
	assert.Nil(t, pays[0].ExpiresAt)

	require.Len(t, rec.events, 1)
	assert.True(t, rec.events[0].BecamePaid())
}

func TestProcessPayment_CardDeclined(t *testing.T) {
	st := memory.New()
	order := seedOrder(t, st, models.OrderPending, models.PaymentPending)
	p, _ := newTestProcessor(st, NewSimulator(100, nil), fixedSelector{name: SimulatorName})

	res, err := p.ProcessPayment(context.Background(), Request{
		UserID: "user-1", OrderID: order.ID, Method: models.MethodCreditCard,
		Data: json.RawMessage(`{"token":"tok_decline"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.TxFailed, res.Status)
	assert.Equal(t, "card_declined", res.FailureReason)
	assert.Equal(t, models.PaymentFailed, res.PaymentStatus)
	assert.Equal(t, models.OrderPending, res.OrderStatus)

	// une nouvelle tentative reste possible
	res, err = p.ProcessPayment(context.Background(), Request{
		UserID: "user-1", OrderID: order.ID, Method: models.MethodCreditCard, Data: validCard,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, res.PaymentStatus)
}

func TestProcessPayment_PIXPendingWithExpiry(t *testing.T) {
	st := memory.New()
	order := seedOrder(t, st, models.OrderPending, models.PaymentPending)
	p, rec := newTestProcessor(st, NewSimulator(100, nil), fixedSelector{name: SimulatorName})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	res, err := p.ProcessPayment(context.Background(), Request{UserID: "user-1", OrderID: order.ID, Method: models.MethodPIX})
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, res.Status)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, now.Add(PIXWindow), *res.ExpiresAt)
	assert.Contains(t, res.Payload["qr_code"], "br.gov.bcb.pix")
	assert.Contains(t, res.Payload["qr_code_url"], "data:image/png;base64,")
	assert.Equal(t, models.OrderPending, res.OrderStatus)
	assert.Empty(t, rec.events)

	_, err = p.ProcessPayment(context.Background(), Request{UserID: "user-1", OrderID: order.ID, Method: models.MethodPIX})
	assert.ErrorIs(t, err, ErrDuplicatePaymentAttempt)
}

func TestProcessPayment_PendingCardGetsExpiry(t *testing.T) {
	st := memory.New()
	order := seedOrder(t, st, models.OrderPending, models.PaymentPending)
	p, _ := newTestProcessor(st, reviewGateway{}, fixedSelector{name: "appmax"})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	card := Request{UserID: "user-1", OrderID: order.ID, Method: models.MethodCreditCard, Data: validCard}
	res, err := p.ProcessPayment(context.Background(), card)
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, res.Status)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, now.Add(p.PendingTTL), *res.ExpiresAt)

	_, err = p.ProcessPayment(context.Background(), card)
	assert.ErrorIs(t, err, ErrDuplicatePaymentAttempt)

	// webhook perdu : le balayage libère la commande
	now = now.Add(p.PendingTTL + time.Second)
	n, err := p.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = p.ProcessPayment(context.Background(), card)
	require.NoError(t, err)
}

func TestProcessPayment_WebhookDuringChargeWins(t *testing.T) {
	cases := []struct {
		event       string
		wantTx      models.TxStatus
		wantPayment models.PaymentStatus
	}{
		{"payment.approved", models.TxCompleted, models.PaymentPaid},
		{"payment.declined", models.TxFailed, models.PaymentFailed},
	}
	for _, tc := range cases {
		t.Run(tc.event, func(t *testing.T) {
			st := memory.New()
			order := seedOrder(t, st, models.OrderPending, models.PaymentPending)
			rec := webhooks.NewReconciler(st, nil, nil, nil, testLogger(), webhooks.AppMax{Secret: "whsec_test"})
			p, events := newTestProcessor(st, racingGateway{t: t, rec: rec, event: tc.event}, fixedSelector{name: "appmax"})

			res, err := p.ProcessPayment(context.Background(), Request{
				UserID: "user-1", OrderID: order.ID, Method: models.MethodCreditCard, Data: validCard,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.wantTx, res.Status)
			assert.Equal(t, tc.wantPayment, res.PaymentStatus)
			assert.Empty(t, events.events)

			stored := getOrder(t, st, order.ID)
			assert.Equal(t, tc.wantPayment, stored.PaymentStatus)
			assert.Equal(t, "appmax", stored.Gateway)

			pays := st.Payments(order.ID)
			require.Len(t, pays, 1)
			assert.Equal(t, tc.wantTx, pays[0].Status)
			assert.Equal(t, "ext-1", pays[0].ExternalID)
			assert.JSONEq(t, `{"status":"authorized"}`, string(pays[0].Details))

			// rien à expirer : la tentative est close
			p.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
			n, err := p.ExpireStale(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Equal(t, tc.wantTx, st.Payments(order.ID)[0].Status)
		})
	}
}

func TestProcessPayment_Boleto(t *testing.T) {
	st := memory.New()
	order := seedOrder(t, st, models.OrderPending, models.PaymentPending)
	p, _ := newTestProcessor(st, NewSimulator(100, nil), fixedSelector{name: SimulatorName})

	res, err := p.ProcessPayment(context.Background(), Request{UserID: "user-1", OrderID: order.ID, Method: models.MethodBoleto})
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, res.Status)
	assert.Len(t, res.Payload["barcode"], 44)
	assert.Len(t, res.Payload["digitable_line"], 47)
}

func TestProcessPayment_GatewayErrorLeavesOrderPending(t *testing.T) {
	st := memory.New()
	order := seedOrder(t, st, models.OrderPending, models.PaymentPending)
	p, rec := newTestProcessor(st, failingGateway{err: errors.New("connection reset")}, fixedSelector{name: "broken"})

	_, err := p.ProcessPayment(context.Background(), Request{
		UserID: "user-1", OrderID: order.ID, Method: models.MethodCreditCard, Data: validCard,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))

	stored := getOrder(t, st, order.ID)
	assert.Equal(t, models.OrderPending, stored.Status)
	assert.Equal(t, models.PaymentPending, stored.PaymentStatus)

	pays := st.Payments(order.ID)
	require.Len(t, pays, 1)
	assert.Equal(t, models.TxFailed, pays[0].Status)
	assert.Contains(t, pays[0].FailureReason, "connection reset")
	assert.Empty(t, rec.events)
}

func TestProcessPayment_Rejections(t *testing.T) {
	st := memory.New()
	paid := seedOrder(t, st, models.OrderConfirmed, models.PaymentPaid)
	cancelled := seedOrder(t, st, models.OrderCancelled, models.PaymentCancelled)
	pending := seedOrder(t, st, models.OrderPending, models.PaymentPending)
	p, _ := newTestProcessor(st, NewSimulator(100, nil), fixedSelector{name: SimulatorName})
	ctx := context.Background()

	_, err := p.ProcessPayment(ctx, Request{UserID: "user-1", OrderID: paid.ID, Method: models.MethodPIX})
	assert.Equal(t, "order_already_paid", code(err))

	_, err = p.ProcessPayment(ctx, Request{UserID: "user-1", OrderID: cancelled.ID, Method: models.MethodPIX})
	assert.Equal(t, "order_not_payable", code(err))

	_, err = p.ProcessPayment(ctx, Request{UserID: "someone-else", OrderID: pending.ID, Method: models.MethodPIX})
	assert.Equal(t, "order_not_found", code(err))
	assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))

	_, err = p.ProcessPayment(ctx, Request{UserID: "user-1", OrderID: uuid.New(), Method: models.MethodPIX})
	assert.Equal(t, "order_not_found", code(err))

	_, err = p.ProcessPayment(ctx, Request{UserID: "user-1", OrderID: pending.ID, Method: "cash"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = p.ProcessPayment(ctx, Request{
		UserID: "user-1", OrderID: pending.ID, Method: models.MethodDebitCard,
		Data: json.RawMessage(`{"token":"tok_x","installments":2}`),
	})
	assert.Equal(t, "invalid_installments", code(err))
	assert.Empty(t, st.Payments(pending.ID))
}

func TestProcessPayment_NoGateway(t *testing.T) {
	st := memory.New()
	order := seedOrder(t, st, models.OrderPending, models.PaymentPending)
	p, _ := newTestProcessor(st, NewSimulator(100, nil), fixedSelector{err: gateway.ErrNoGateway})

	_, err := p.ProcessPayment(context.Background(), Request{UserID: "user-1", OrderID: order.ID, Method: models.MethodPIX})
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))
	assert.Empty(t, st.Payments(order.ID))
}

func TestExpireStale(t *testing.T) {
	st := memory.New()
	order := seedOrder(t, st, models.OrderPending, models.PaymentPending)
	p, rec := newTestProcessor(st, NewSimulator(100, nil), fixedSelector{name: SimulatorName})
	now := time.Now()
	p.now = func() time.Time { return now }

	_, err := p.ProcessPayment(context.Background(), Request{UserID: "user-1", OrderID: order.ID, Method: models.MethodPIX})
	require.NoError(t, err)

	n, err := p.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(PIXWindow + time.Second)
	n, err = p.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored := getOrder(t, st, order.ID)
	assert.Equal(t, models.OrderPaymentFailed, stored.Status)
	assert.Equal(t, models.PaymentFailed, stored.PaymentStatus)
	assert.Equal(t, models.TxExpired, st.Payments(order.ID)[0].Status)
	require.Len(t, rec.events, 1)

	// la commande redevient payable
	res, err := p.ProcessPayment(context.Background(), Request{
		UserID: "user-1", OrderID: order.ID, Method: models.MethodCreditCard, Data: validCard,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderConfirmed, res.OrderStatus)
}

func TestProcessPayment_StaleReservationIsReplaced(t *testing.T) {
	st := memory.New()
	order := seedOrder(t, st, models.OrderPending, models.PaymentPending)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, q store.Queries) error {
		return q.InsertPayment(ctx, &models.Payment{
			ID: uuid.New(), OrderID: order.ID, Gateway: SimulatorName, Method: models.MethodPIX,
			Status: models.TxProcessing, Amount: order.Total, ExpiresAt: &past, CreatedAt: past.Add(-time.Minute),
		})
	}))
	p, _ := newTestProcessor(st, NewSimulator(100, nil), fixedSelector{name: SimulatorName})

	_, err := p.ProcessPayment(context.Background(), Request{UserID: "user-1", OrderID: order.ID, Method: models.MethodPIX})
	require.NoError(t, err)

	statuses := map[models.TxStatus]int{}
	for _, pay := range st.Payments(order.ID) {
		statuses[pay.Status]++
	}
	assert.Equal(t, map[models.TxStatus]int{models.TxExpired: 1, models.TxPending: 1}, statuses)
}

func code(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
