package appmax

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/payment"
)

type fakeAPI struct {
	mu       sync.Mutex
	calls    []string
	bodies   map[string]map[string]any
	payment  string
	failWith int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.URL.Path)
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.bodies[r.URL.Path] = body

	if r.Header.Get("Authorization") != "Bearer key-123" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch r.URL.Path {
	case "/customer":
		_, _ = io.WriteString(w, `{"id":"cus_1"}`)
	case "/order":
		_, _ = io.WriteString(w, `{"id":"ord_9"}`)
	case "/tokenize/card":
		_, _ = io.WriteString(w, `{"token":"tok_am"}`)
	default:
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			_, _ = io.WriteString(w, `{"message":"indisponible"}`)
			return
		}
		_, _ = io.WriteString(w, f.payment)
	}
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	api.bodies = map[string]map[string]any{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := New("key-123", false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.BaseURL = srv.URL
	return c
}

func TestNew_BaseURL(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Equal(t, ProductionURL, New("k", true, log).BaseURL)
	assert.Equal(t, SandboxURL, New("k", false, log).BaseURL)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, models.TxCompleted, MapStatus("approved"))
	assert.Equal(t, models.TxPending, MapStatus("processing"))
	assert.Equal(t, models.TxFailed, MapStatus("declined"))
	assert.Equal(t, models.TxFailed, MapStatus("expired"))
	assert.Equal(t, models.TxRefunded, MapStatus("refunded"))
	assert.Equal(t, models.TxPending, MapStatus("something_new"))
}

func TestCharge_CardTokenizesAndApproves(t *testing.T) {
	api := &fakeAPI{payment: `{"success":true,"payment":{"id":"pay_1","status":"approved"}}`}
	c := newTestClient(t, api)

	res, err := c.Charge(context.Background(), payment.ChargeRequest{
		PaymentID: uuid.New(), OrderID: uuid.New(), OrderNumber: "MP1",
		Method: models.MethodCreditCard, Amount: money.MustParse("85.90"),
		Customer: payment.Customer{Email: "a@b.c"},
		Address:  models.Address{PostalCode: "01310-100"},
		Card: &payment.CardData{Number: "4111111111111111", HolderName: "maria", ExpiryMonth: 3,
			ExpiryYear: 2030, CVV: "123", Installments: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/customer", "/order", "/tokenize/card", "/payment/credit_card"}, api.calls)
	assert.Equal(t, models.TxCompleted, res.Status)
	assert.Equal(t, "pay_1", res.ExternalID)
	assert.Equal(t, "ord_9", res.ExternalOrderID)
	assert.Equal(t, "1111", res.Details["card_last4"])

	pay := api.bodies["/payment/credit_card"]
	assert.Equal(t, float64(8590), pay["amount"])
	assert.Equal(t, float64(2), pay["installments"])
	assert.Equal(t, "ord_9", pay["orderId"])
	assert.Equal(t, map[string]any{"token": "tok_am"}, pay["card"])
	assert.Equal(t, "03/2030", api.bodies["/tokenize/card"]["expiry"])
	assert.Equal(t, "MARIA", api.bodies["/tokenize/card"]["holder"])
	assert.Equal(t, "01310100", api.bodies["/customer"]["address"].(map[string]any)["zipCode"])
}

func TestCharge_PIX(t *testing.T) {
	api := &fakeAPI{payment: `{"success":true,"payment":{"id":"pay_2","status":"pending",
		"pix":{"qrCode":"000201...","qrCodeUrl":"https://qr/x.png"}}}`}
	c := newTestClient(t, api)
	exp := time.Now().Add(payment.PIXWindow)

	res, err := c.Charge(context.Background(), payment.ChargeRequest{
		PaymentID: uuid.New(), OrderID: uuid.New(), Method: models.MethodPIX,
		Amount: money.MustParse("10.00"), ExpiresAt: &exp,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, res.Status)
	assert.Equal(t, "000201...", res.Details["qr_code"])
	assert.Equal(t, &exp, res.ExpiresAt)
	assert.NotContains(t, api.calls, "/tokenize/card")
}

func TestCharge_Declined(t *testing.T) {
	api := &fakeAPI{payment: `{"success":false,"message":"Cartão recusado","payment":{"id":"pay_3","status":"declined"}}`}
	c := newTestClient(t, api)

	res, err := c.Charge(context.Background(), payment.ChargeRequest{
		PaymentID: uuid.New(), OrderID: uuid.New(), Method: models.MethodDebitCard,
		Card: &payment.CardData{Token: "tok_client", Installments: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TxFailed, res.Status)
	assert.Equal(t, "Cartão recusado", res.FailureReason)
	assert.NotContains(t, api.calls, "/tokenize/card")
}

func TestCharge_HTTPError(t *testing.T) {
	api := &fakeAPI{failWith: http.StatusServiceUnavailable}
	c := newTestClient(t, api)

	_, err := c.Charge(context.Background(), payment.ChargeRequest{
		PaymentID: uuid.New(), OrderID: uuid.New(), Method: models.MethodPIX,
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "indisponible", apiErr.Message)
}
