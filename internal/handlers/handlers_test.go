package handlers_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace_checkout/internal/gateway"
	"marketplace_checkout/internal/handlers"
	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/orders"
	"marketplace_checkout/internal/payment"
	"marketplace_checkout/internal/routes"
	"marketplace_checkout/internal/shipping"
	"marketplace_checkout/internal/store/memory"
	"marketplace_checkout/internal/webhooks"
)

const webhookSecret = "whsec_test"

func init() { gin.SetMode(gin.TestMode) }

type app struct {
	router *gin.Engine
	st     *memory.Store
}

// fakeAuth remplace le JWT : l'utilisateur vient de X-Test-User.
func fakeAuth(c *gin.Context) {
	user := c.GetHeader("X-Test-User")
	if user == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token manquant", "code": "unauthenticated"})
		return
	}
	c.Set("user_id", user)
	c.Set("role", c.GetHeader("X-Test-Role"))
	c.Next()
}

func newApp(t *testing.T, approvalPct int) *app {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	st.SeedGateway(models.GatewayConfigRow{
		Name: "appmax", IsActive: true, Priority: 10,
		SupportedMethods: json.RawMessage(`["pix","credit_card","debit_card","boleto"]`),
	})
	calc := shipping.NewCalculator(nil, money.MustParse("100.00"))
	registry := gateway.NewRegistry(gateway.StoreSource{Store: st}, payment.SimulatorName, time.Minute, log)
	events := orders.NewListeners(log)

	orch := orders.NewOrchestrator(st, calc, registry, nil, events, orders.Options{
		FlatFee: money.MustParse("15.90"), FreeThreshold: money.MustParse("100.00"),
	}, log)
	proc := payment.NewProcessor(st, registry, payment.NewResolver(true, payment.NewSimulator(approvalPct, nil)), events, log)
	rec := webhooks.NewReconciler(st, nil, nil, events, log, webhooks.AppMax{Secret: webhookSecret})

	h := handlers.New(handlers.Deps{
		Orders: orch, Payments: proc, Shipping: shipping.NewService(calc, st, nil, time.Minute, log),
		Webhooks: rec, Gateways: registry,
	}, log)
	r := gin.New()
	routes.RegisterRoutes(r, h, routes.Guards{Auth: fakeAuth})
	return &app{router: r, st: st}
}

func (a *app) product(price string, qty int) models.Product {
	p := models.Product{
		ID: uuid.New(), SellerID: "seller-1", Name: "Camiseta", Price: money.MustParse(price),
		Quantity: qty, LowStockThreshold: 1, IsActive: true, WeightGrams: 400,
		HeightCm: 5, WidthCm: 20, LengthCm: 30, Shipping: models.AllShipping(),
	}
	a.st.SeedProduct(p)
	return p
}

func (a *app) do(method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func orderBody(p models.Product, qty int, method string, paymentData any) map[string]any {
	body := map[string]any{
		"items": []map[string]any{{"productId": p.ID, "quantity": qty}},
		"shippingAddress": map[string]any{
			"recipient": "Maria Silva", "street": "Av. Paulista", "number": "1000",
			"neighborhood": "Bela Vista", "city": "São Paulo", "state": "SP", "postalCode": "01310-100",
		},
		"paymentMethod": method,
	}
	if paymentData != nil {
		body["paymentData"] = paymentData
	}
	return body
}

type createResp struct {
	Order          models.Order           `json:"order"`
	Totals         orders.Totals          `json:"totals"`
	PaymentGateway string                 `json:"paymentGateway"`
	Payment        *payment.PaymentResult `json:"payment"`
	PaymentError   *struct {
		Code string `json:"code"`
	} `json:"paymentError"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestCreateOrder_WithPIXPayment(t *testing.T) {
	a := newApp(t, 100)
	p := a.product("42.95", 5)

	w := a.do(http.MethodPost, "/orders", "user-1", orderBody(p, 2, "pix", map[string]any{}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	out := decode[createResp](t, w)
	assert.Equal(t, "85.90", out.Totals.Subtotal.String())
	assert.Equal(t, "101.80", out.Totals.Total.String())
	assert.Equal(t, "appmax", out.PaymentGateway)
	assert.Equal(t, "appmax", out.Payment.Gateway)
	require.NotNil(t, out.Payment)
	assert.Equal(t, models.TxPending, out.Payment.Status)
	assert.NotEmpty(t, out.Payment.Payload["qr_code"])
	assert.Nil(t, out.PaymentError)

	w = a.do(http.MethodGet, "/orders/"+out.Order.ID.String(), "user-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/orders/"+out.Order.ID.String(), "user-2", nil).Code)
}

func TestCreateOrder_PaymentFailureStillCreates(t *testing.T) {
	a := newApp(t, 100)
	p := a.product("50.00", 5)

	w := a.do(http.MethodPost, "/orders", "user-1", orderBody(p, 1, "credit_card", map[string]any{"number": "123"}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode[createResp](t, w)
	assert.Nil(t, out.Payment)
	require.NotNil(t, out.PaymentError)
	assert.NotEmpty(t, out.PaymentError.Code)
	assert.Equal(t, models.OrderPending, out.Order.Status)
}

func TestCreateOrder_Errors(t *testing.T) {
	a := newApp(t, 100)
	p := a.product("50.00", 1)

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, "/orders", "", orderBody(p, 1, "pix", nil)).Code)

	w := a.do(http.MethodPost, "/orders", "user-1", []byte(`{"items":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_payload", decode[map[string]string](t, w)["code"])

	w = a.do(http.MethodPost, "/orders", "user-1", orderBody(p, 2, "pix", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "insufficient_stock", decode[map[string]string](t, w)["code"])
}

func TestProcessPayment_DuplicateAttempt(t *testing.T) {
	a := newApp(t, 100)
	p := a.product("50.00", 5)
	out := decode[createResp](t, a.do(http.MethodPost, "/orders", "user-1", orderBody(p, 1, "pix", nil)))

	body := map[string]any{"orderId": out.Order.ID, "method": "pix", "paymentData": map[string]any{}}
	w := a.do(http.MethodPost, "/payments/process", "user-1", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.TxPending, decode[payment.PaymentResult](t, w).Status)

	w = a.do(http.MethodPost, "/payments/process", "user-1", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "payment_in_flight", decode[map[string]string](t, w)["code"])

	// commande inconnue ou d'un autre client : 400, comme les autres refus
	unknown := map[string]any{"orderId": uuid.New(), "method": "pix", "paymentData": map[string]any{}}
	for _, w := range []*httptest.ResponseRecorder{
		a.do(http.MethodPost, "/payments/process", "user-1", unknown),
		a.do(http.MethodPost, "/payments/process", "user-2", body),
	} {
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "order_not_found", decode[map[string]string](t, w)["code"])
	}
}

func TestCancelOrder(t *testing.T) {
	a := newApp(t, 100)
	p := a.product("50.00", 5)
	out := decode[createResp](t, a.do(http.MethodPost, "/orders", "user-1", orderBody(p, 3, "pix", nil)))

	w := a.do(http.MethodPost, "/orders/"+out.Order.ID.String()+"/cancel", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 5, a.st.Product(p.ID).Quantity)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/orders/nope/cancel", "user-1", nil).Code)
}

func TestCalculateShipping(t *testing.T) {
	a := newApp(t, 100)
	p := a.product("50.00", 5)

	w := a.do(http.MethodPost, "/shipping/calculate", "", map[string]any{
		"postalCode": "01310-100", "items": []map[string]any{{"productId": p.ID, "quantity": 1}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	calc := decode[models.ShippingCalculation](t, w)
	assert.NotEmpty(t, calc.Options)
	assert.Equal(t, "01310100", calc.Info.PostalCode)

	w = a.do(http.MethodPost, "/shipping/calculate", "", map[string]any{"postalCode": "01310-100"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook(t *testing.T) {
	a := newApp(t, 100)
	p := a.product("50.00", 5)
	out := decode[createResp](t, a.do(http.MethodPost, "/orders", "user-1", orderBody(p, 1, "pix", map[string]any{})))
	require.NotNil(t, out.Payment)

	body := []byte(`{"id":"evt_1","event":"payment.approved","data":{"payment":{"id":"` + out.Payment.ExternalID + `","status":"approved"}}}`)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, "/webhooks/appmax", "", body, "X-AppMax-Signature", "00").Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/webhooks/paypal", "", body).Code)

	w := a.do(http.MethodPost, "/webhooks/appmax", "", body, "X-AppMax-Signature", sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, webhooks.OutcomeApplied, decode[webhooks.Ack](t, w).Outcome)

	w = a.do(http.MethodPost, "/webhooks/appmax", "", body, "X-AppMax-Signature", sig)
	assert.Equal(t, webhooks.OutcomeDuplicate, decode[webhooks.Ack](t, w).Outcome)

	details := decode[orders.Details](t, a.do(http.MethodGet, "/orders/"+out.Order.ID.String(), "user-1", nil))
	assert.Equal(t, models.PaymentPaid, details.Order.PaymentStatus)
	assert.Equal(t, models.OrderProcessing, details.Order.Status)
}

func TestAdminRoutes(t *testing.T) {
	a := newApp(t, 100)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPost, "/admin/payments/expire", "user-1", nil).Code)

	w := a.do(http.MethodPost, "/admin/payments/expire", "root", nil, "X-Test-Role", "admin")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, w)["expired"])
}
