package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/orders"
	"marketplace_checkout/internal/store"
	"marketplace_checkout/internal/store/memory"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func paidOrder() models.Order {
	return models.Order{
		ID: uuid.New(), OrderNumber: "MP1700000000000WXYZ", UserID: "user-1",
		Status: models.OrderConfirmed, PaymentStatus: models.PaymentPaid, ShippingMethod: "express",
		Subtotal: money.MustParse("80.00"), ShippingCost: money.MustParse("15.90"),
		DiscountAmount: money.MustParse("10.00"), Total: money.MustParse("85.90"), CouponCode: "10OFF",
		ShippingAddress: models.Address{Street: "Av. Paulista", Number: "1000", City: "São Paulo", State: "SP", PostalCode: "01310100"},
	}
}

func TestCarrierNotify(t *testing.T) {
	order := paidOrder()
	var got carrierOrder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, order.ID.String(), r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewCarrier(srv.URL, testLogger())
	err := c.NotifyOrderCreated(context.Background(), order, []models.OrderItem{{ProductID: uuid.New(), ProductName: "Caneca", Quantity: 2}})
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, got.OrderNumber)
	assert.Equal(t, "express", got.ShippingMethod)
	assert.Equal(t, order.ShippingCost, got.ShippingCost)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 2, got.Items[0].Quantity)
}

func TestCarrierNotify_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "fila cheia", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewCarrier(srv.URL, testLogger()).NotifyOrderCreated(context.Background(), paidOrder(), nil)
	assert.ErrorContains(t, err, "HTTP 503")
	assert.ErrorContains(t, err, "fila cheia")
}

func seededMailer(t *testing.T, order models.Order) (*Mailer, *[]*mail.Msg) {
	t.Helper()
	st := memory.New()
	st.SeedUser(models.User{ID: order.UserID, Email: "ana@example.com"})
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, q store.Queries) error {
		return q.InsertOrderItems(ctx, []models.OrderItem{{
			ID: uuid.New(), OrderID: order.ID, ProductName: "Caneca <azul>", Quantity: 2,
			UnitPrice: money.MustParse("40.00"), LineTotal: money.MustParse("80.00"),
		}})
	}))
	var (
		mu   sync.Mutex
		sent []*mail.Msg
	)
	m := newMailer("loja@example.com", st, testLogger())
	m.send = func(_ context.Context, msg *mail.Msg) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, msg)
		return nil
	}
	return m, &sent
}

func TestMailerSendsOnlyWhenPaid(t *testing.T) {
	order := paidOrder()
	m, sent := seededMailer(t, order)

	m.OnStatusChange(context.Background(), orders.StatusEvent{Order: order, FromPayment: models.PaymentPaid})
	m.Wait()
	assert.Empty(t, *sent)

	m.OnStatusChange(context.Background(), orders.StatusEvent{Order: order, FromPayment: models.PaymentPending})
	m.Wait()
	require.Len(t, *sent, 1)

	var buf bytes.Buffer
	_, err := (*sent)[0].WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "ana@example.com")
	assert.Contains(t, raw, "Pedido MP1700000000000WXYZ confirmado")
}

func TestConfirmationHTML(t *testing.T) {
	order := paidOrder()
	body := ConfirmationHTML(order, []models.OrderItem{{
		ProductName: "Caneca <azul>", Quantity: 2,
		UnitPrice: money.MustParse("40.00"), LineTotal: money.MustParse("80.00"),
	}})
	assert.Contains(t, body, "Caneca &lt;azul&gt;")
	assert.Contains(t, body, "R$ 85.90")
	assert.Contains(t, body, "Desconto (10OFF) : - R$ 10.00")
	assert.Equal(t, 1, strings.Count(body, "<tr>\n"))
}

type memPubSub struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func (p *memPubSub) Publish(_ context.Context, ch string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.subs[ch] {
		c <- payload
	}
	return nil
}

func (p *memPubSub) Subscribe(_ context.Context, ch string) (<-chan []byte, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs == nil {
		p.subs = map[string][]chan []byte{}
	}
	c := make(chan []byte, 8)
	p.subs[ch] = append(p.subs[ch], c)
	return c, func() {}, nil
}

func (p *memPubSub) subscribers(ch string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[ch])
}

func TestHubStreamsStatus(t *testing.T) {
	ps := &memPubSub{}
	hub := NewHub(ps, testLogger())
	order := paidOrder()
	order.Status, order.PaymentStatus = models.OrderPending, models.PaymentPending

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, order)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello StatusMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)
	assert.Equal(t, models.OrderPending, hello.Status)

	require.Eventually(t, func() bool { return ps.subscribers(channel(order.ID)) == 1 }, time.Second, 10*time.Millisecond)

	paid := order
	paid.Status, paid.PaymentStatus = models.OrderProcessing, models.PaymentPaid
	hub.OnStatusChange(context.Background(), orders.StatusEvent{Order: paid, Source: "webhook:appmax", At: time.Now()})

	var update StatusMessage
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "order_status", update.Type)
	assert.Equal(t, models.OrderProcessing, update.Status)
	assert.Equal(t, models.PaymentPaid, update.PaymentStatus)
	assert.Equal(t, "webhook:appmax", update.Source)
}
