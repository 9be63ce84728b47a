package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/orders"
)

type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// StatusMessage est le message poussé aux clients abonnés à une commande.
type StatusMessage struct {
	Type          string               `json:"type"`
	OrderID       uuid.UUID            `json:"orderId"`
	OrderNumber   string               `json:"orderNumber,omitempty"`
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"paymentStatus"`
	Source        string               `json:"source,omitempty"`
	At            time.Time            `json:"at"`
}

// Hub relaie les changements de statut via Redis pub/sub vers les websockets,
// quelle que soit l'instance qui a traité le changement.
type Hub struct {
	pubsub   PubSub
	upgrader websocket.Upgrader
	log      *slog.Logger

	PingEvery time.Duration
}

func NewHub(ps PubSub, log *slog.Logger) *Hub {
	return &Hub{
		pubsub: ps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:       log,
		PingEvery: 30 * time.Second,
	}
}

func channel(orderID uuid.UUID) string {
	return "order:status:" + orderID.String()
}

func (h *Hub) OnStatusChange(ctx context.Context, ev orders.StatusEvent) {
	payload, _ := json.Marshal(StatusMessage{
		Type: "order_status", OrderID: ev.Order.ID, OrderNumber: ev.Order.OrderNumber,
		Status: ev.Order.Status, PaymentStatus: ev.Order.PaymentStatus, Source: ev.Source, At: ev.At,
	})
	if err := h.pubsub.Publish(ctx, channel(ev.Order.ID), payload); err != nil {
		h.log.Warn("⚠️ publication du statut impossible",
			slog.String("order_id", ev.Order.ID.String()), slog.Any("error", err))
	}
}

// Serve passe la connexion en websocket et y pousse les statuts de la
// commande. L'appelant a déjà vérifié que la commande appartient au client.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, current models.Order) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("❌ upgrade websocket impossible", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	msgs, closeSub, err := h.pubsub.Subscribe(ctx, channel(current.ID))
	if err != nil {
		h.log.Error("abonnement au statut impossible", slog.String("order_id", current.ID.String()), slog.Any("error", err))
		conn.WriteJSON(map[string]string{"type": "error", "message": "flux indisponible"})
		return
	}
	defer closeSub()

	// Lecture : seule façon de détecter la fermeture côté client.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(StatusMessage{
		Type: "connected", OrderID: current.ID, OrderNumber: current.OrderNumber,
		Status: current.Status, PaymentStatus: current.PaymentStatus, At: time.Now(),
	}); err != nil {
		return
	}

	ping := time.NewTicker(h.PingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
