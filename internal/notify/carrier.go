// Package notify prévient l'extérieur des événements de commande :
// transporteur, email de confirmation, flux temps réel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
)

// Carrier poste la commande au webhook du transporteur.
type Carrier struct {
	HTTPClient *http.Client
	URL        string
	log        *slog.Logger
}

func NewCarrier(url string, log *slog.Logger) *Carrier {
	return &Carrier{HTTPClient: &http.Client{Timeout: 10 * time.Second}, URL: url, log: log}
}

type carrierItem struct {
	ProductID uuid.UUID `json:"productId"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity"`
}

type carrierOrder struct {
	OrderID        uuid.UUID      `json:"orderId"`
	OrderNumber    string         `json:"orderNumber"`
	ShippingMethod string         `json:"shippingMethod"`
	ShippingCost   money.Cents    `json:"shippingCost"`
	Address        models.Address `json:"address"`
	Items          []carrierItem  `json:"items"`
}

func (c *Carrier) NotifyOrderCreated(ctx context.Context, order models.Order, items []models.OrderItem) error {
	payload := carrierOrder{
		OrderID: order.ID, OrderNumber: order.OrderNumber, ShippingMethod: order.ShippingMethod,
		ShippingCost: order.ShippingCost, Address: order.ShippingAddress,
	}
	for _, it := range items {
		payload.Items = append(payload.Items, carrierItem{ProductID: it.ProductID, Name: it.ProductName, Quantity: it.Quantity})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encodage commande transporteur: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", order.ID.String())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("appel transporteur: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("transporteur: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	c.log.Info("📦 transporteur notifié", slog.String("order_id", order.ID.String()))
	return nil
}
