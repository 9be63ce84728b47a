// Package search maintient l'index Elasticsearch des commandes.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/orders"
)

const DefaultIndex = "orders"

// OrderDoc est le document indexé : pas d'adresse complète, seulement la ville.
type OrderDoc struct {
	ID            uuid.UUID            `json:"id"`
	OrderNumber   string               `json:"order_number"`
	UserID        string               `json:"user_id"`
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	Total         money.Cents          `json:"total"`
	CouponCode    string               `json:"coupon_code,omitempty"`
	City          string               `json:"city"`
	State         string               `json:"state"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func docFromOrder(o models.Order) OrderDoc {
	return OrderDoc{
		ID: o.ID, OrderNumber: o.OrderNumber, UserID: o.UserID,
		Status: o.Status, PaymentStatus: o.PaymentStatus, PaymentMethod: o.PaymentMethod,
		Total: o.Total, CouponCode: o.CouponCode,
		City: o.ShippingAddress.City, State: o.ShippingAddress.State,
		CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
}

type OrderIndexer struct {
	client *elasticsearch.Client
	index  string
	log    *slog.Logger
}

func NewOrderIndexer(client *elasticsearch.Client, index string, log *slog.Logger) *OrderIndexer {
	if index == "" {
		index = DefaultIndex
	}
	return &OrderIndexer{client: client, index: index, log: log}
}

func (x *OrderIndexer) IndexOrder(ctx context.Context, o models.Order) error {
	if x.client == nil {
		return errors.New("client Elasticsearch non initialisé")
	}
	data, err := json.Marshal(docFromOrder(o))
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      x.index,
		DocumentID: o.ID.String(),
		Body:       bytes.NewReader(data),
		Refresh:    "false",
	}
	res, err := req.Do(ctx, x.client)
	if err != nil {
		return fmt.Errorf("envoi Elastic: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("Elastic a refusé %s: %s", o.OrderNumber, res.String())
	}
	return nil
}

// OnStatusChange réindexe la commande ; l'index n'est qu'une projection.
func (x *OrderIndexer) OnStatusChange(ctx context.Context, ev orders.StatusEvent) {
	if err := x.IndexOrder(ctx, ev.Order); err != nil {
		x.log.Warn("⚠️ réindexation impossible", slog.String("order_id", ev.Order.ID.String()), slog.Any("error", err))
	}
}

type Query struct {
	UserID string
	Text   string
	Status models.OrderStatus
	Size   int
}

// SearchOrders cherche parmi les commandes d'un utilisateur, les plus récentes d'abord.
func (x *OrderIndexer) SearchOrders(ctx context.Context, q Query) ([]OrderDoc, error) {
	if x.client == nil {
		return nil, errors.New("client Elasticsearch non initialisé")
	}
	if q.Size <= 0 || q.Size > 100 {
		q.Size = 20
	}
	filter := []map[string]any{{"term": map[string]any{"user_id": q.UserID}}}
	if q.Status != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"status": q.Status}})
	}
	boolQuery := map[string]any{"filter": filter}
	if q.Text != "" {
		boolQuery["must"] = []map[string]any{{
			"multi_match": map[string]any{
				"query":  q.Text,
				"fields": []string{"order_number", "coupon_code", "city"},
			},
		}}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"sort":  []map[string]any{{"created_at": map[string]any{"order": "desc"}}},
		"size":  q.Size,
	}); err != nil {
		return nil, fmt.Errorf("encodage requête: %w", err)
	}

	req := esapi.SearchRequest{Index: []string{x.index}, Body: &buf}
	res, err := req.Do(ctx, x.client)
	if err != nil {
		return nil, fmt.Errorf("requête Elastic: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("Elastic: %s", res.String())
	}

	var r struct {
		Hits struct {
			Hits []struct {
				Source OrderDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("décodage JSON: %w", err)
	}
	out := make([]OrderDoc, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}
