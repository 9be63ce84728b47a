package shipping

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/apperr"
	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/store"
)

// QuoteCache est un cache clé/valeur avec TTL (Redis en production).
type QuoteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

type QuoteItem struct {
	ProductID uuid.UUID `json:"productId" binding:"required"`
	Quantity  int       `json:"quantity" binding:"required,min=1"`
}

type QuoteRequest struct {
	PostalCode string      `json:"postalCode" binding:"required"`
	Items      []QuoteItem `json:"items" binding:"required,min=1,dive"`
	SellerID   string      `json:"sellerId"`
}

// Service charge les fiches produit et met en cache les devis.
type Service struct {
	calc     *Calculator
	store    store.Store
	cache    QuoteCache
	CacheTTL time.Duration
	log      *slog.Logger
}

func NewService(calc *Calculator, st store.Store, cache QuoteCache, ttl time.Duration, log *slog.Logger) *Service {
	return &Service{calc: calc, store: st, cache: cache, CacheTTL: ttl, log: log}
}

func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*models.ShippingCalculation, error) {
	cep, err := CleanPostalCode(req.PostalCode)
	if err != nil {
		return nil, err
	}
	req.PostalCode = cep

	key := quoteKey(req)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var cached models.ShippingCalculation
			if json.Unmarshal(raw, &cached) == nil {
				return &cached, nil
			}
		}
	}

	ids := make([]uuid.UUID, 0, len(req.Items))
	for _, it := range req.Items {
		ids = append(ids, it.ProductID)
	}
	var products []models.Product
	err = s.store.WithTx(ctx, func(ctx context.Context, q store.Queries) error {
		products, err = q.GetProducts(ctx, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chargement produits: %w", err)
	}
	byID := make(map[uuid.UUID]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	items := make([]Item, 0, len(req.Items))
	for _, it := range req.Items {
		p, ok := byID[it.ProductID]
		if !ok || !p.IsActive {
			return nil, apperr.Business("product_unavailable", fmt.Sprintf("Produit %s indisponible", it.ProductID))
		}
		items = append(items, ItemFromProduct(p, it.Quantity))
	}

	calc, err := s.calc.Calculate(Request{PostalCode: cep, Items: items, SellerID: req.SellerID})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(calc); err == nil {
			s.cache.Set(ctx, key, raw, s.CacheTTL)
		}
	}
	s.log.Debug("devis de livraison calculé",
		slog.String("cep", cep), slog.Int("options", len(calc.Options)), slog.String("zone", calc.Info.Zone))
	return calc, nil
}

func quoteKey(req QuoteRequest) string {
	items := append([]QuoteItem(nil), req.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID.String() < items[j].ProductID.String() })

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", req.PostalCode, req.SellerID)
	for _, it := range items {
		fmt.Fprintf(h, "|%s:%d", it.ProductID, it.Quantity)
	}
	return "shipping:quote:" + hex.EncodeToString(h.Sum(nil))
}
