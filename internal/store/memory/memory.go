// Package memory est une implémentation en mémoire de store.Store.
// Les transactions sont sérialisées par un mutex global et travaillent
// sur une copie de l'état, remplacée au commit.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/store"
)

// Hook est appelé avant chaque opération ; une erreur fait échouer l'opération.
type Hook func(ctx context.Context, op string) error

type Store struct {
	mu   sync.Mutex
	st   *state
	hook Hook
}

type state struct {
	products  map[uuid.UUID]models.Product
	movements []models.StockMovement
	coupons   map[string]models.Coupon // clé: code
	usages    []models.CouponUsage
	orders    map[uuid.UUID]models.Order
	numbers   map[string]uuid.UUID
	items     []models.OrderItem
	history   []models.StatusChange
	payments  map[uuid.UUID]models.Payment
	gateways  []models.GatewayConfigRow
	events    map[string]models.WebhookEvent // clé: gateway/event_id
	users     map[string]models.User
}

func New() *Store {
	return &Store{st: &state{
		products: map[uuid.UUID]models.Product{},
		coupons:  map[string]models.Coupon{},
		orders:   map[uuid.UUID]models.Order{},
		numbers:  map[string]uuid.UUID{},
		payments: map[uuid.UUID]models.Payment{},
		events:   map[string]models.WebhookEvent{},
		users:    map[string]models.User{},
	}}
}

// SetHook installe un hook d'injection de pannes (tests).
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, q store.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{st: s.st.clone(), hook: s.hook}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

func (st *state) clone() *state {
	return &state{
		products:  maps.Clone(st.products),
		movements: slices.Clone(st.movements),
		coupons:   maps.Clone(st.coupons),
		usages:    slices.Clone(st.usages),
		orders:    maps.Clone(st.orders),
		numbers:   maps.Clone(st.numbers),
		items:     slices.Clone(st.items),
		history:   slices.Clone(st.history),
		payments:  maps.Clone(st.payments),
		gateways:  slices.Clone(st.gateways),
		events:    maps.Clone(st.events),
		users:     maps.Clone(st.users),
	}
}

// Seed* alimentent les données de référence hors transaction.

func (s *Store) SeedProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *Store) SeedCoupon(c models.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.coupons[strings.ToUpper(c.Code)] = c
}

func (s *Store) SeedGateway(g models.GatewayConfigRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.gateways = append(s.st.gateways, g)
}

func (s *Store) SeedUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[u.ID] = u
}

// Snapshot* exposent l'état committé pour les assertions.

func (s *Store) Product(id uuid.UUID) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.products[id]
}

func (s *Store) Coupon(code string) models.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.coupons[strings.ToUpper(code)]
}

func (s *Store) Orders() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.st.orders))
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber < out[j].OrderNumber })
	return out
}

func (s *Store) Payments(orderID uuid.UUID) []models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payment
	for _, p := range s.st.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) WebhookEvents() []models.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(maps.Values(s.st.events))
}

func (s *Store) StockMovements() []models.StockMovement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.movements)
}

type txn struct {
	st   *state
	hook Hook
}

func (t *txn) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.hook != nil {
		return t.hook(ctx, op)
	}
	return nil
}

func (t *txn) LockProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	if err := t.check(ctx, "LockProduct"); err != nil {
		return nil, err
	}
	p, ok := t.st.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *txn) GetProducts(ctx context.Context, ids []uuid.UUID) ([]models.Product, error) {
	if err := t.check(ctx, "GetProducts"); err != nil {
		return nil, err
	}
	var out []models.Product
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *txn) AdjustStock(ctx context.Context, productID uuid.UUID, delta int) (int, int, error) {
	if err := t.check(ctx, "AdjustStock"); err != nil {
		return 0, 0, err
	}
	p, ok := t.st.products[productID]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	prev := p.Quantity
	p.Quantity = max(0, prev+delta)
	t.st.products[productID] = p
	return prev, p.Quantity, nil
}

func (t *txn) InsertStockMovement(ctx context.Context, m *models.StockMovement) error {
	if err := t.check(ctx, "InsertStockMovement"); err != nil {
		return err
	}
	t.st.movements = append(t.st.movements, *m)
	return nil
}

func (t *txn) LockCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	if err := t.check(ctx, "LockCoupon"); err != nil {
		return nil, err
	}
	c, ok := t.st.coupons[strings.ToUpper(code)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (t *txn) CountCouponUsage(ctx context.Context, couponID uuid.UUID, userID string) (int, error) {
	if err := t.check(ctx, "CountCouponUsage"); err != nil {
		return 0, err
	}
	n := 0
	for _, u := range t.st.usages {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (t *txn) IncrementCouponUsage(ctx context.Context, couponID uuid.UUID) (bool, error) {
	if err := t.check(ctx, "IncrementCouponUsage"); err != nil {
		return false, err
	}
	for code, c := range t.st.coupons {
		if c.ID != couponID {
			continue
		}
		if c.Exhausted() {
			return false, nil
		}
		c.UsedCount++
		t.st.coupons[code] = c
		return true, nil
	}
	return false, store.ErrNotFound
}

func (t *txn) InsertCouponUsage(ctx context.Context, u *models.CouponUsage) error {
	if err := t.check(ctx, "InsertCouponUsage"); err != nil {
		return err
	}
	t.st.usages = append(t.st.usages, *u)
	return nil
}

func (t *txn) InsertOrder(ctx context.Context, o *models.Order) error {
	if err := t.check(ctx, "InsertOrder"); err != nil {
		return err
	}
	if _, dup := t.st.numbers[o.OrderNumber]; dup {
		return store.ErrDuplicateOrderNumber
	}
	t.st.orders[o.ID] = *o
	t.st.numbers[o.OrderNumber] = o.ID
	return nil
}

func (t *txn) InsertOrderItems(ctx context.Context, items []models.OrderItem) error {
	if err := t.check(ctx, "InsertOrderItems"); err != nil {
		return err
	}
	t.st.items = append(t.st.items, items...)
	return nil
}

func (t *txn) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if err := t.check(ctx, "GetOrder"); err != nil {
		return nil, err
	}
	o, ok := t.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (t *txn) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if err := t.check(ctx, "LockOrder"); err != nil {
		return nil, err
	}
	o, ok := t.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (t *txn) UpdateOrder(ctx context.Context, o *models.Order) error {
	if err := t.check(ctx, "UpdateOrder"); err != nil {
		return err
	}
	if _, ok := t.st.orders[o.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.orders[o.ID] = *o
	return nil
}

func (t *txn) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	if err := t.check(ctx, "ListOrderItems"); err != nil {
		return nil, err
	}
	var out []models.OrderItem
	for _, it := range t.st.items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (t *txn) InsertStatusChange(ctx context.Context, h *models.StatusChange) error {
	if err := t.check(ctx, "InsertStatusChange"); err != nil {
		return err
	}
	t.st.history = append(t.st.history, *h)
	return nil
}

func (t *txn) ListStatusChanges(ctx context.Context, orderID uuid.UUID) ([]models.StatusChange, error) {
	if err := t.check(ctx, "ListStatusChanges"); err != nil {
		return nil, err
	}
	var out []models.StatusChange
	for _, h := range t.st.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (t *txn) InsertPayment(ctx context.Context, p *models.Payment) error {
	if err := t.check(ctx, "InsertPayment"); err != nil {
		return err
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *txn) UpdatePayment(ctx context.Context, p *models.Payment) error {
	if err := t.check(ctx, "UpdatePayment"); err != nil {
		return err
	}
	if _, ok := t.st.payments[p.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *txn) LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	if err := t.check(ctx, "LockPayment"); err != nil {
		return nil, err
	}
	p, ok := t.st.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *txn) LockInFlightPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	if err := t.check(ctx, "LockInFlightPayment"); err != nil {
		return nil, err
	}
	var found *models.Payment
	for _, p := range t.st.payments {
		if p.OrderID != orderID || !p.Status.InFlight() {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			p := p
			found = &p
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (t *txn) LockPaymentByExternalID(ctx context.Context, gateway, externalID string) (*models.Payment, error) {
	if err := t.check(ctx, "LockPaymentByExternalID"); err != nil {
		return nil, err
	}
	for _, p := range t.st.payments {
		if p.Gateway == gateway && p.ExternalID == externalID {
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *txn) ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	if err := t.check(ctx, "ListExpiredPayments"); err != nil {
		return nil, err
	}
	var out []models.Payment
	for _, p := range t.st.payments {
		if p.Expired(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txn) ListGatewayConfigs(ctx context.Context) ([]models.GatewayConfigRow, error) {
	if err := t.check(ctx, "ListGatewayConfigs"); err != nil {
		return nil, err
	}
	return slices.Clone(t.st.gateways), nil
}

func (t *txn) RecordWebhookEvent(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	if err := t.check(ctx, "RecordWebhookEvent"); err != nil {
		return false, err
	}
	key := e.Gateway + "/" + e.EventID
	if _, dup := t.st.events[key]; dup {
		return false, nil
	}
	t.st.events[key] = *e
	return true, nil
}

func (t *txn) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := t.check(ctx, "GetUser"); err != nil {
		return nil, err
	}
	u, ok := t.st.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}
