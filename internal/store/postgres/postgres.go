// Package postgres implémente store.Store sur PostgreSQL (pgx).
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InitSchema crée les tables manquantes.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// WithTx ouvre une transaction READ COMMITTED ; les verrous de ligne
// (FOR UPDATE) assurent la sérialisation sur le stock et les commandes.
// Si ctx expire, pgx annule la requête en cours et la transaction est
// annulée avant le retour.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, q store.Queries) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &queries{db: tx})
	})
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db querier
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Produits ---

const productColumns = `id, seller_id, name, price_cents, quantity, low_stock_threshold, is_active,
	weight_grams, height_cm::float8, width_cm::float8, length_cm::float8,
	shipping_economy, shipping_express, shipping_carrier, shipping_pickup`

func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	err := row.Scan(&p.ID, &p.SellerID, &p.Name, (*int64)(&p.Price), &p.Quantity, &p.LowStockThreshold,
		&p.IsActive, &p.WeightGrams, &p.HeightCm, &p.WidthCm, &p.LengthCm,
		&p.Shipping.Economy, &p.Shipping.Express, &p.Shipping.Carrier, &p.Shipping.Pickup)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) LockProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	p, err := scanProduct(q.db.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id))
	return p, notFound(err)
}

func (q *queries) GetProducts(ctx context.Context, ids []uuid.UUID) ([]models.Product, error) {
	rows, err := q.db.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (q *queries) AdjustStock(ctx context.Context, productID uuid.UUID, delta int) (int, int, error) {
	var prev, next int
	if err := q.db.QueryRow(ctx,
		`SELECT quantity FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&prev); err != nil {
		return 0, 0, notFound(err)
	}
	err := q.db.QueryRow(ctx,
		`UPDATE products SET quantity = GREATEST(0, quantity + $2) WHERE id = $1 RETURNING quantity`,
		productID, delta).Scan(&next)
	return prev, next, err
}

func (q *queries) InsertStockMovement(ctx context.Context, m *models.StockMovement) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO stock_movements (id, product_id, type, quantity, prev_stock, new_stock, order_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ProductID, m.Type, m.Quantity, m.PrevStock, m.NewStock, nullUUID(m.OrderID), m.UserID, m.CreatedAt)
	return err
}

// --- Coupons ---

func (q *queries) LockCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	var (
		c           models.Coupon
		value       string
		maxDiscount *int64
		couponType  string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, code, type, value::text, minimum_order_cents, max_discount_cents, usage_limit, used_count,
		       max_uses_per_user, starts_at, expires_at, is_active
		FROM coupons WHERE code = upper($1) FOR UPDATE`, code).Scan(
		&c.ID, &c.Code, &couponType, &value, (*int64)(&c.MinimumOrderValue), &maxDiscount, &c.UsageLimit,
		&c.UsedCount, &c.MaxUsesPerUser, &c.StartsAt, &c.ExpiresAt, &c.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	c.Type = models.CouponType(couponType)
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("coupon %s: valeur invalide %q: %w", c.Code, value, err)
	}
	if maxDiscount != nil {
		md := money.Cents(*maxDiscount)
		c.MaxDiscount = &md
	}
	return &c, nil
}

func (q *queries) CountCouponUsage(ctx context.Context, couponID uuid.UUID, userID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT count(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`, couponID, userID).Scan(&n)
	return n, err
}

func (q *queries) IncrementCouponUsage(ctx context.Context, couponID uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE coupons SET used_count = used_count + 1
		WHERE id = $1 AND (usage_limit = 0 OR used_count < usage_limit)`, couponID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) InsertCouponUsage(ctx context.Context, u *models.CouponUsage) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO coupon_usages (id, coupon_id, user_id, order_id, used_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.CouponID, u.UserID, u.OrderID, u.UsedAt)
	return err
}

// --- Commandes ---

const orderColumns = `id, order_number, user_id, status, payment_status, payment_method, subtotal_cents,
	shipping_cents, discount_cents, total_cents, shipping_address, shipping_method, coupon_code, notes,
	external_order_id, gateway, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o       models.Order
		address []byte
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, (*string)(&o.Status), (*string)(&o.PaymentStatus),
		(*string)(&o.PaymentMethod), (*int64)(&o.Subtotal), (*int64)(&o.ShippingCost),
		(*int64)(&o.DiscountAmount), (*int64)(&o.Total), &address, &o.ShippingMethod, &o.CouponCode, &o.Notes,
		&o.ExternalOrderID, &o.Gateway, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("commande %s: adresse illisible: %w", o.ID, err)
	}
	return &o, nil
}

func (q *queries) InsertOrder(ctx context.Context, o *models.Order) error {
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (order_number) DO NOTHING`,
		o.ID, o.OrderNumber, o.UserID, string(o.Status), string(o.PaymentStatus), string(o.PaymentMethod),
		int64(o.Subtotal), int64(o.ShippingCost), int64(o.DiscountAmount), int64(o.Total), address,
		o.ShippingMethod, o.CouponCode, o.Notes, o.ExternalOrderID, o.Gateway, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicateOrderNumber
	}
	return nil
}

func (q *queries) InsertOrderItems(ctx context.Context, items []models.OrderItem) error {
	for _, it := range items {
		if _, err := q.db.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, variant_id, seller_id, product_name, quantity,
			                         unit_price_cents, line_total_cents, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			it.ID, it.OrderID, it.ProductID, nullUUID(it.VariantID), it.SellerID, it.ProductName,
			it.Quantity, int64(it.UnitPrice), int64(it.LineTotal), it.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	return o, notFound(err)
}

func (q *queries) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	return o, notFound(err)
}

func (q *queries) UpdateOrder(ctx context.Context, o *models.Order) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE orders SET status = $2, payment_status = $3, payment_method = $4, external_order_id = $5,
		       gateway = $6, updated_at = $7
		WHERE id = $1`,
		o.ID, string(o.Status), string(o.PaymentStatus), string(o.PaymentMethod), o.ExternalOrderID,
		o.Gateway, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, order_id, product_id, variant_id, seller_id, product_name, quantity, unit_price_cents,
		       line_total_cents, created_at
		FROM order_items WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OrderItem
	for rows.Next() {
		var (
			it      models.OrderItem
			variant pgtype.UUID
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &variant, &it.SellerID, &it.ProductName,
			&it.Quantity, (*int64)(&it.UnitPrice), (*int64)(&it.LineTotal), &it.CreatedAt); err != nil {
			return nil, err
		}
		if variant.Valid {
			v := uuid.UUID(variant.Bytes)
			it.VariantID = &v
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (q *queries) InsertStatusChange(ctx context.Context, h *models.StatusChange) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO order_status_history (id, order_id, from_status, to_status, payment_status, source, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.OrderID, string(h.FromStatus), string(h.ToStatus), string(h.PaymentStatus), h.Source, h.Note, h.CreatedAt)
	return err
}

func (q *queries) ListStatusChanges(ctx context.Context, orderID uuid.UUID) ([]models.StatusChange, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, payment_status, source, note, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusChange
	for rows.Next() {
		var h models.StatusChange
		if err := rows.Scan(&h.ID, &h.OrderID, (*string)(&h.FromStatus), (*string)(&h.ToStatus),
			(*string)(&h.PaymentStatus), &h.Source, &h.Note, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Paiements ---

const paymentColumns = `id, order_id, gateway, method, status, amount_cents, external_id, installments,
	details, raw_payload, failure_reason, expires_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var (
		p            models.Payment
		details, raw []byte
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.Gateway, (*string)(&p.Method), (*string)(&p.Status),
		(*int64)(&p.Amount), &p.ExternalID, &p.Installments, &details, &raw, &p.FailureReason,
		&p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Details, p.RawPayload = details, raw
	return &p, nil
}

func jsonOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (q *queries) InsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.OrderID, p.Gateway, string(p.Method), string(p.Status), int64(p.Amount), p.ExternalID,
		p.Installments, jsonOrNil(p.Details), jsonOrNil(p.RawPayload), p.FailureReason, p.ExpiresAt,
		p.CreatedAt, p.UpdatedAt)
	return err
}

func (q *queries) UpdatePayment(ctx context.Context, p *models.Payment) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE payments SET gateway = $2, status = $3, external_id = $4, installments = $5, details = $6,
		       raw_payload = $7, failure_reason = $8, expires_at = $9, updated_at = $10
		WHERE id = $1`,
		p.ID, p.Gateway, string(p.Status), p.ExternalID, p.Installments, jsonOrNil(p.Details),
		jsonOrNil(p.RawPayload), p.FailureReason, p.ExpiresAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	return p, notFound(err)
}

func (q *queries) LockInFlightPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id = $1 AND status IN ('pending', 'processing')
		ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, orderID))
	return p, notFound(err)
}

func (q *queries) LockPaymentByExternalID(ctx context.Context, gateway, externalID string) (*models.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE gateway = $1 AND external_id = $2
		ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, gateway, externalID))
	return p, notFound(err)
}

func (q *queries) ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status IN ('pending', 'processing') AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Passerelles, webhooks, utilisateurs ---

func (q *queries) ListGatewayConfigs(ctx context.Context) ([]models.GatewayConfigRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT name, is_active, supported_methods, min_amount_cents, max_amount_cents, priority
		FROM payment_gateways`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GatewayConfigRow
	for rows.Next() {
		var (
			g              models.GatewayConfigRow
			methods        []byte
			minAmt, maxAmt *int64
		)
		if err := rows.Scan(&g.Name, &g.IsActive, &methods, &minAmt, &maxAmt, &g.Priority); err != nil {
			return nil, err
		}
		g.SupportedMethods = methods
		if minAmt != nil {
			v := money.Cents(*minAmt)
			g.MinAmount = &v
		}
		if maxAmt != nil {
			v := money.Cents(*maxAmt)
			g.MaxAmount = &v
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (q *queries) RecordWebhookEvent(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO webhook_events (id, gateway, event_id, event_type, order_id, payload, signature, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (gateway, event_id) DO NOTHING`,
		e.ID, e.Gateway, e.EventID, e.EventType, nullUUID(e.OrderID), []byte(e.Payload), e.Signature, e.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := q.db.QueryRow(ctx, `SELECT id, email, name FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Email, &u.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func nullUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}
