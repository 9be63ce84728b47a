// Package store définit le contrat transactionnel du stockage principal.
// Toute lecture ou écriture passe par WithTx : une implémentation doit
// garantir que fn voit un état isolé et que rien n'est persisté si fn
// échoue ou si le contexte expire.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/models"
)

var (
	ErrNotFound             = errors.New("store: not found")
	ErrDuplicateOrderNumber = errors.New("store: duplicate order number")
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
}

type Queries interface {
	// Produits. LockProduct pose un verrou de ligne jusqu'à la fin de la transaction.
	LockProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	GetProducts(ctx context.Context, ids []uuid.UUID) ([]models.Product, error)
	// AdjustStock applique delta et borne le résultat à zéro.
	AdjustStock(ctx context.Context, productID uuid.UUID, delta int) (prev, next int, err error)
	InsertStockMovement(ctx context.Context, m *models.StockMovement) error

	LockCoupon(ctx context.Context, code string) (*models.Coupon, error)
	CountCouponUsage(ctx context.Context, couponID uuid.UUID, userID string) (int, error)
	// IncrementCouponUsage renvoie false si la limite d'usage est atteinte.
	IncrementCouponUsage(ctx context.Context, couponID uuid.UUID) (bool, error)
	InsertCouponUsage(ctx context.Context, u *models.CouponUsage) error

	// InsertOrder renvoie ErrDuplicateOrderNumber sans invalider la transaction.
	InsertOrder(ctx context.Context, o *models.Order) error
	InsertOrderItems(ctx context.Context, items []models.OrderItem) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error
	ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error)
	InsertStatusChange(ctx context.Context, h *models.StatusChange) error
	ListStatusChanges(ctx context.Context, orderID uuid.UUID) ([]models.StatusChange, error)

	InsertPayment(ctx context.Context, p *models.Payment) error
	UpdatePayment(ctx context.Context, p *models.Payment) error
	LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	// LockInFlightPayment renvoie la tentative pending/processing la plus récente.
	LockInFlightPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	LockPaymentByExternalID(ctx context.Context, gateway, externalID string) (*models.Payment, error)
	ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)

	ListGatewayConfigs(ctx context.Context) ([]models.GatewayConfigRow, error)

	// RecordWebhookEvent renvoie false si l'événement était déjà enregistré.
	RecordWebhookEvent(ctx context.Context, e *models.WebhookEvent) (bool, error)

	GetUser(ctx context.Context, id string) (*models.User, error)
}
