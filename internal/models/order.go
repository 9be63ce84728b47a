package models

import (
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/money"
)

type OrderStatus string

const (
	OrderPending       OrderStatus = "pending"
	OrderProcessing    OrderStatus = "processing"
	OrderConfirmed     OrderStatus = "confirmed"
	OrderPaymentFailed OrderStatus = "payment_failed"
	OrderShipped       OrderStatus = "shipped"
	OrderDelivered     OrderStatus = "delivered"
	OrderCancelled     OrderStatus = "cancelled"
	OrderRefunded      OrderStatus = "refunded"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderDelivered || s == OrderCancelled || s == OrderRefunded
}

// PaymentStatus est le statut de paiement porté par la commande.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	MethodPIX        PaymentMethod = "pix"
	MethodCreditCard PaymentMethod = "credit_card"
	MethodDebitCard  PaymentMethod = "debit_card"
	MethodBoleto     PaymentMethod = "boleto"
)

var paymentMethods = map[PaymentMethod]bool{
	MethodPIX: true, MethodCreditCard: true, MethodDebitCard: true, MethodBoleto: true,
}

func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	m := PaymentMethod(s)
	return m, paymentMethods[m]
}

func (m PaymentMethod) IsCard() bool {
	return m == MethodCreditCard || m == MethodDebitCard
}

type Address struct {
	Recipient    string `json:"recipient,omitempty"`
	Street       string `json:"street" binding:"required"`
	Number       string `json:"number" binding:"required"`
	Complement   string `json:"complement,omitempty"`
	Neighborhood string `json:"neighborhood" binding:"required"`
	City         string `json:"city" binding:"required"`
	State        string `json:"state" binding:"required"`
	PostalCode   string `json:"postalCode" binding:"required"`
	Phone        string `json:"phone,omitempty"`
}

type Order struct {
	ID              uuid.UUID     `json:"id"`
	OrderNumber     string        `json:"order_number"`
	UserID          string        `json:"user_id"`
	Status          OrderStatus   `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	Subtotal        money.Cents   `json:"subtotal"`
	ShippingCost    money.Cents   `json:"shipping_cost"`
	DiscountAmount  money.Cents   `json:"discount_amount"`
	Total           money.Cents   `json:"total"`
	ShippingAddress Address       `json:"shipping_address"`
	ShippingMethod  string        `json:"shipping_method,omitempty"`
	CouponCode      string        `json:"coupon_code,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	ExternalOrderID string        `json:"external_order_id,omitempty"`
	Gateway         string        `json:"gateway,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// BalanceOK vérifie total == subtotal + frais de port - remise, total >= 0.
func (o *Order) BalanceOK() bool {
	return o.Total >= 0 && o.Total == o.Subtotal+o.ShippingCost-o.DiscountAmount
}

type OrderItem struct {
	ID          uuid.UUID   `json:"id"`
	OrderID     uuid.UUID   `json:"order_id"`
	ProductID   uuid.UUID   `json:"product_id"`
	VariantID   *uuid.UUID  `json:"variant_id,omitempty"`
	SellerID    string      `json:"seller_id"`
	ProductName string      `json:"product_name"`
	Quantity    int         `json:"quantity"`
	UnitPrice   money.Cents `json:"unit_price"`
	LineTotal   money.Cents `json:"line_total"`
	CreatedAt   time.Time   `json:"created_at"`
}

// StatusChange est une ligne de l'historique de statut d'une commande.
type StatusChange struct {
	ID            uuid.UUID     `json:"id"`
	OrderID       uuid.UUID     `json:"order_id"`
	FromStatus    OrderStatus   `json:"from_status,omitempty"`
	ToStatus      OrderStatus   `json:"to_status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Source        string        `json:"source"`
	Note          string        `json:"note,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
