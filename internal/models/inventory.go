package models

import (
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/money"
)

// Product est la vue catalogue dont le checkout a besoin (lecture + stock).
type Product struct {
	ID                uuid.UUID     `json:"id"`
	SellerID          string        `json:"seller_id"`
	Name              string        `json:"name"`
	Price             money.Cents   `json:"price"`
	Quantity          int           `json:"quantity"`
	LowStockThreshold int           `json:"low_stock_threshold"`
	IsActive          bool          `json:"is_active"`
	WeightGrams       int           `json:"weight_grams"`
	HeightCm          float64       `json:"height_cm"`
	WidthCm           float64       `json:"width_cm"`
	LengthCm          float64       `json:"length_cm"`
	Shipping          ShippingFlags `json:"shipping"`
}

// ShippingFlags permet à un produit de refuser une modalité.
type ShippingFlags struct {
	Economy bool `json:"economy"`
	Express bool `json:"express"`
	Carrier bool `json:"carrier"`
	Pickup  bool `json:"pickup"`
}

func AllShipping() ShippingFlags {
	return ShippingFlags{Economy: true, Express: true, Carrier: true, Pickup: true}
}

const (
	MovementSale   = "sale"
	MovementCancel = "cancel"
)

type StockMovement struct {
	ID        uuid.UUID  `json:"id"`
	ProductID uuid.UUID  `json:"product_id"`
	Type      string     `json:"type"`
	Quantity  int        `json:"quantity"`
	PrevStock int        `json:"prev_stock"`
	NewStock  int        `json:"new_stock"`
	OrderID   *uuid.UUID `json:"order_id,omitempty"`
	UserID    string     `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
}

type StockAlert struct {
	ProductID    uuid.UUID `json:"product_id"`
	ProductName  string    `json:"product_name"`
	CurrentStock int       `json:"current_stock"`
	Threshold    int       `json:"threshold"`
	AlertType    string    `json:"alert_type"` // "low_stock", "out_of_stock"
}
