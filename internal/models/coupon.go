package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace_checkout/internal/money"
)

type CouponType string

const (
	CouponPercentage   CouponType = "percentage"
	CouponFixed        CouponType = "fixed"
	CouponFreeShipping CouponType = "free_shipping"
)

type Coupon struct {
	ID                uuid.UUID       `json:"id"`
	Code              string          `json:"code"`
	Type              CouponType      `json:"type"`
	Value             decimal.Decimal `json:"value"` // % pour percentage, montant pour fixed
	MinimumOrderValue money.Cents     `json:"minimum_order_value"`
	MaxDiscount       *money.Cents    `json:"max_discount,omitempty"`
	UsageLimit        int             `json:"usage_limit"` // 0 = illimité
	UsedCount         int             `json:"used_count"`
	MaxUsesPerUser    int             `json:"max_uses_per_user"`
	StartsAt          *time.Time      `json:"starts_at,omitempty"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	IsActive          bool            `json:"is_active"`
}

func (c *Coupon) Exhausted() bool {
	return c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit
}

type CouponUsage struct {
	ID       uuid.UUID `json:"id"`
	CouponID uuid.UUID `json:"coupon_id"`
	UserID   string    `json:"user_id"`
	OrderID  uuid.UUID `json:"order_id"`
	UsedAt   time.Time `json:"used_at"`
}
