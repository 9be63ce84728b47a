package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace_checkout/internal/apperr"
	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/store"
)

var errCouponInvalid = apperr.Business("invalid_coupon", "Coupon invalide ou inactif")

func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// checkCoupon applique les règles d'éligibilité sur un coupon verrouillé.
func checkCoupon(ctx context.Context, q store.Queries, c *models.Coupon, userID string, subtotal money.Cents, now time.Time) error {
	if !c.IsActive {
		return errCouponInvalid
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return apperr.Business("coupon_not_started", "Coupon pas encore valide")
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return apperr.Business("coupon_expired", "Coupon expiré")
	}
	if c.Exhausted() {
		return apperr.Business("coupon_exhausted", "Coupon épuisé")
	}
	if subtotal < c.MinimumOrderValue {
		return apperr.Business("coupon_minimum_not_met",
			fmt.Sprintf("Montant minimum pour ce coupon : R$ %s", c.MinimumOrderValue))
	}
	if c.MaxUsesPerUser > 0 {
		used, err := q.CountCouponUsage(ctx, c.ID, userID)
		if err != nil {
			return err
		}
		if used >= c.MaxUsesPerUser {
			return apperr.Business("coupon_user_limit", "Nombre maximal d'utilisations de ce coupon atteint")
		}
	}
	return nil
}

// CouponDiscount calcule la remise, bornée à subtotal + frais de port.
func CouponDiscount(c *models.Coupon, subtotal, shipping money.Cents) money.Cents {
	var d money.Cents
	switch c.Type {
	case models.CouponPercentage:
		d = subtotal.Percent(c.Value)
		if c.MaxDiscount != nil {
			d = money.Min(d, *c.MaxDiscount)
		}
	case models.CouponFixed:
		d = money.FromDecimal(c.Value)
	case models.CouponFreeShipping:
		d = shipping
	}
	return money.Max(0, money.Min(d, subtotal+shipping))
}

// applyCoupon verrouille le coupon, vérifie ses règles et renvoie la remise.
func applyCoupon(ctx context.Context, q store.Queries, code, userID string, subtotal, shipping money.Cents, now time.Time) (*models.Coupon, money.Cents, error) {
	c, err := q.LockCoupon(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, errCouponInvalid
	}
	if err != nil {
		return nil, 0, err
	}
	if err := checkCoupon(ctx, q, c, userID, subtotal, now); err != nil {
		return nil, 0, err
	}
	return c, CouponDiscount(c, subtotal, shipping), nil
}
