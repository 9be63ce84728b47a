// Package shipping calcule les options de livraison d'un panier : zone par
// préfixe de CEP, poids cubé, tarifs par kg, surtaxes et franco de port.
package shipping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace_checkout/internal/apperr"
	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
)

const (
	DefaultWeightGrams = 300
	DefaultHeightCm    = 10
	DefaultWidthCm     = 10
	DefaultLengthCm    = 15
)

var (
	one      = decimal.NewFromInt(1)
	thousand = decimal.NewFromInt(1000)
)

type Item struct {
	ProductID   uuid.UUID
	SellerID    string
	Quantity    int
	UnitPrice   money.Cents
	WeightGrams int
	HeightCm    float64
	WidthCm     float64
	LengthCm    float64
	Allowed     models.ShippingFlags
}

// ItemFromProduct applique les dimensions par défaut aux fiches incomplètes.
func ItemFromProduct(p models.Product, qty int) Item {
	it := Item{
		ProductID:   p.ID,
		SellerID:    p.SellerID,
		Quantity:    qty,
		UnitPrice:   p.Price,
		WeightGrams: p.WeightGrams,
		HeightCm:    p.HeightCm,
		WidthCm:     p.WidthCm,
		LengthCm:    p.LengthCm,
		Allowed:     p.Shipping,
	}
	if it.WeightGrams <= 0 {
		it.WeightGrams = DefaultWeightGrams
	}
	if it.HeightCm <= 0 || it.WidthCm <= 0 || it.LengthCm <= 0 {
		it.HeightCm, it.WidthCm, it.LengthCm = DefaultHeightCm, DefaultWidthCm, DefaultLengthCm
	}
	return it
}

func (it Item) allows(m Modality) bool {
	switch m {
	case Economy:
		return it.Allowed.Economy
	case Express:
		return it.Allowed.Express
	case Carrier:
		return it.Allowed.Carrier
	case Pickup:
		return it.Allowed.Pickup
	}
	return false
}

type Weights struct {
	RealKg      decimal.Decimal
	CubicKg     decimal.Decimal
	EffectiveKg decimal.Decimal
}

// EffectiveWeight : le poids cubé l'emporte dès qu'il dépasse le poids réel.
func EffectiveWeight(items []Item, divisor int64) Weights {
	var grams, volume decimal.Decimal
	for _, it := range items {
		qty := decimal.NewFromInt(int64(it.Quantity))
		grams = grams.Add(decimal.NewFromInt(int64(it.WeightGrams)).Mul(qty))
		volume = volume.Add(decimal.NewFromFloat(it.HeightCm).
			Mul(decimal.NewFromFloat(it.WidthCm)).
			Mul(decimal.NewFromFloat(it.LengthCm)).
			Mul(qty))
	}
	w := Weights{
		RealKg:  grams.Div(thousand),
		CubicKg: volume.Div(decimal.NewFromInt(divisor)),
	}
	w.EffectiveKg = decimal.Max(w.RealKg, w.CubicKg)
	return w
}

// CleanPostalCode ne garde que les chiffres ; un CEP valide en a 8.
func CleanPostalCode(raw string) (string, error) {
	cep := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if len(cep) != 8 {
		return "", apperr.Validation("invalid_postal_code", "CEP invalide : 8 chiffres attendus")
	}
	return cep, nil
}

type Request struct {
	PostalCode string
	Items      []Item
	SellerID   string
}

type Calculator struct {
	tables        *Tables
	freeThreshold money.Cents
}

// NewCalculator : un seuil de franco à zéro désactive la gratuité.
func NewCalculator(tables *Tables, freeThreshold money.Cents) *Calculator {
	if tables == nil {
		tables = DefaultTables()
	}
	return &Calculator{tables: tables, freeThreshold: freeThreshold}
}

func (c *Calculator) FreeThreshold() money.Cents { return c.freeThreshold }

func (c *Calculator) Calculate(req Request) (*models.ShippingCalculation, error) {
	cep, err := CleanPostalCode(req.PostalCode)
	if err != nil {
		return nil, err
	}

	items := req.Items
	if req.SellerID != "" {
		items = items[:0:0]
		for _, it := range req.Items {
			if it.SellerID == req.SellerID {
				items = append(items, it)
			}
		}
	}
	if len(items) == 0 {
		return nil, apperr.Validation("empty_cart", "Aucun article à expédier")
	}

	var orderValue money.Cents
	count := 0
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, apperr.Validation("invalid_quantity", "Quantité invalide")
		}
		orderValue += it.UnitPrice * money.Cents(it.Quantity)
		count += it.Quantity
	}

	state, zone := c.tables.Resolve(cep)
	free := c.freeThreshold > 0 && orderValue >= c.freeThreshold

	var options []models.ShippingOption
	for _, spec := range c.tables.Modalities {
		if !allAllow(items, spec.Modality) {
			continue
		}
		rate, ok := c.tables.Rate(zone.ID, spec.Modality)
		if !ok {
			if spec.RateRequired {
				continue
			}
			rate = c.tables.Fallback
		}

		price := c.price(spec, rate, EffectiveWeight(items, spec.Transport.CubicDivisor()).EffectiveKg)
		if free {
			price = 0
		} else {
			price = money.Max(price, spec.MinPrice)
		}

		options = append(options, models.ShippingOption{
			ID:              fmt.Sprintf("%s-%s", spec.Modality, zone.ID),
			Modality:        string(spec.Modality),
			Name:            spec.Name,
			Carrier:         spec.Carrier,
			Zone:            zone.Name,
			Price:           price,
			DeliveryDaysMin: rate.DaysMin,
			DeliveryDaysMax: rate.DaysMax,
			IsFree:          price == 0,
		})
	}

	sort.SliceStable(options, func(i, j int) bool {
		if options[i].Price != options[j].Price {
			return options[i].Price < options[j].Price
		}
		return options[i].DeliveryDaysMin < options[j].DeliveryDaysMin
	})

	w := EffectiveWeight(items, Road.CubicDivisor())
	return &models.ShippingCalculation{
		Options: options,
		Info: models.CalculationInfo{
			RealWeightKg:      w.RealKg.InexactFloat64(),
			CubicWeightKg:     w.CubicKg.Round(3).InexactFloat64(),
			EffectiveWeightKg: w.EffectiveKg.Round(3).InexactFloat64(),
			PostalCode:        cep,
			State:             state,
			Zone:              zone.Name,
			Region:            zone.Region,
			OrderValue:        orderValue,
			FreeThreshold:     c.freeThreshold,
			FreeShipping:      free,
			ItemCount:         count,
		},
	}, nil
}

// price = base + max(0, poids effectif - 1) × tarif/kg, puis surtaxes.
func (c *Calculator) price(spec ModalitySpec, rate BaseRate, effectiveKg decimal.Decimal) money.Cents {
	if spec.Transport == NoTransport {
		return rate.Base
	}
	extraKg := decimal.Max(decimal.Zero, effectiveKg.Sub(one))
	price := rate.Base + rate.PerKg.MulDecimal(extraKg)

	fees := c.tables.Fees
	gris := money.Max(price.Percent(fees.GRISPercent), fees.GRISMin)
	advalorem := money.Max(price.Percent(fees.AdValoremPercent), fees.AdValoremMin)
	return price + gris + advalorem
}

func allAllow(items []Item, m Modality) bool {
	for _, it := range items {
		if !it.allows(m) {
			return false
		}
	}
	return true
}

// Cheapest renvoie l'option la moins chère, utilisée par le checkout.
func Cheapest(calc *models.ShippingCalculation) (models.ShippingOption, bool) {
	if calc == nil || len(calc.Options) == 0 {
		return models.ShippingOption{}, false
	}
	return calc.Options[0], true
}
