package models

import (
	"marketplace_checkout/internal/money"
)

type ShippingOption struct {
	ID              string      `json:"id"`
	Modality        string      `json:"modality"`
	Name            string      `json:"name"`
	Carrier         string      `json:"carrier"`
	Zone            string      `json:"zone"`
	Price           money.Cents `json:"price"`
	DeliveryDaysMin int         `json:"delivery_days_min"`
	DeliveryDaysMax int         `json:"delivery_days_max"`
	IsFree          bool        `json:"is_free"`
}

type ShippingCalculation struct {
	Options []ShippingOption `json:"options"`
	Info    CalculationInfo  `json:"calculation_info"`
}

type CalculationInfo struct {
	RealWeightKg      float64     `json:"real_weight_kg"`
	CubicWeightKg     float64     `json:"cubic_weight_kg"`
	EffectiveWeightKg float64     `json:"effective_weight_kg"`
	PostalCode        string      `json:"postal_code"`
	State             string      `json:"state"`
	Zone              string      `json:"zone"`
	Region            string      `json:"region"`
	OrderValue        money.Cents `json:"order_value"`
	FreeThreshold     money.Cents `json:"free_threshold"`
	FreeShipping      bool        `json:"free_shipping"`
	ItemCount         int         `json:"item_count"`
}
