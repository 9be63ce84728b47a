package payment

import (
	"encoding/json"
	"strings"
	"time"

	"marketplace_checkout/internal/apperr"
	"marketplace_checkout/internal/models"
)

const (
	PIXWindow      = 15 * time.Minute
	BoletoDueDays  = 7
	MaxInstallment = 12
)

type CardData struct {
	Token        string `json:"token,omitempty"`
	Number       string `json:"number,omitempty"`
	HolderName   string `json:"holderName,omitempty"`
	ExpiryMonth  int    `json:"expiryMonth,omitempty"`
	ExpiryYear   int    `json:"expiryYear,omitempty"`
	CVV          string `json:"cvv,omitempty"`
	Installments int    `json:"installments,omitempty"`
	Document     string `json:"document,omitempty"`
}

// Last4 ne doit jamais renvoyer plus que les 4 derniers chiffres.
func (c *CardData) Last4() string {
	if len(c.Number) < 4 {
		return ""
	}
	return c.Number[len(c.Number)-4:]
}

type BoletoData struct {
	DueDate      string `json:"dueDate,omitempty"` // 2006-01-02
	Instructions string `json:"instructions,omitempty"`
	Document     string `json:"document,omitempty"`
}

type PIXData struct {
	Document string `json:"document,omitempty"`
}

// buildCharge valide les données propres à la méthode et complète req.
func buildCharge(req *ChargeRequest, data json.RawMessage, now time.Time) error {
	switch req.Method {
	case models.MethodPIX:
		var d PIXData
		if err := decode(data, &d); err != nil {
			return err
		}
		if d.Document != "" {
			req.Customer.Document = d.Document
		}
		exp := now.Add(PIXWindow)
		req.ExpiresAt = &exp
		return nil

	case models.MethodCreditCard, models.MethodDebitCard:
		var d CardData
		if err := decode(data, &d); err != nil {
			return err
		}
		if err := validateCard(&d, req.Method, now); err != nil {
			return err
		}
		if d.Document != "" {
			req.Customer.Document = d.Document
		}
		req.Card = &d
		return nil

	case models.MethodBoleto:
		var d BoletoData
		if err := decode(data, &d); err != nil {
			return err
		}
		due := now.AddDate(0, 0, BoletoDueDays)
		if d.DueDate != "" {
			parsed, err := time.ParseInLocation("2006-01-02", d.DueDate, now.Location())
			if err != nil {
				return apperr.Validation("invalid_due_date", "Date d'échéance invalide (AAAA-MM-JJ)")
			}
			if parsed.Before(now) {
				return apperr.Validation("invalid_due_date", "Date d'échéance dans le passé")
			}
			due = parsed.Add(23*time.Hour + 59*time.Minute)
		}
		if d.Document != "" {
			req.Customer.Document = d.Document
		}
		req.Boleto = &d
		req.ExpiresAt = &due
		return nil
	}
	return apperr.Validation("invalid_payment_method", "Méthode de paiement non supportée")
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("invalid_payment_data", "Données de paiement illisibles")
	}
	return nil
}

func validateCard(d *CardData, method models.PaymentMethod, now time.Time) error {
	d.Number = digits(d.Number)
	if d.Token == "" && d.Number == "" {
		return apperr.Validation("card_required", "Token ou numéro de carte requis")
	}
	if d.Token == "" {
		if !luhn(d.Number) {
			return apperr.Validation("invalid_card", "Numéro de carte invalide")
		}
		if d.HolderName == "" {
			return apperr.Validation("invalid_card", "Titulaire de la carte requis")
		}
		if d.ExpiryMonth < 1 || d.ExpiryMonth > 12 || d.ExpiryYear < now.Year() ||
			(d.ExpiryYear == now.Year() && d.ExpiryMonth < int(now.Month())) {
			return apperr.Validation("card_expired", "Carte expirée ou date invalide")
		}
		if n := len(digits(d.CVV)); n < 3 || n > 4 {
			return apperr.Validation("invalid_card", "CVV invalide")
		}
	}

	if d.Installments == 0 {
		d.Installments = 1
	}
	if d.Installments < 1 || d.Installments > MaxInstallment {
		return apperr.Validation("invalid_installments", "Nombre de mensualités invalide (1 à 12)")
	}
	if method == models.MethodDebitCard && d.Installments != 1 {
		return apperr.Validation("invalid_installments", "Le débit ne permet pas de paiement en plusieurs fois")
	}
	return nil
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func luhn(number string) bool {
	if len(number) < 12 || len(number) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
