package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
)

// Config est la forme validée d'une ligne payment_gateways.
type Config struct {
	Name             string
	SupportedMethods []models.PaymentMethod
	MinAmount        *money.Cents
	MaxAmount        *money.Cents
	Priority         int
}

func (c Config) Supports(m models.PaymentMethod) bool {
	for _, s := range c.SupportedMethods {
		if s == m {
			return true
		}
	}
	return false
}

// Accepts : bornes incluses, chacune optionnelle.
func (c Config) Accepts(total money.Cents) bool {
	if c.MinAmount != nil && total < *c.MinAmount {
		return false
	}
	if c.MaxAmount != nil && total > *c.MaxAmount {
		return false
	}
	return true
}

// Fautes connues dans les données administrées.
var methodAliases = map[string]models.PaymentMethod{
	"credit_car":      models.MethodCreditCard,
	"creditcard":      models.MethodCreditCard,
	"credit":          models.MethodCreditCard,
	"cartao_credito":  models.MethodCreditCard,
	"card":            models.MethodCreditCard,
	"debit_car":       models.MethodDebitCard,
	"debitcard":       models.MethodDebitCard,
	"debit":           models.MethodDebitCard,
	"cartao_debito":   models.MethodDebitCard,
	"boleto_bancario": models.MethodBoleto,
	"bank_slip":       models.MethodBoleto,
}

var errEmptyMethods = errors.New("supported_methods vide")

// Parse valide une ligne brute. repaired liste les corrections de fautes
// connues appliquées ; toute autre anomalie est une erreur.
func Parse(row models.GatewayConfigRow) (cfg Config, repaired []string, err error) {
	if strings.TrimSpace(row.Name) == "" {
		return Config{}, nil, errors.New("nom de passerelle vide")
	}
	raw, err := decodeMethods(row.SupportedMethods)
	if err != nil {
		return Config{}, nil, fmt.Errorf("passerelle %s: %w", row.Name, err)
	}

	seen := map[models.PaymentMethod]bool{}
	cfg = Config{Name: row.Name, MinAmount: row.MinAmount, MaxAmount: row.MaxAmount, Priority: row.Priority}
	for _, s := range raw {
		key := strings.ToLower(strings.TrimSpace(s))
		m, ok := models.ParsePaymentMethod(key)
		if !ok {
			if m, ok = methodAliases[key]; !ok {
				return Config{}, nil, fmt.Errorf("passerelle %s: méthode inconnue %q", row.Name, s)
			}
			repaired = append(repaired, fmt.Sprintf("%s -> %s", s, m))
		}
		if !seen[m] {
			seen[m] = true
			cfg.SupportedMethods = append(cfg.SupportedMethods, m)
		}
	}
	if len(cfg.SupportedMethods) == 0 {
		return Config{}, nil, fmt.Errorf("passerelle %s: %w", row.Name, errEmptyMethods)
	}

	if cfg.MinAmount != nil && *cfg.MinAmount < 0 {
		return Config{}, nil, fmt.Errorf("passerelle %s: min_amount négatif", row.Name)
	}
	if cfg.MinAmount != nil && cfg.MaxAmount != nil && *cfg.MinAmount > *cfg.MaxAmount {
		return Config{}, nil, fmt.Errorf("passerelle %s: min_amount > max_amount", row.Name)
	}
	return cfg, repaired, nil
}

// decodeMethods accepte un tableau JSON, un tableau JSON encodé dans une
// chaîne, ou une chaîne séparée par des virgules.
func decodeMethods(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errEmptyMethods
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("supported_methods illisible: %s", raw)
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil, fmt.Errorf("supported_methods illisible: %s", raw)
		}
		return list, nil
	}
	return strings.Split(s, ","), nil
}

// Select parcourt les passerelles par priorité décroissante et renvoie la
// première éligible, sinon defaultName. ok est faux si rien ne convient.
func Select(configs []Config, method models.PaymentMethod, total money.Cents, defaultName string) (string, bool) {
	sorted := append([]Config(nil), configs...)
	sortByPriority(sorted)
	for _, c := range sorted {
		if c.Supports(method) && c.Accepts(total) {
			return c.Name, true
		}
	}
	if defaultName != "" {
		return defaultName, true
	}
	return "", false
}

func sortByPriority(cs []Config) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Priority != cs[j].Priority {
			return cs[i].Priority > cs[j].Priority
		}
		return cs[i].Name < cs[j].Name
	})
}
