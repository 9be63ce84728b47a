// Package payment pilote une tentative de paiement : réservation, appel de
// la passerelle choisie, puis application du résultat à la commande.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/apperr"
	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
)

// Gateway est la stratégie d'un fournisseur de paiement.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
}

type Customer struct {
	ID       string
	Name     string
	Email    string
	Document string // CPF/CNPJ
	Phone    string
}

type ChargeRequest struct {
	PaymentID   uuid.UUID
	OrderID     uuid.UUID
	OrderNumber string
	Method      models.PaymentMethod
	Amount      money.Cents
	Customer    Customer
	Address     models.Address
	Card        *CardData
	Boleto      *BoletoData
	ExpiresAt   *time.Time // PIX et boleto
}

// Result est la réponse normalisée d'une passerelle.
type Result struct {
	ExternalID      string
	ExternalOrderID string
	Status          models.TxStatus
	Amount          money.Cents
	Details         map[string]any
	Raw             json.RawMessage
	ExpiresAt       *time.Time
	FailureReason   string
}

// Resolver choisit l'implémentation d'une passerelle selon le mode de
// paiement configuré : en mode simulateur, tout nom est servi par le
// simulateur. En mode réel, le simulateur n'est jamais servi.
type Resolver struct {
	simulate  bool
	simulator Gateway
	live      map[string]Gateway
}

func NewResolver(simulate bool, simulator Gateway, live ...Gateway) *Resolver {
	r := &Resolver{simulate: simulate, simulator: simulator, live: map[string]Gateway{}}
	for _, g := range live {
		r.live[g.Name()] = g
	}
	return r
}

func (r *Resolver) Resolve(name string) (Gateway, error) {
	if r.simulate && r.simulator != nil {
		return r.simulator, nil
	}
	if g, ok := r.live[name]; ok {
		return g, nil
	}
	return nil, apperr.Config(fmt.Sprintf("passerelle %q sans implémentation", name), nil)
}
