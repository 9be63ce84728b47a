package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/money"
)

// TxStatus est le statut d'une tentative de paiement.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
	TxCancelled  TxStatus = "cancelled"
	TxRefunded   TxStatus = "refunded"
	TxExpired    TxStatus = "expired"
)

func (s TxStatus) InFlight() bool { return s == TxPending || s == TxProcessing }

type Payment struct {
	ID            uuid.UUID       `json:"id"`
	OrderID       uuid.UUID       `json:"order_id"`
	Gateway       string          `json:"gateway"`
	Method        PaymentMethod   `json:"method"`
	Status        TxStatus        `json:"status"`
	Amount        money.Cents     `json:"amount"`
	ExternalID    string          `json:"external_id,omitempty"`
	Installments  int             `json:"installments,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	RawPayload    json.RawMessage `json:"-"`
	FailureReason string          `json:"failure_reason,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Expired indique une tentative en vol dont la fenêtre est dépassée.
func (p *Payment) Expired(now time.Time) bool {
	return p.Status.InFlight() && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// GatewayConfigRow est la ligne brute administrée hors du checkout.
// supported_methods reste brut : il est validé au chargement.
type GatewayConfigRow struct {
	Name             string
	IsActive         bool
	SupportedMethods json.RawMessage
	MinAmount        *money.Cents
	MaxAmount        *money.Cents
	Priority         int
}

type WebhookEvent struct {
	ID          uuid.UUID       `json:"id"`
	Gateway     string          `json:"gateway"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	OrderID     *uuid.UUID      `json:"order_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Signature   string          `json:"signature"`
	ProcessedAt time.Time       `json:"processed_at"`
}

type User struct {
	ID    string `json:"user_id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// WebhookDelivery est la trace d'audit d'une livraison entrante, quelle que
// soit son issue (appliquée, doublon, rejetée, en échec).
type WebhookDelivery struct {
	Gateway    string     `json:"gateway"`
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	OrderID    *uuid.UUID `json:"order_id,omitempty"`
	Outcome    string     `json:"outcome"`
	Error      string     `json:"error,omitempty"`
	Signature  string     `json:"signature"`
	Payload    []byte     `json:"-"`
	ReceivedAt time.Time  `json:"received_at"`
}
