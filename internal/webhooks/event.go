// Package webhooks réconcilie les notifications asynchrones des passerelles
// avec l'état des commandes et des paiements.
package webhooks

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventType est l'ensemble fermé des événements compris par le réconciliateur.
type EventType int

const (
	EventUnknown EventType = iota
	EventPaymentApproved
	EventPaymentDeclined
	EventPaymentCancelled
	EventPaymentRefunded
	EventPaymentExpired
	EventOrderCreated
	EventOrderUpdated
	EventCustomerCreated
	EventCustomerUpdated
)

var eventNames = map[string]EventType{
	"payment.approved":  EventPaymentApproved,
	"payment.declined":  EventPaymentDeclined,
	"payment.cancelled": EventPaymentCancelled,
	"payment.refunded":  EventPaymentRefunded,
	"payment.expired":   EventPaymentExpired,
	"order.created":     EventOrderCreated,
	"order.updated":     EventOrderUpdated,
	"customer.created":  EventCustomerCreated,
	"customer.updated":  EventCustomerUpdated,
}

func ParseEventType(s string) EventType {
	return eventNames[s]
}

func (t EventType) String() string {
	for name, v := range eventNames {
		if v == t {
			return name
		}
	}
	return "unknown"
}

// IsPayment indique un événement qui porte une transition de paiement.
func (t EventType) IsPayment() bool {
	switch t {
	case EventPaymentApproved, EventPaymentDeclined, EventPaymentCancelled,
		EventPaymentRefunded, EventPaymentExpired:
		return true
	}
	return false
}

// Event est la forme normalisée d'une notification, toutes passerelles confondues.
type Event struct {
	ID      string
	Type    EventType
	RawType string
	// ExternalID est l'identifiant du paiement côté passerelle.
	ExternalID string
	OrderID    *uuid.UUID
	Reason     string
	Payload    json.RawMessage
}

func parseOrderID(raw string) *uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
