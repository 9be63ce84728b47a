package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83/webhook"

	"marketplace_checkout/internal/apperr"
)

var (
	ErrInvalidSignature = apperr.New(apperr.KindAuthentication, "invalid_signature", "Signature du webhook invalide")
	ErrMissingSecret    = apperr.New(apperr.KindConfig, "webhook_secret_missing", "Secret du webhook non configuré")
	ErrEventInFlight    = apperr.New(apperr.KindConflict, "event_in_flight", "Événement déjà en cours de traitement")
)

// Verifier authentifie et décode le corps brut d'une passerelle.
type Verifier interface {
	Gateway() string
	SignatureHeader() string
	Parse(body []byte, signature string) (*Event, error)
}

func malformed(err error) error {
	return apperr.Wrap(apperr.KindValidation, "invalid_payload", "Payload de webhook illisible", err)
}

// AppMax signe le corps brut en HMAC-SHA256, hexadécimal.
type AppMax struct {
	Secret string
}

func (AppMax) Gateway() string         { return "appmax" }
func (AppMax) SignatureHeader() string { return "X-AppMax-Signature" }

type appmaxPayload struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  struct {
		Payment *struct {
			ID       string            `json:"id"`
			Status   string            `json:"status"`
			Reason   string            `json:"reason"`
			Metadata map[string]string `json:"metadata"`
		} `json:"payment"`
	} `json:"data"`
}

func (a AppMax) Parse(body []byte, signature string) (*Event, error) {
	if a.Secret == "" {
		return nil, ErrMissingSecret
	}
	if !validHMAC(body, signature, a.Secret) {
		return nil, ErrInvalidSignature
	}
	var p appmaxPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, malformed(err)
	}
	ev := &Event{ID: p.ID, RawType: p.Event, Type: ParseEventType(p.Event), Payload: body}
	if pay := p.Data.Payment; pay != nil {
		ev.ExternalID = pay.ID
		ev.Reason = pay.Reason
		ev.OrderID = parseOrderID(pay.Metadata["internalOrderId"])
	}
	return ev, nil
}

func validHMAC(body []byte, signature, secret string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign produit la signature attendue par AppMax pour un corps donné.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Stripe délègue la vérification (horodatage + v1) à stripe-go.
type Stripe struct {
	Secret string
}

func (Stripe) Gateway() string         { return "stripe" }
func (Stripe) SignatureHeader() string { return "Stripe-Signature" }

var stripeTypes = map[string]EventType{
	"payment_intent.succeeded":      EventPaymentApproved,
	"payment_intent.payment_failed": EventPaymentDeclined,
	"payment_intent.canceled":       EventPaymentCancelled,
	"charge.refunded":               EventPaymentRefunded,
}

type stripeObject struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	PaymentIntent    string            `json:"payment_intent"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
	} `json:"last_payment_error"`
	CancellationReason string `json:"cancellation_reason"`
}

func (s Stripe) Parse(body []byte, signature string) (*Event, error) {
	if s.Secret == "" {
		return nil, ErrMissingSecret
	}
	se, err := webhook.ConstructEventWithOptions(body, signature, s.Secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	ev := &Event{ID: se.ID, RawType: string(se.Type), Type: stripeTypes[string(se.Type)], Payload: body}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return ev, nil
	}
	var obj stripeObject
	if err := json.Unmarshal(se.Data.Raw, &obj); err != nil {
		return nil, malformed(err)
	}
	ev.ExternalID = obj.ID
	if obj.Object == "charge" {
		ev.ExternalID = obj.PaymentIntent
	}
	ev.OrderID = parseOrderID(obj.Metadata["internal_order_id"])
	switch {
	case obj.LastPaymentError != nil && obj.LastPaymentError.DeclineCode != "":
		ev.Reason = obj.LastPaymentError.DeclineCode
	case obj.LastPaymentError != nil:
		ev.Reason = obj.LastPaymentError.Code
	default:
		ev.Reason = obj.CancellationReason
	}
	return ev, nil
}
