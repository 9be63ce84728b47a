package payment

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/big"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"marketplace_checkout/internal/models"
)

const (
	SimulatorName    = "simulator"
	DeclineTestToken = "tok_decline"
)

// Simulator remplace les passerelles hors production. Ses réponses sont
// déterministes : même commande, même décision.
type Simulator struct {
	ApprovalPercent int
	PIXKey          string
	Merchant        string
	City            string
	artifacts       Artifacts
}

func NewSimulator(approvalPercent int, artifacts Artifacts) *Simulator {
	if artifacts == nil {
		artifacts = InlineArtifacts{}
	}
	return &Simulator{
		ApprovalPercent: approvalPercent,
		PIXKey:          "pix@marketplace.local",
		Merchant:        "MARKETPLACE",
		City:            "SAO PAULO",
		artifacts:       artifacts,
	}
}

func (s *Simulator) Name() string { return SimulatorName }

func (s *Simulator) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	externalID := "SIM-" + strings.ToUpper(strings.ReplaceAll(req.PaymentID.String(), "-", "")[:16])
	res := &Result{ExternalID: externalID, Amount: req.Amount, ExpiresAt: req.ExpiresAt}

	switch req.Method {
	case models.MethodCreditCard, models.MethodDebitCard:
		s.card(req, res)
	case models.MethodPIX:
		if err := s.pix(ctx, req, res); err != nil {
			return nil, err
		}
	case models.MethodBoleto:
		s.boleto(req, res)
	default:
		return nil, fmt.Errorf("simulateur: méthode %s non supportée", req.Method)
	}

	raw, _ := json.Marshal(map[string]any{"simulated": true, "id": externalID, "status": res.Status})
	res.Raw = raw
	return res, nil
}

// Approves est exposé pour les tests : décision par hash FNV de la commande.
func (s *Simulator) Approves(req ChargeRequest) bool {
	if req.Card != nil && req.Card.Token == DeclineTestToken {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(req.OrderID.String()))
	return int(h.Sum32()%100) < s.ApprovalPercent
}

func (s *Simulator) card(req ChargeRequest, res *Result) {
	installments := 1
	last4 := ""
	if req.Card != nil {
		installments = req.Card.Installments
		last4 = req.Card.Last4()
	}
	res.ExpiresAt = nil
	res.Details = map[string]any{"installments": installments, "card_last4": last4}
	if s.Approves(req) {
		res.Status = models.TxCompleted
		res.Details["authorization_code"] = res.ExternalID[len(res.ExternalID)-6:]
		return
	}
	res.Status = models.TxFailed
	res.FailureReason = "card_declined"
}

func (s *Simulator) pix(ctx context.Context, req ChargeRequest, res *Result) error {
	payload := BRCode(s.PIXKey, s.Merchant, s.City, req.OrderNumber, req.Amount)
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("génération QR PIX: %w", err)
	}
	url, err := s.artifacts.Publish(ctx, "pix/"+req.OrderNumber+"-"+res.ExternalID+".png", "image/png", png)
	if err != nil {
		return fmt.Errorf("publication QR PIX: %w", err)
	}
	res.Status = models.TxPending
	res.Details = map[string]any{"qr_code": payload, "qr_code_url": url}
	if req.ExpiresAt != nil {
		res.Details["expires_at"] = req.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return nil
}

func (s *Simulator) boleto(req ChargeRequest, res *Result) {
	due := time.Now().AddDate(0, 0, BoletoDueDays)
	if req.ExpiresAt != nil {
		due = *req.ExpiresAt
	}
	barcode, line := BoletoLine("001", due, req.Amount, freeField(req.OrderNumber))
	res.Status = models.TxPending
	res.Details = map[string]any{
		"barcode":        barcode,
		"digitable_line": line,
		"due_date":       due.Format("2006-01-02"),
		"boleto_url":     "https://boleto.simulator.local/" + res.ExternalID,
	}
	if req.Boleto != nil && req.Boleto.Instructions != "" {
		res.Details["instructions"] = req.Boleto.Instructions
	}
}

// freeField dérive 25 chiffres stables du numéro de commande.
func freeField(orderNumber string) string {
	sum := sha256.Sum256([]byte(orderNumber))
	n := new(big.Int).SetBytes(sum[:]).String()
	if len(n) < 25 {
		n = strings.Repeat("0", 25-len(n)) + n
	}
	return n[:25]
}
