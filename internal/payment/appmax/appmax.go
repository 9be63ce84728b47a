// Package appmax implémente payment.Gateway sur l'API REST AppMax.
package appmax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/payment"
)

const (
	Name = "appmax"

	ProductionURL = "https://api.appmax.com.br/v1"
	SandboxURL    = "https://homolog.sandboxappmax.com.br/v1"
)

type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	apiKey     string
	log        *slog.Logger
}

func New(apiKey string, production bool, log *slog.Logger) *Client {
	base := SandboxURL
	if production {
		base = ProductionURL
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    base,
		apiKey:     apiKey,
		log:        log,
	}
}

func (c *Client) Name() string { return Name }

// APIError est une réponse non 2xx de l'API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("appmax: HTTP %d: %s", e.Status, e.Message)
}

type address struct {
	Street       string `json:"street"`
	Number       string `json:"number"`
	Complement   string `json:"complement,omitempty"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
	State        string `json:"state"`
	ZipCode      string `json:"zipCode"`
	Country      string `json:"country"`
}

type customer struct {
	ID       string   `json:"id,omitempty"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Document string   `json:"document"`
	Phone    string   `json:"phone,omitempty"`
	Address  *address `json:"address,omitempty"`
}

type order struct {
	ID         string            `json:"id,omitempty"`
	CustomerID string            `json:"customerId"`
	Total      int64             `json:"total"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type cardToken struct {
	Token string `json:"token"`
}

type paymentRequest struct {
	OrderID      string            `json:"orderId"`
	Method       string            `json:"method"`
	Amount       int64             `json:"amount"`
	Installments int               `json:"installments"`
	Card         map[string]string `json:"card,omitempty"`
	PIX          map[string]int    `json:"pix,omitempty"`
	Boleto       map[string]string `json:"boleto,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

type paymentResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Payment struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		PIX    *struct {
			QRCode    string     `json:"qrCode"`
			QRCodeURL string     `json:"qrCodeUrl"`
			ExpiresAt *time.Time `json:"expiresAt"`
		} `json:"pix"`
		Boleto *struct {
			Barcode       string `json:"barcode"`
			DigitableLine string `json:"digitableLine"`
			URL           string `json:"url"`
			DueDate       string `json:"dueDate"`
		} `json:"boleto"`
		Reason string `json:"reason"`
	} `json:"payment"`
}

// MapStatus traduit un statut AppMax ; un statut inconnu reste en attente.
func MapStatus(s string) models.TxStatus {
	switch s {
	case "approved", "paid":
		return models.TxCompleted
	case "declined", "cancelled", "expired":
		return models.TxFailed
	case "refunded":
		return models.TxRefunded
	default:
		return models.TxPending
	}
}

// Charge synchronise le client et le pedido AppMax puis crée le paiement.
func (c *Client) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.Result, error) {
	var cust customer
	err := c.do(ctx, http.MethodPost, "/customer", customer{
		Email:    req.Customer.Email,
		Name:     orDefault(req.Customer.Name, "Nome não informado"),
		Document: req.Customer.Document,
		Phone:    req.Customer.Phone,
		Address: &address{
			Street:       req.Address.Street,
			Number:       orDefault(req.Address.Number, "s/n"),
			Complement:   req.Address.Complement,
			Neighborhood: req.Address.Neighborhood,
			City:         req.Address.City,
			State:        req.Address.State,
			ZipCode:      onlyDigits(req.Address.PostalCode),
			Country:      "BR",
		},
	}, &cust)
	if err != nil {
		return nil, fmt.Errorf("création client: %w", err)
	}

	var ord order
	err = c.do(ctx, http.MethodPost, "/order", order{
		CustomerID: cust.ID,
		Total:      int64(req.Amount),
		Metadata:   map[string]string{"orderId": req.OrderID.String(), "orderNumber": req.OrderNumber},
	}, &ord)
	if err != nil {
		return nil, fmt.Errorf("création pedido: %w", err)
	}

	body := paymentRequest{
		OrderID:      ord.ID,
		Method:       string(req.Method),
		Amount:       int64(req.Amount),
		Installments: 1,
		Metadata:     map[string]string{"internalOrderId": req.OrderID.String(), "paymentId": req.PaymentID.String()},
	}
	switch req.Method {
	case models.MethodCreditCard, models.MethodDebitCard:
		token, err := c.cardToken(ctx, req.Card)
		if err != nil {
			return nil, err
		}
		body.Installments = req.Card.Installments
		body.Card = map[string]string{"token": token}
	case models.MethodPIX:
		expiresIn := int(payment.PIXWindow.Seconds())
		if req.ExpiresAt != nil {
			expiresIn = int(time.Until(*req.ExpiresAt).Seconds())
		}
		body.PIX = map[string]int{"expiresIn": expiresIn}
	case models.MethodBoleto:
		body.Boleto = map[string]string{"dueDate": req.ExpiresAt.Format("2006-01-02")}
		if req.Boleto != nil && req.Boleto.Instructions != "" {
			body.Boleto["instructions"] = req.Boleto.Instructions
		}
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/payment/"+string(req.Method), body, &raw); err != nil {
		return nil, fmt.Errorf("création paiement: %w", err)
	}
	var resp paymentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("appmax: réponse illisible: %w", err)
	}
	return toResult(req, ord.ID, resp, raw), nil
}

func toResult(req payment.ChargeRequest, externalOrderID string, resp paymentResponse, raw json.RawMessage) *payment.Result {
	res := &payment.Result{
		ExternalID:      resp.Payment.ID,
		ExternalOrderID: externalOrderID,
		Status:          MapStatus(resp.Payment.Status),
		Amount:          req.Amount,
		Raw:             raw,
		Details:         map[string]any{},
	}
	if !resp.Success && resp.Payment.Status == "" {
		res.Status = models.TxFailed
	}
	if res.Status == models.TxFailed {
		res.FailureReason = orDefault(resp.Payment.Reason, orDefault(resp.Message, "declined"))
	}

	switch {
	case req.Method.IsCard():
		if req.Card != nil {
			res.Details["installments"] = req.Card.Installments
			res.Details["card_last4"] = req.Card.Last4()
		}
	case resp.Payment.PIX != nil:
		res.Details["qr_code"] = resp.Payment.PIX.QRCode
		res.Details["qr_code_url"] = resp.Payment.PIX.QRCodeURL
		res.ExpiresAt = req.ExpiresAt
		if resp.Payment.PIX.ExpiresAt != nil {
			res.ExpiresAt = resp.Payment.PIX.ExpiresAt
		}
	case resp.Payment.Boleto != nil:
		b := resp.Payment.Boleto
		res.Details["barcode"] = b.Barcode
		res.Details["digitable_line"] = b.DigitableLine
		res.Details["boleto_url"] = b.URL
		res.Details["due_date"] = b.DueDate
		res.ExpiresAt = req.ExpiresAt
	}
	return res
}

// cardToken renvoie le token fourni ou tokenise la carte brute.
func (c *Client) cardToken(ctx context.Context, card *payment.CardData) (string, error) {
	if card == nil {
		return "", fmt.Errorf("appmax: données carte absentes")
	}
	if card.Token != "" {
		return card.Token, nil
	}
	var tok cardToken
	err := c.do(ctx, http.MethodPost, "/tokenize/card", map[string]string{
		"number": card.Number,
		"holder": strings.ToUpper(card.HolderName),
		"expiry": fmt.Sprintf("%02d/%d", card.ExpiryMonth, card.ExpiryYear),
		"cvv":    card.CVV,
	}, &tok)
	if err != nil {
		return "", fmt.Errorf("tokenisation carte: %w", err)
	}
	return tok.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		c.log.Error("❌ erreur API AppMax", slog.String("endpoint", endpoint), slog.Int("status", resp.StatusCode))
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	c.log.Debug("appel AppMax", slog.String("endpoint", endpoint), slog.Int("status", resp.StatusCode))
	return json.Unmarshal(body, out)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func onlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
