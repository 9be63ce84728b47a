package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"

	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/orders"
	"marketplace_checkout/internal/store"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Mailer envoie l'email de confirmation quand une commande passe à payée.
type Mailer struct {
	store store.Store
	from  string
	send  func(ctx context.Context, msg *mail.Msg) error
	log   *slog.Logger
	wg    sync.WaitGroup

	Timeout time.Duration
}

func NewMailer(cfg SMTPConfig, st store.Store, log *slog.Logger) (*Mailer, error) {
	opts := []mail.Option{mail.WithPort(cfg.Port), mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("client SMTP: %w", err)
	}
	m := newMailer(cfg.From, st, log)
	m.send = func(ctx context.Context, msg *mail.Msg) error {
		return client.DialAndSendWithContext(ctx, msg)
	}
	return m, nil
}

func newMailer(from string, st store.Store, log *slog.Logger) *Mailer {
	return &Mailer{store: st, from: from, log: log, Timeout: 30 * time.Second}
}

// OnStatusChange n'attend pas l'envoi : la réponse HTTP n'en dépend pas.
func (m *Mailer) OnStatusChange(ctx context.Context, ev orders.StatusEvent) {
	if !ev.BecamePaid() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.Timeout)
		defer cancel()
		if err := m.SendConfirmation(ctx, ev.Order); err != nil {
			m.log.Error("❌ email de confirmation non envoyé",
				slog.String("order_id", ev.Order.ID.String()), slog.Any("error", err))
		}
	}()
}

func (m *Mailer) Wait() { m.wg.Wait() }

func (m *Mailer) SendConfirmation(ctx context.Context, order models.Order) error {
	var (
		user  *models.User
		items []models.OrderItem
	)
	err := m.store.WithTx(ctx, func(ctx context.Context, q store.Queries) error {
		var err error
		if user, err = q.GetUser(ctx, order.UserID); err != nil {
			return err
		}
		items, err = q.ListOrderItems(ctx, order.ID)
		return err
	})
	if err != nil {
		return err
	}
	if user.Email == "" {
		return fmt.Errorf("utilisateur %s sans email", order.UserID)
	}

	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return err
	}
	if err := msg.To(user.Email); err != nil {
		return err
	}
	msg.Subject("Pedido " + order.OrderNumber + " confirmado")
	msg.SetBodyString(mail.TypeTextHTML, ConfirmationHTML(order, items))

	m.log.Info("📤 envoi de l'e-mail de confirmation", slog.String("order_id", order.ID.String()))
	return m.send(ctx, msg)
}

// ConfirmationHTML génère le corps de l'email de confirmation.
func ConfirmationHTML(order models.Order, items []models.OrderItem) string {
	var rows strings.Builder
	for _, it := range items {
		fmt.Fprintf(&rows, `
			<tr>
				<td style="padding: 8px; border: 1px solid #ddd;">%s</td>
				<td style="padding: 8px; border: 1px solid #ddd;">%d</td>
				<td style="padding: 8px; border: 1px solid #ddd;">R$ %s</td>
				<td style="padding: 8px; border: 1px solid #ddd;">R$ %s</td>
			</tr>`, html.EscapeString(it.ProductName), it.Quantity, it.UnitPrice, it.LineTotal)
	}

	discount := ""
	if order.DiscountAmount > 0 {
		discount = fmt.Sprintf(`<p>Desconto%s : - R$ %s</p>`, couponSuffix(order.CouponCode), order.DiscountAmount)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="UTF-8"><title>Pedido confirmado</title></head>
<body style="font-family: Arial, sans-serif; background-color: #f9f9f9; padding: 20px;">
	<div style="max-width: 600px; margin: auto; background-color: white; padding: 20px; border-radius: 10px;">
		<h2 style="color: #333;">Pedido %s confirmado</h2>
		<p>Recebemos o seu pagamento.</p>
		<table style="width: 100%%; border-collapse: collapse; margin: 20px 0;">
			<thead>
				<tr style="background-color: #f0f0f0;">
					<th style="padding: 8px; text-align: left;">Produto</th>
					<th style="padding: 8px; text-align: left;">Qtd</th>
					<th style="padding: 8px; text-align: left;">Unitário</th>
					<th style="padding: 8px; text-align: left;">Total</th>
				</tr>
			</thead>
			<tbody>%s
			</tbody>
		</table>
		<p>Subtotal : R$ %s</p>
		<p>Frete : R$ %s</p>
		%s
		<p style="font-weight: bold;">Total : R$ %s</p>
	</div>
</body>
</html>`, html.EscapeString(order.OrderNumber), rows.String(), order.Subtotal, order.ShippingCost, discount, order.Total)
}

func couponSuffix(code string) string {
	if code == "" {
		return ""
	}
	return " (" + html.EscapeString(code) + ")"
}
