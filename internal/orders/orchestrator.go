// Package orders porte le cœur transactionnel du checkout : création de
// commande contre le stock, machine à états et annulation.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketplace_checkout/internal/apperr"
	"marketplace_checkout/internal/models"
	"marketplace_checkout/internal/money"
	"marketplace_checkout/internal/shipping"
	"marketplace_checkout/internal/store"
)

const (
	ShippingFlat       = "flat"
	ShippingCalculated = "calculated"

	maxQuantity = 99
	maxLines    = 50
)

// Dispatcher lance les tâches post-commit (transporteur, indexation).
type Dispatcher interface {
	DispatchOrderCreated(ctx context.Context, order models.Order, items []models.OrderItem) error
}

type GatewaySelector interface {
	SelectGateway(ctx context.Context, method models.PaymentMethod, total money.Cents) (string, error)
}

type Options struct {
	ShippingMode      string
	FlatFee           money.Cents
	FreeThreshold     money.Cents
	TxTimeout         time.Duration
	PostCommitTimeout time.Duration
}

type LineItem struct {
	ProductID uuid.UUID  `json:"productId"`
	VariantID *uuid.UUID `json:"variantId,omitempty"`
	Quantity  int        `json:"quantity"`
}

type CreateOrderRequest struct {
	UserID          string               `json:"-"`
	Items           []LineItem           `json:"items"`
	ShippingAddress models.Address       `json:"shippingAddress"`
	PaymentMethod   models.PaymentMethod `json:"paymentMethod"`
	ShippingMethod  string               `json:"shippingMethod,omitempty"`
	CouponCode      string               `json:"couponCode,omitempty"`
	Notes           string               `json:"notes,omitempty"`
	PaymentData     json.RawMessage      `json:"paymentData,omitempty"`
}

type Totals struct {
	Subtotal     money.Cents `json:"subtotal"`
	ShippingCost money.Cents `json:"shippingCost"`
	Discount     money.Cents `json:"discount"`
	Total        money.Cents `json:"total"`
}

type Created struct {
	Order          models.Order           `json:"order"`
	Totals         Totals                 `json:"totals"`
	Items          []models.OrderItem     `json:"items"`
	Shipping       *models.ShippingOption `json:"shipping,omitempty"`
	PaymentGateway string                 `json:"paymentGateway,omitempty"`
}

type Details struct {
	Order   models.Order          `json:"order"`
	Items   []models.OrderItem    `json:"items"`
	History []models.StatusChange `json:"history"`
}

type Orchestrator struct {
	store    store.Store
	calc     *shipping.Calculator
	selector GatewaySelector
	tasks    Dispatcher
	events   Listener
	opts     Options
	log      *slog.Logger

	now       func() time.Time
	newNumber func(time.Time) string
}

func NewOrchestrator(st store.Store, calc *shipping.Calculator, selector GatewaySelector, tasks Dispatcher,
	events Listener, opts Options, log *slog.Logger) *Orchestrator {
	if opts.ShippingMode == "" {
		opts.ShippingMode = ShippingFlat
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 10 * time.Second
	}
	if opts.PostCommitTimeout <= 0 {
		opts.PostCommitTimeout = 8 * time.Second
	}
	return &Orchestrator{
		store:     st,
		calc:      calc,
		selector:  selector,
		tasks:     tasks,
		events:    events,
		opts:      opts,
		log:       log,
		now:       time.Now,
		newNumber: NewOrderNumber,
	}
}

func (o *Orchestrator) PostCommitTimeout() time.Duration { return o.opts.PostCommitTimeout }

// draft regroupe ce que la transaction produit pour l'après-commit.
type draft struct {
	order    models.Order
	items    []models.OrderItem
	shipping *models.ShippingOption
	alerts   []models.StockAlert
}

// CreateOrder crée la commande, ses lignes, le décrément de stock, l'usage
// du coupon et l'historique initial dans une seule transaction bornée par
// TxTimeout. Soit la commande existe, soit rien n'a été écrit.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Created, error) {
	lines, need, err := o.validate(&req)
	if err != nil {
		return nil, err
	}

	txCtx, cancel := context.WithTimeout(ctx, o.opts.TxTimeout)
	defer cancel()

	var d draft
	err = o.store.WithTx(txCtx, func(ctx context.Context, q store.Queries) error {
		d = draft{}
		return o.create(ctx, q, req, lines, need, &d)
	})
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(txCtx.Err(), context.DeadlineExceeded)
		if timedOut && ctx.Err() == nil {
			o.log.Error("⏱️ transaction de commande expirée", slog.String("user_id", req.UserID),
				slog.Duration("timeout", o.opts.TxTimeout))
			return nil, apperr.Timeout("La création de la commande a expiré, aucune commande n'a été créée. Réessayez.", err)
		}
		return nil, err
	}

	log := o.log.With(slog.String("order_id", d.order.ID.String()), slog.String("order_number", d.order.OrderNumber))
	log.Info("🛒 commande créée", slog.String("total", d.order.Total.String()), slog.Int("items", len(d.items)))

	out := &Created{
		Order: d.order,
		Totals: Totals{
			Subtotal:     d.order.Subtotal,
			ShippingCost: d.order.ShippingCost,
			Discount:     d.order.DiscountAmount,
			Total:        d.order.Total,
		},
		Items:    d.items,
		Shipping: d.shipping,
	}
	o.afterCommit(ctx, log, &d, out)
	return out, nil
}

// afterCommit : rien ici ne peut annuler la commande, les échecs sont journalisés.
func (o *Orchestrator) afterCommit(ctx context.Context, log *slog.Logger, d *draft, out *Created) {
	for _, a := range d.alerts {
		log.Warn("📉 stock bas", slog.String("product_id", a.ProductID.String()), slog.String("product", a.ProductName),
			slog.Int("stock", a.CurrentStock), slog.Int("threshold", a.Threshold), slog.String("alert", a.AlertType))
	}

	pcCtx, cancel := context.WithTimeout(ctx, o.opts.PostCommitTimeout)
	defer cancel()

	if o.selector != nil {
		name, err := o.selector.SelectGateway(pcCtx, d.order.PaymentMethod, d.order.Total)
		if err != nil {
			log.Error("sélection de passerelle impossible", slog.Any("error", err))
		} else {
			out.PaymentGateway = name
		}
	}
	if o.tasks != nil {
		if err := o.tasks.DispatchOrderCreated(pcCtx, d.order, d.items); err != nil {
			log.Error("❌ tâches post-commande non lancées", slog.Any("error", err))
		}
	}
	if o.events != nil {
		o.events.OnStatusChange(pcCtx, StatusEvent{Order: d.order, Source: "checkout", At: d.order.CreatedAt})
	}
}

func (o *Orchestrator) validate(req *CreateOrderRequest) ([]LineItem, map[uuid.UUID]int, error) {
	if req.UserID == "" {
		return nil, nil, apperr.Authentication("unauthenticated", "Utilisateur non authentifié")
	}
	if len(req.Items) == 0 {
		return nil, nil, apperr.Validation("empty_cart", "Le panier est vide")
	}
	if len(req.Items) > maxLines {
		return nil, nil, apperr.Validation("too_many_items", fmt.Sprintf("Maximum %d lignes par commande", maxLines))
	}
	for _, it := range req.Items {
		if it.ProductID == uuid.Nil {
			return nil, nil, apperr.Validation("invalid_product", "Produit invalide")
		}
		if it.Quantity < 1 || it.Quantity > maxQuantity {
			return nil, nil, apperr.Validation("invalid_quantity", fmt.Sprintf("Quantité invalide (1 à %d)", maxQuantity))
		}
	}
	if _, ok := models.ParsePaymentMethod(string(req.PaymentMethod)); !ok {
		return nil, nil, apperr.Validation("invalid_payment_method", "Méthode de paiement non supportée")
	}
	if err := validateAddress(&req.ShippingAddress); err != nil {
		return nil, nil, err
	}
	if len(req.Notes) > 500 {
		return nil, nil, apperr.Validation("invalid_notes", "Observations trop longues (500 caractères max)")
	}
	req.CouponCode = NormalizeCouponCode(req.CouponCode)

	lines, need := mergeLines(req.Items)
	return lines, need, nil
}

func validateAddress(a *models.Address) error {
	required := []struct{ field, value string }{
		{"street", a.Street}, {"number", a.Number}, {"neighborhood", a.Neighborhood}, {"city", a.City},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return apperr.Validation("invalid_address", "Adresse incomplète : "+r.field)
		}
	}
	a.State = strings.ToUpper(strings.TrimSpace(a.State))
	if len(a.State) != 2 {
		return apperr.Validation("invalid_address", "UF invalide (2 lettres)")
	}
	cep, err := shipping.CleanPostalCode(a.PostalCode)
	if err != nil {
		return err
	}
	a.PostalCode = cep
	return nil
}

// mergeLines fusionne les lignes identiques (produit + variante) et renvoie
// la quantité totale par produit. Les lignes sont triées par id de produit,
// ordre dans lequel les verrous sont posés.
func mergeLines(items []LineItem) ([]LineItem, map[uuid.UUID]int) {
	type key struct {
		product uuid.UUID
		variant uuid.UUID
	}
	index := map[key]int{}
	need := map[uuid.UUID]int{}
	var lines []LineItem
	for _, it := range items {
		k := key{product: it.ProductID}
		if it.VariantID != nil {
			k.variant = *it.VariantID
		}
		need[it.ProductID] += it.Quantity
		if i, ok := index[k]; ok {
			lines[i].Quantity += it.Quantity
			continue
		}
		index[k] = len(lines)
		lines = append(lines, it)
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].ProductID.String() < lines[j].ProductID.String()
	})
	return lines, need
}

func sortedIDs(need map[uuid.UUID]int) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(need))
	for id := range need {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (o *Orchestrator) create(ctx context.Context, q store.Queries, req CreateOrderRequest, lines []LineItem, need map[uuid.UUID]int, d *draft) error {
	now := o.now()
	ids := sortedIDs(need)

	products := make(map[uuid.UUID]*models.Product, len(ids))
	for _, id := range ids {
		p, err := q.LockProduct(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.Business("product_unavailable", fmt.Sprintf("Produit %s indisponible", id))
		}
		if err != nil {
			return err
		}
		if !p.IsActive {
			return apperr.Business("product_unavailable", fmt.Sprintf("Produit %q indisponible", p.Name))
		}
		if p.Quantity < need[id] {
			return apperr.Business("insufficient_stock",
				fmt.Sprintf("Stock insuffisant pour %q (disponible : %d, demandé : %d)", p.Name, p.Quantity, need[id]))
		}
		products[id] = p
	}

	// prix serveur uniquement
	var subtotal money.Cents
	for _, l := range lines {
		subtotal += products[l.ProductID].Price * money.Cents(l.Quantity)
	}

	shippingCost, option, err := o.shippingCost(req, lines, products, subtotal)
	if err != nil {
		return err
	}

	var (
		coupon   *models.Coupon
		discount money.Cents
	)
	if req.CouponCode != "" {
		coupon, discount, err = applyCoupon(ctx, q, req.CouponCode, req.UserID, subtotal, shippingCost, now)
		if err != nil {
			return err
		}
	}

	order := models.Order{
		ID:              uuid.New(),
		UserID:          req.UserID,
		Status:          models.OrderPending,
		PaymentStatus:   models.PaymentPending,
		PaymentMethod:   req.PaymentMethod,
		Subtotal:        subtotal,
		ShippingCost:    shippingCost,
		DiscountAmount:  discount,
		Total:           subtotal + shippingCost - discount,
		ShippingAddress: req.ShippingAddress,
		ShippingMethod:  "standard",
		CouponCode:      req.CouponCode,
		Notes:           strings.TrimSpace(req.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if option != nil {
		order.ShippingMethod = option.Modality
	}
	if !order.BalanceOK() {
		return apperr.Internal(fmt.Errorf("totaux incohérents: %+v", order))
	}
	if err := o.insertOrder(ctx, q, &order); err != nil {
		return err
	}

	items := make([]models.OrderItem, 0, len(lines))
	for _, l := range lines {
		p := products[l.ProductID]
		items = append(items, models.OrderItem{
			ID:          uuid.New(),
			OrderID:     order.ID,
			ProductID:   p.ID,
			VariantID:   l.VariantID,
			SellerID:    p.SellerID,
			ProductName: p.Name,
			Quantity:    l.Quantity,
			UnitPrice:   p.Price,
			LineTotal:   p.Price * money.Cents(l.Quantity),
			CreatedAt:   now,
		})
	}
	if err := q.InsertOrderItems(ctx, items); err != nil {
		return err
	}

	for _, id := range ids {
		prev, next, err := q.AdjustStock(ctx, id, -need[id])
		if err != nil {
			return err
		}
		if prev < need[id] {
			o.log.Warn("stock borné à zéro", slog.String("product_id", id.String()), slog.Int("prev", prev))
		}
		if err := q.InsertStockMovement(ctx, &models.StockMovement{
			ID: uuid.New(), ProductID: id, Type: models.MovementSale, Quantity: need[id],
			PrevStock: prev, NewStock: next, OrderID: &order.ID, UserID: req.UserID, CreatedAt: now,
		}); err != nil {
			return err
		}
		if p := products[id]; next <= p.LowStockThreshold {
			alert := "low_stock"
			if next == 0 {
				alert = "out_of_stock"
			}
			d.alerts = append(d.alerts, models.StockAlert{
				ProductID: id, ProductName: p.Name, CurrentStock: next, Threshold: p.LowStockThreshold, AlertType: alert,
			})
		}
	}

	if coupon != nil {
		ok, err := q.IncrementCouponUsage(ctx, coupon.ID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Business("coupon_exhausted", "Coupon épuisé")
		}
		if err := q.InsertCouponUsage(ctx, &models.CouponUsage{
			ID: uuid.New(), CouponID: coupon.ID, UserID: req.UserID, OrderID: order.ID, UsedAt: now,
		}); err != nil {
			return err
		}
	}

	if err := q.InsertStatusChange(ctx, &models.StatusChange{
		ID:            uuid.New(),
		OrderID:       order.ID,
		ToStatus:      models.OrderPending,
		PaymentStatus: models.PaymentPending,
		Source:        "checkout",
		Note:          "commande créée",
		CreatedAt:     now,
	}); err != nil {
		return err
	}

	d.order, d.items, d.shipping = order, items, option
	return nil
}

// insertOrder retente une fois avec un nouveau numéro en cas de collision.
func (o *Orchestrator) insertOrder(ctx context.Context, q store.Queries, order *models.Order) error {
	for attempt := 0; attempt < 2; attempt++ {
		order.OrderNumber = o.newNumber(o.now())
		err := q.InsertOrder(ctx, order)
		if !errors.Is(err, store.ErrDuplicateOrderNumber) {
			return err
		}
		o.log.Warn("collision de numéro de commande", slog.String("order_number", order.OrderNumber))
	}
	return apperr.Conflict("order_number_conflict", "Impossible d'attribuer un numéro de commande, réessayez")
}

func (o *Orchestrator) shippingCost(req CreateOrderRequest, lines []LineItem, products map[uuid.UUID]*models.Product, subtotal money.Cents) (money.Cents, *models.ShippingOption, error) {
	if o.opts.ShippingMode != ShippingCalculated || o.calc == nil {
		if o.opts.FreeThreshold > 0 && subtotal >= o.opts.FreeThreshold {
			return 0, nil, nil
		}
		return o.opts.FlatFee, nil, nil
	}

	items := make([]shipping.Item, 0, len(lines))
	for _, l := range lines {
		items = append(items, shipping.ItemFromProduct(*products[l.ProductID], l.Quantity))
	}
	calc, err := o.calc.Calculate(shipping.Request{PostalCode: req.ShippingAddress.PostalCode, Items: items})
	if err != nil {
		return 0, nil, err
	}
	if req.ShippingMethod != "" {
		for _, opt := range calc.Options {
			if opt.Modality == req.ShippingMethod {
				return opt.Price, &opt, nil
			}
		}
		return 0, nil, apperr.Business("shipping_unavailable",
			fmt.Sprintf("Modalité de livraison %q indisponible pour ce panier", req.ShippingMethod))
	}
	opt, ok := shipping.Cheapest(calc)
	if !ok {
		return 0, nil, apperr.Business("shipping_unavailable", "Aucune option de livraison pour ce panier")
	}
	return opt.Price, &opt, nil
}

// GetOrder renvoie la commande, ses lignes et son historique à son propriétaire.
func (o *Orchestrator) GetOrder(ctx context.Context, userID string, id uuid.UUID) (*Details, error) {
	var out Details
	err := o.store.WithTx(ctx, func(ctx context.Context, q store.Queries) error {
		order, err := q.GetOrder(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("order_not_found", "Commande introuvable")
		}
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return apperr.NotFound("order_not_found", "Commande introuvable")
		}
		out.Order = *order
		if out.Items, err = q.ListOrderItems(ctx, id); err != nil {
			return err
		}
		out.History, err = q.ListStatusChanges(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder annule une commande non payée et remet le stock en place.
func (o *Orchestrator) CancelOrder(ctx context.Context, userID string, id uuid.UUID, reason string) (*models.Order, error) {
	var ev StatusEvent
	err := o.store.WithTx(ctx, func(ctx context.Context, q store.Queries) error {
		now := o.now()
		order, err := q.LockOrder(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && order.UserID != userID) {
			return apperr.NotFound("order_not_found", "Commande introuvable")
		}
		if err != nil {
			return err
		}
		if order.PaymentStatus == models.PaymentPaid ||
			(order.Status != models.OrderPending && order.Status != models.OrderPaymentFailed) {
			return apperr.Business("order_not_cancellable",
				fmt.Sprintf("Commande non annulable (statut %s, paiement %s)", order.Status, order.PaymentStatus))
		}

		if pay, err := q.LockInFlightPayment(ctx, id); err == nil {
			pay.Status = models.TxCancelled
			pay.UpdatedAt = now
			if err := q.UpdatePayment(ctx, pay); err != nil {
				return err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := Restock(ctx, q, id, userID, now); err != nil {
			return err
		}

		change := NewChange(order, "customer")
		if err := change.SetStatus(models.OrderCancelled); err != nil {
			return err
		}
		change.SetPaymentStatus(models.PaymentCancelled)
		if reason = strings.TrimSpace(reason); reason != "" {
			change.Note("annulée par le client : %s", reason)
		} else {
			change.Note("annulée par le client")
		}
		if err := change.Save(ctx, q, now); err != nil {
			return err
		}
		ev = change.Event(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("commande annulée", slog.String("order_id", id.String()))
	if o.events != nil {
		o.events.OnStatusChange(ctx, ev)
	}
	return &ev.Order, nil
}

// Restock remet en stock les lignes d'une commande annulée, dans l'ordre des
// ids produit comme à la création.
func Restock(ctx context.Context, q store.Queries, orderID uuid.UUID, userID string, now time.Time) error {
	items, err := q.ListOrderItems(ctx, orderID)
	if err != nil {
		return err
	}
	restock := map[uuid.UUID]int{}
	for _, it := range items {
		restock[it.ProductID] += it.Quantity
	}
	for _, pid := range sortedIDs(restock) {
		prev, next, err := q.AdjustStock(ctx, pid, restock[pid])
		if err != nil {
			return err
		}
		if err := q.InsertStockMovement(ctx, &models.StockMovement{
			ID: uuid.New(), ProductID: pid, Type: models.MovementCancel, Quantity: restock[pid],
			PrevStock: prev, NewStock: next, OrderID: &orderID, UserID: userID, CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}
