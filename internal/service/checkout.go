package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/payment"
	"github.com/mmeshcher/storefront-fulfillment/internal/repository"
	"github.com/mmeshcher/storefront-fulfillment/internal/validation"
)

// CheckoutRequest: запрос покупателя на оформление заказа.
type CheckoutRequest struct {
	StoreID    string
	ProductIDs []string
	// BuyerEmail может быть пустым для платных заказов: его подтвердит платёжная система.
	BuyerEmail string
	CouponCode string
	Provider   model.Provider
}

// CheckoutResult: результат оформления заказа.
type CheckoutResult struct {
	OrderID     string
	Status      model.OrderStatus
	RedirectURL string
}

// CreateCheckout оформляет заказ. Бесплатный заказ сразу завершается без платёжной системы,
// платный создаётся в PENDING и получает сессию у провайдера.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	productIDs := uniqueIDs(req.ProductIDs)
	if req.StoreID == "" || len(productIDs) == 0 {
		return nil, fmt.Errorf("%w: store and products are required", ErrInvalidCheckout)
	}

	email := validation.NormalizeEmail(req.BuyerEmail)
	if email != "" && !validation.IsValidEmail(email) {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidCheckout)
	}

	store, err := s.repo.GetStore(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}

	products, err := s.repo.GetStoreProducts(ctx, store.ID, productIDs)
	if err != nil {
		return nil, err
	}
	if len(products) != len(productIDs) {
		return nil, fmt.Errorf("%w: unknown product", ErrInvalidCheckout)
	}

	var subtotal int64
	for _, p := range products {
		subtotal += p.PriceCents
	}

	order := &model.Order{
		ID:         s.newID(),
		StoreID:    store.ID,
		BuyerEmail: email,
		TotalCents: subtotal,
		Currency:   strings.ToLower(s.opts.Currency),
		Status:     model.OrderStatusPending,
		Provider:   req.Provider,
	}

	if req.CouponCode != "" {
		coupon, err := s.couponFor(ctx, store.ID, req.CouponCode)
		if err != nil {
			return nil, err
		}
		order.CouponID = &coupon.ID
		order.TotalCents = coupon.Apply(subtotal)
	}

	items := make([]model.OrderItem, 0, len(products))
	for _, p := range products {
		items = append(items, model.OrderItem{
			OrderID:              order.ID,
			ProductID:            p.ID,
			PriceCentsAtPurchase: p.PriceCents,
			Title:                p.Title,
			FileCount:            p.FileCount,
		})
	}

	if order.TotalCents == 0 {
		return s.checkoutFree(ctx, order, items)
	}

	provider, ok := s.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotConfigured, req.Provider)
	}

	if order.BuyerEmail == "" {
		order.BuyerEmail = model.UnresolvedEmail
	}
	if err := s.repo.CreatePendingOrder(ctx, order, items); err != nil {
		return nil, err
	}

	sess, err := provider.CreateCheckout(ctx, payment.CheckoutRequest{
		AmountCents: order.TotalCents,
		Currency:    order.Currency,
		Description: checkoutDescription(store, products),
		OrderRef:    order.ID,
		BuyerEmail:  email,
		SuccessURL:  s.providerReturnURL(order),
		CancelURL:   s.opts.PublicURL + "/store/" + url.PathEscape(store.ID),
	})
	if err != nil {
		s.abandon(ctx, order.ID, err)
		return nil, fmt.Errorf("create provider checkout: %w", err)
	}

	if err := s.repo.SetProviderRef(ctx, order.ID, sess.SessionID); err != nil {
		s.abandon(ctx, order.ID, err)
		return nil, err
	}

	s.logger.Info("checkout started",
		zap.String("order_id", order.ID),
		zap.String("provider", string(order.Provider)),
		zap.Int64("total_cents", order.TotalCents))

	return &CheckoutResult{OrderID: order.ID, Status: model.OrderStatusPending, RedirectURL: sess.RedirectURL}, nil
}

func (s *Service) checkoutFree(ctx context.Context, order *model.Order, items []model.OrderItem) (*CheckoutResult, error) {
	if order.BuyerEmail == "" {
		return nil, fmt.Errorf("%w: email is required for free orders", ErrInvalidCheckout)
	}

	// оплаты нет, поэтому лимит купона занимается до создания заказа
	if order.CouponID != nil {
		counted, err := s.repo.IncrementCouponUsage(ctx, *order.CouponID)
		if err != nil {
			return nil, fmt.Errorf("increment coupon usage: %w", err)
		}
		if !counted {
			return nil, ErrCouponExhausted
		}
	}

	order.Provider = model.ProviderFree
	order.Status = model.OrderStatusCompleted
	if err := s.repo.CreateCompletedOrder(ctx, order, items); err != nil {
		return nil, err
	}

	s.metrics.Transition(triggerCheckout, string(model.OrderStatusCompleted))
	s.logger.Info("free order completed", zap.String("order_id", order.ID))

	if err := s.afterCompletion(ctx, triggerCheckout, order.ID); err != nil {
		return nil, err
	}

	return &CheckoutResult{OrderID: order.ID, Status: model.OrderStatusCompleted, RedirectURL: s.successURL(order.ID)}, nil
}

func (s *Service) couponFor(ctx context.Context, storeID, code string) (*model.Coupon, error) {
	if !validation.IsValidCouponCode(code) {
		return nil, ErrInvalidCoupon
	}

	coupon, err := s.repo.GetCouponByCode(ctx, storeID, code)
	if errors.Is(err, repository.ErrCouponNotFound) {
		return nil, ErrInvalidCoupon
	}
	if err != nil {
		return nil, err
	}
	if coupon.Exhausted() {
		return nil, ErrCouponExhausted
	}

	return coupon, nil
}

// abandon переводит заказ в FAILED, если провайдер не открыл сессию.
func (s *Service) abandon(ctx context.Context, orderID string, cause error) {
	s.logger.Warn("checkout abandoned", zap.String("order_id", orderID), zap.Error(cause))
	if err := s.failOrder(context.WithoutCancel(ctx), triggerCheckout, orderID); err != nil {
		s.logger.Error("failed to mark order failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// providerReturnURL: адрес, на который провайдер вернёт покупателя после оплаты.
// Stripe подставляет идентификатор сессии, PayPal дописывает token и PayerID.
func (s *Service) providerReturnURL(order *model.Order) string {
	if order.Provider == model.ProviderPayPal {
		return s.opts.PublicURL + "/api/checkout/paypal/capture?order_id=" + url.QueryEscape(order.ID)
	}
	return s.opts.PublicURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}"
}

func checkoutDescription(store *model.Store, products []model.Product) string {
	if len(products) == 1 {
		return products[0].Title
	}

	titles := make([]string, 0, len(products))
	for _, p := range products {
		titles = append(titles, p.Title)
	}
	desc := store.Name + ": " + strings.Join(titles, ", ")
	if len(desc) > 127 {
		desc = desc[:124] + "..."
	}
	return desc
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
