package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/validation"
)

// ResolveCustomer находит или создаёт покупателя по нормализованному email.
func (s *Service) ResolveCustomer(ctx context.Context, email string) (*model.Customer, error) {
	email = validation.NormalizeEmail(email)
	if !validation.IsValidEmail(email) {
		return nil, fmt.Errorf("resolve customer: %w", ErrInvalidCheckout)
	}

	return s.repo.UpsertCustomer(ctx, s.newID(), email)
}

// linkIdentity привязывает заказ и все прошлые заказы с тем же email к покупателю.
// Работает только для подтверждённого email: введённый при оформлении адрес ничего не доказывает.
// Условные обновления делают повторный вызов безвредным.
func (s *Service) linkIdentity(ctx context.Context, order *model.Order) error {
	if !order.EmailVerified || !order.HasResolvedEmail() {
		return nil
	}

	customer, err := s.ResolveCustomer(ctx, order.BuyerEmail)
	if err != nil {
		return err
	}

	return s.attachAndBackfill(ctx, order.ID, customer)
}

func (s *Service) attachAndBackfill(ctx context.Context, orderID string, customer *model.Customer) error {
	attached, err := s.repo.AttachCustomer(ctx, orderID, customer.ID)
	if err != nil {
		return fmt.Errorf("attach customer: %w", err)
	}

	linked, err := s.repo.BackfillCustomer(ctx, customer.Email, customer.ID)
	if err != nil {
		return fmt.Errorf("backfill customer: %w", err)
	}

	if attached || linked > 0 {
		s.logger.Debug("customer linked",
			zap.String("order_id", orderID),
			zap.String("customer_id", customer.ID),
			zap.Int64("backfilled", linked))
	}

	return nil
}

// incrementCoupon учитывает использование купона. Вызывается только тем, кто перевёл заказ в COMPLETED.
// Счётчик не превышает max_uses, даже если лимит исчерпали параллельные заказы, оформленные до этого.
func (s *Service) incrementCoupon(ctx context.Context, order *model.Order) {
	if order.CouponID == nil {
		return
	}

	counted, err := s.repo.IncrementCouponUsage(ctx, *order.CouponID)
	if err != nil {
		s.logger.Error("failed to increment coupon usage",
			zap.String("order_id", order.ID),
			zap.Int64("coupon_id", *order.CouponID),
			zap.Error(err))
		return
	}
	if !counted {
		s.logger.Warn("coupon usage limit reached before completion",
			zap.String("order_id", order.ID),
			zap.Int64("coupon_id", *order.CouponID))
	}
}
