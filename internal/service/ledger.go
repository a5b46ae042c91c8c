package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/payment"
	"github.com/mmeshcher/storefront-fulfillment/internal/validation"
)

// Имена триггеров, завершающих заказ.
const (
	triggerWebhook  = "webhook"
	triggerSuccess  = "success_page"
	triggerCapture  = "redirect_capture"
	triggerCheckout = "checkout"
)

// VerifyPayment сверяет подтверждение провайдера с заказом: ссылку на сессию, сумму и валюту.
func VerifyPayment(order *model.Order, paid payment.Paid) error {
	if order.ProviderRef == "" || paid.SessionID != order.ProviderRef {
		return fmt.Errorf("%w: session %q does not belong to order %s", ErrVerificationMismatch, paid.SessionID, order.ID)
	}
	if paid.OrderRef != "" && paid.OrderRef != order.ID {
		return fmt.Errorf("%w: provider references order %q, expected %s", ErrVerificationMismatch, paid.OrderRef, order.ID)
	}
	if paid.AmountCents != order.TotalCents {
		return fmt.Errorf("%w: paid %d, expected %d", ErrVerificationMismatch, paid.AmountCents, order.TotalCents)
	}
	if !strings.EqualFold(paid.Currency, order.Currency) {
		return fmt.Errorf("%w: paid in %q, expected %q", ErrVerificationMismatch, paid.Currency, order.Currency)
	}
	return nil
}

// settle проводит подтверждённую оплату: сверяет её с заказом, переводит заказ в COMPLETED
// и запускает последующие шаги. Возвращает true, если переход выполнил именно этот вызов.
// При несовпадении заказ переводится в FAILED и возвращается ErrVerificationMismatch.
func (s *Service) settle(ctx context.Context, trigger string, order *model.Order, paid payment.Paid) (bool, error) {
	if err := VerifyPayment(order, paid); err != nil {
		s.metrics.VerificationMismatch(trigger)
		s.logger.Warn("payment verification failed",
			zap.String("order_id", order.ID),
			zap.String("trigger", trigger),
			zap.Error(err))

		if ferr := s.failOrder(ctx, trigger, order.ID); ferr != nil {
			return false, ferr
		}
		return false, err
	}

	email := confirmedEmail(paid)

	transitioned, err := s.repo.CompleteOrder(ctx, order.ID, email)
	if err != nil {
		return false, fmt.Errorf("complete order: %w", err)
	}

	if transitioned {
		s.metrics.Transition(trigger, string(model.OrderStatusCompleted))
		s.logger.Info("order completed",
			zap.String("order_id", order.ID),
			zap.String("trigger", trigger),
			zap.Int64("total_cents", order.TotalCents))
		s.incrementCoupon(ctx, order)
	} else if email != "" {
		if err := s.repo.ConfirmBuyerEmail(ctx, order.ID, email); err != nil {
			return false, fmt.Errorf("confirm buyer email: %w", err)
		}
	}

	return transitioned, s.afterCompletion(ctx, trigger, order.ID)
}

// afterCompletion выполняет идемпотентные шаги для завершённого заказа:
// привязку покупателя, выдачу токена и отправку уведомлений.
// Ошибка отправки уведомлений не возвращается: следующий триггер повторит попытку.
func (s *Service) afterCompletion(ctx context.Context, trigger, orderID string) error {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("get order: %w", err)
	}
	if order.Status != model.OrderStatusCompleted {
		return nil
	}

	if err := s.linkIdentity(ctx, order); err != nil {
		s.logger.Error("failed to link customer",
			zap.String("order_id", orderID),
			zap.String("trigger", trigger),
			zap.Error(err))
	}

	if _, err := s.IssueOrReuse(ctx, orderID); err != nil {
		return err
	}

	_, _ = s.Dispatch(ctx, orderID)

	return nil
}

func (s *Service) failOrder(ctx context.Context, trigger, orderID string) error {
	failed, err := s.repo.FailOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("fail order: %w", err)
	}
	if failed {
		s.metrics.Transition(trigger, string(model.OrderStatusFailed))
		s.logger.Info("order failed", zap.String("order_id", orderID), zap.String("trigger", trigger))
	}
	return nil
}

// confirmedEmail возвращает email плательщика, подтверждённый провайдером. Он важнее введённого
// при оформлении. Пустая строка означает, что провайдер email не сообщил и сохранённый остаётся неподтверждённым.
func confirmedEmail(paid payment.Paid) string {
	email := validation.NormalizeEmail(paid.PayerEmail)
	if !validation.IsValidEmail(email) {
		return ""
	}
	return email
}

func isMismatch(err error) bool {
	return errors.Is(err, ErrVerificationMismatch)
}
