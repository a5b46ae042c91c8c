package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/payment"
	"github.com/mmeshcher/storefront-fulfillment/internal/repository"
)

// HandleWebhookEvent обрабатывает проверенное событие платёжной системы.
// Ошибка возвращается только при сбое хранилища, чтобы провайдер повторил доставку.
// Несовпадение данных, неизвестный заказ и сбой отправки уведомлений ошибкой не считаются.
func (s *Service) HandleWebhookEvent(ctx context.Context, ev payment.WebhookEvent) error {
	log := s.logger.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))

	if ev.Kind == payment.EventIgnored {
		log.Debug("webhook event ignored")
		return nil
	}
	if ev.OrderRef == "" {
		log.Warn("webhook event without order reference")
		return nil
	}

	order, err := s.repo.GetOrder(ctx, ev.OrderRef)
	if errors.Is(err, repository.ErrOrderNotFound) {
		log.Warn("webhook event for unknown order", zap.String("order_id", ev.OrderRef))
		return nil
	}
	if err != nil {
		return err
	}

	switch order.Status {
	case model.OrderStatusCompleted:
		return s.afterCompletion(ctx, triggerWebhook, order.ID)
	case model.OrderStatusFailed:
		log.Info("webhook event for failed order", zap.String("order_id", order.ID))
		return nil
	}

	switch ev.Kind {
	case payment.EventFailed:
		return s.failOrder(ctx, triggerWebhook, order.ID)
	case payment.EventPaid:
		paid, ok := ev.Result.(payment.Paid)
		if !ok {
			log.Warn("paid webhook event without payment result", zap.String("order_id", order.ID))
			return nil
		}
		if _, err := s.settle(ctx, triggerWebhook, order, paid); err != nil && !isMismatch(err) {
			return err
		}
	}

	return nil
}

// SuccessLookup идентифицирует заказ на странице успешной оплаты.
type SuccessLookup struct {
	OrderID   string
	SessionID string
}

// SuccessView: состояние заказа для страницы успешной оплаты.
type SuccessView struct {
	Order     *model.Order
	Items     []model.OrderItem
	FileCount int
	// Token заполнен только для завершённых заказов.
	Token *model.FulfillmentToken
}

// ReconcileSuccess сверяет заказ с провайдером, пока покупатель ждёт на странице успешной оплаты.
// Если провайдер подтверждает оплату, заказ завершается так же, как по вебхуку.
func (s *Service) ReconcileSuccess(ctx context.Context, lookup SuccessLookup) (*SuccessView, error) {
	order, err := s.lookupOrder(ctx, lookup)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case model.OrderStatusPending:
		if err := s.confirmPending(ctx, order); err != nil {
			return nil, err
		}
	case model.OrderStatusCompleted:
		if err := s.afterCompletion(ctx, triggerSuccess, order.ID); err != nil {
			return nil, err
		}
	}

	order, err = s.repo.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	view := &SuccessView{Order: order}
	if order.Status != model.OrderStatusCompleted {
		return view, nil
	}

	if view.Token, err = s.IssueOrReuse(ctx, order.ID); err != nil {
		return nil, err
	}
	if view.Items, err = s.repo.GetOrderItems(ctx, order.ID); err != nil {
		return nil, err
	}
	view.FileCount = fileCount(view.Items)

	return view, nil
}

func (s *Service) lookupOrder(ctx context.Context, lookup SuccessLookup) (*model.Order, error) {
	switch {
	case lookup.OrderID != "":
		return s.repo.GetOrder(ctx, lookup.OrderID)
	case lookup.SessionID != "":
		return s.repo.GetOrderByProviderRef(ctx, model.ProviderStripe, lookup.SessionID)
	default:
		return nil, repository.ErrOrderNotFound
	}
}

func (s *Service) confirmPending(ctx context.Context, order *model.Order) error {
	if order.ProviderRef == "" {
		return nil
	}

	provider, ok := s.providers[order.Provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotConfigured, order.Provider)
	}

	res, err := provider.ConfirmPayment(ctx, order.ProviderRef)
	if err != nil {
		return fmt.Errorf("confirm payment: %w", err)
	}

	switch r := res.(type) {
	case payment.Paid:
		if _, err := s.settle(ctx, triggerSuccess, order, r); err != nil && !isMismatch(err) {
			return err
		}
	case payment.Unknown:
		s.logger.Warn("payment state unknown", zap.String("order_id", order.ID), zap.String("reason", r.Reason))
	}

	return nil
}

// CapturePayPal списывает одобренный платёж PayPal по возврату покупателя и возвращает адрес
// для перенаправления. Ошибка сопровождается адресом страницы магазина.
// Заказ переводится в FAILED, только если PayPal отклонил списание или подтверждение не сошлось с заказом.
func (s *Service) CapturePayPal(ctx context.Context, token, orderID string) (string, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return s.opts.PublicURL, err
	}

	storePage := s.opts.PublicURL + "/store/" + url.PathEscape(order.StoreID)
	successPage := s.successURL(order.ID)

	// чужой или подделанный возврат не меняет заказ: провалить его может только ответ самого PayPal
	if order.Provider != model.ProviderPayPal || token == "" || token != order.ProviderRef {
		s.metrics.VerificationMismatch(triggerCapture)
		s.logger.Warn("paypal return does not match order",
			zap.String("order_id", order.ID),
			zap.String("provider", string(order.Provider)),
			zap.String("token", token))
		return storePage, ErrVerificationMismatch
	}

	switch order.Status {
	case model.OrderStatusCompleted:
		if err := s.afterCompletion(ctx, triggerCapture, order.ID); err != nil {
			return storePage, err
		}
		return successPage, nil
	case model.OrderStatusFailed:
		return storePage, ErrOrderFailed
	}

	provider, ok := s.providers[model.ProviderPayPal]
	if !ok {
		return storePage, fmt.Errorf("%w: %s", ErrProviderNotConfigured, model.ProviderPayPal)
	}

	res, err := provider.CaptureAuthorizedPayment(ctx, token)
	if err != nil {
		if errors.Is(err, payment.ErrProviderRejected) {
			if ferr := s.failOrder(ctx, triggerCapture, order.ID); ferr != nil {
				return storePage, ferr
			}
		}
		return storePage, fmt.Errorf("capture payment: %w", err)
	}

	paid, ok := res.(payment.Paid)
	if !ok {
		s.logger.Warn("paypal capture did not complete", zap.String("order_id", order.ID), zap.Any("result", res))
		return storePage, ErrPaymentNotCompleted
	}

	if _, err := s.settle(ctx, triggerCapture, order, paid); err != nil {
		return storePage, err
	}

	return successPage, nil
}

func (s *Service) successURL(orderID string) string {
	return s.opts.PublicURL + "/checkout/success?order_id=" + url.QueryEscape(orderID)
}

func fileCount(items []model.OrderItem) int {
	total := 0
	for _, it := range items {
		total += it.FileCount
	}
	return total
}
