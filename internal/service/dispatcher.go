package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/notify"
	"github.com/mmeshcher/storefront-fulfillment/internal/repository"
)

// DispatchOutcome: исход попытки отправить уведомления о заказе.
type DispatchOutcome string

const (
	// DispatchSent: уведомление покупателю отправлено, флаг email_sent остаётся установленным.
	DispatchSent DispatchOutcome = "sent"
	// DispatchClaimLost: уведомления уже отправлены или отправляются другим триггером.
	DispatchClaimLost DispatchOutcome = "claim_lost"
	// DispatchNotReady: заказ ещё не готов к отправке, захват снят.
	DispatchNotReady DispatchOutcome = "not_ready"
	// DispatchFailed: отправка не удалась, захват снят.
	DispatchFailed DispatchOutcome = "failed"
)

// Dispatch отправляет уведомления о завершённом заказе не более одного раза.
// Сначала захватывает флаг email_sent, затем перепроверяет готовность заказа.
// Если покупателю отправить не удалось, флаг снимается, чтобы следующий триггер повторил попытку.
// Ошибка уведомления владельца не снимает флаг.
func (s *Service) Dispatch(ctx context.Context, orderID string) (DispatchOutcome, error) {
	outcome, err := s.dispatch(ctx, orderID)
	s.metrics.Dispatch(string(outcome))

	log := s.logger.With(zap.String("order_id", orderID), zap.String("outcome", string(outcome)))
	switch outcome {
	case DispatchFailed:
		log.Error("completion dispatch failed", zap.Error(err))
	case DispatchSent:
		log.Info("completion notifications sent")
	default:
		log.Debug("completion dispatch skipped")
	}

	return outcome, err
}

func (s *Service) dispatch(ctx context.Context, orderID string) (DispatchOutcome, error) {
	claimed, err := s.repo.ClaimCompletionEmail(ctx, orderID)
	if err != nil {
		return DispatchFailed, fmt.Errorf("claim completion email: %w", err)
	}
	if !claimed {
		return DispatchClaimLost, nil
	}

	completion, ready, err := s.assemble(ctx, orderID)
	if err != nil || !ready {
		s.release(ctx, orderID)
		if err != nil {
			return DispatchFailed, err
		}
		return DispatchNotReady, nil
	}

	portal, err := s.issuePortalLink(ctx, orderID)
	if err != nil {
		s.release(ctx, orderID)
		return DispatchFailed, err
	}
	completion.PortalToken = portal.Token
	completion.PortalTokenExpiresAt = portal.ExpiresAt

	if err := s.notifier.SendBuyerCompletion(ctx, completion); err != nil {
		s.release(ctx, orderID)
		return DispatchFailed, fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}

	if completion.OwnerEmail != "" {
		if err := s.notifier.SendOwnerNewSale(ctx, completion.ForOwner()); err != nil {
			s.logger.Warn("failed to notify store owner",
				zap.String("order_id", orderID),
				zap.String("store_id", completion.StoreID),
				zap.Error(err))
		}
	}

	return DispatchSent, nil
}

// assemble собирает данные уведомления. ready=false означает, что заказ не завершён,
// email покупателя ещё неизвестен или токен ещё не выпущен.
func (s *Service) assemble(ctx context.Context, orderID string) (notify.Completion, bool, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return notify.Completion{}, false, fmt.Errorf("get order: %w", err)
	}
	if order.Status != model.OrderStatusCompleted || !order.HasResolvedEmail() {
		return notify.Completion{}, false, nil
	}

	tok, err := s.repo.GetActiveToken(ctx, orderID, model.TokenScopeOrder, s.now())
	if errors.Is(err, repository.ErrTokenNotFound) {
		return notify.Completion{}, false, nil
	}
	if err != nil {
		return notify.Completion{}, false, fmt.Errorf("get token: %w", err)
	}

	store, err := s.repo.GetStore(ctx, order.StoreID)
	if err != nil {
		return notify.Completion{}, false, fmt.Errorf("get store: %w", err)
	}

	items, err := s.repo.GetOrderItems(ctx, orderID)
	if err != nil {
		return notify.Completion{}, false, fmt.Errorf("get order items: %w", err)
	}

	c := notify.Completion{
		OrderID:        order.ID,
		StoreID:        store.ID,
		StoreName:      store.Name,
		BuyerEmail:     order.BuyerEmail,
		OwnerEmail:     store.OwnerEmail,
		TotalCents:     order.TotalCents,
		Items:          make([]notify.Item, 0, len(items)),
		Token:          tok.Token,
		TokenExpiresAt: tok.ExpiresAt,
	}
	for _, it := range items {
		c.Items = append(c.Items, notify.Item{ProductID: it.ProductID, Title: it.Title, PriceCents: it.PriceCentsAtPurchase})
	}

	return c, true, nil
}

// release снимает захват даже при отменённом контексте запроса.
func (s *Service) release(ctx context.Context, orderID string) {
	if err := s.repo.ReleaseCompletionEmail(context.WithoutCancel(ctx), orderID); err != nil {
		s.logger.Error("failed to release completion email claim", zap.String("order_id", orderID), zap.Error(err))
	}
}
