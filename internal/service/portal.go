package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/repository"
	"github.com/mmeshcher/storefront-fulfillment/internal/validation"
)

// StartPortalSession обменивает ссылку из письма покупателю на вход в личный кабинет.
// Принимается только токен области portal: он уходит на email заказа, поэтому его предъявление
// подтверждает владение этим email. Токен со страницы успешной оплаты такого не доказывает.
// Попутно привязывает к покупателю все его прошлые заказы.
func (s *Service) StartPortalSession(ctx context.Context, tokenValue string) (*model.Customer, error) {
	tok, err := s.Redeem(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	if tok.Scope != model.TokenScopePortal {
		return nil, repository.ErrTokenNotFound
	}

	order, err := s.repo.GetOrder(ctx, tok.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusCompleted || !order.HasResolvedEmail() {
		return nil, repository.ErrTokenNotFound
	}

	if err := s.repo.ConfirmBuyerEmail(ctx, order.ID, validation.NormalizeEmail(order.BuyerEmail)); err != nil {
		return nil, fmt.Errorf("confirm buyer email: %w", err)
	}

	customer, err := s.ResolveCustomer(ctx, order.BuyerEmail)
	if err != nil {
		return nil, err
	}

	if err := s.attachAndBackfill(ctx, order.ID, customer); err != nil {
		return nil, err
	}

	return customer, nil
}

// IssueDownloadLink выдаёт покупателю краткоживущий токен скачивания для его заказа.
func (s *Service) IssueDownloadLink(ctx context.Context, customerID, orderID string) (*model.FulfillmentToken, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// чужой заказ неотличим от несуществующего
	if order.CustomerID == nil || *order.CustomerID != customer.ID {
		return nil, repository.ErrOrderNotFound
	}
	if order.Status != model.OrderStatusCompleted {
		return nil, ErrOrderNotCompleted
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "download:"+customer.Email)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.String("customer_id", customer.ID), zap.Error(err))
		} else if !allowed {
			return nil, ErrRateLimited
		}
	}

	return s.IssueShortLived(ctx, order.ID)
}

// DownloadView: содержимое, доступное по токену.
type DownloadView struct {
	OrderID   string
	Items     []model.OrderItem
	FileCount int
	ExpiresAt time.Time
}

// RedeemDownload возвращает состав заказа по действующему токену заказа или скачивания.
func (s *Service) RedeemDownload(ctx context.Context, tokenValue string) (*DownloadView, error) {
	tok, err := s.Redeem(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	if tok.Scope == model.TokenScopePortal {
		return nil, repository.ErrTokenNotFound
	}

	order, err := s.repo.GetOrder(ctx, tok.OrderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, repository.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusCompleted {
		return nil, repository.ErrTokenNotFound
	}

	items, err := s.repo.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}

	return &DownloadView{
		OrderID:   order.ID,
		Items:     items,
		FileCount: fileCount(items),
		ExpiresAt: tok.ExpiresAt,
	}, nil
}
