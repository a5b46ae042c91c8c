package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
)

const (
	orderTokenTTL    = 7 * 24 * time.Hour
	downloadTokenTTL = time.Hour
	portalTokenTTL   = 72 * time.Hour
	tokenBytes       = 32
)

// IssueOrReuse возвращает действующий токен заказа или выпускает новый на 7 дней.
// Параллельные вызовы для одного заказа получают одно и то же значение.
func (s *Service) IssueOrReuse(ctx context.Context, orderID string) (*model.FulfillmentToken, error) {
	return s.issueScoped(ctx, orderID, model.TokenScopeOrder, orderTokenTTL)
}

// issuePortalLink возвращает действующую ссылку входа в личный кабинет или выпускает новую.
// Значение отправляется только на email покупателя.
func (s *Service) issuePortalLink(ctx context.Context, orderID string) (*model.FulfillmentToken, error) {
	return s.issueScoped(ctx, orderID, model.TokenScopePortal, portalTokenTTL)
}

func (s *Service) issueScoped(ctx context.Context, orderID string, scope model.TokenScope, ttl time.Duration) (*model.FulfillmentToken, error) {
	value, err := newTokenValue()
	if err != nil {
		return nil, err
	}

	now := s.now()
	candidate := model.FulfillmentToken{
		OrderID:   orderID,
		Token:     value,
		Scope:     scope,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	tok, err := s.repo.IssueToken(ctx, candidate, now)
	if err != nil {
		return nil, fmt.Errorf("issue %s token: %w", scope, err)
	}

	return tok, nil
}

// IssueShortLived всегда выпускает новый токен скачивания на один час.
func (s *Service) IssueShortLived(ctx context.Context, orderID string) (*model.FulfillmentToken, error) {
	value, err := newTokenValue()
	if err != nil {
		return nil, err
	}

	now := s.now()
	tok := &model.FulfillmentToken{
		OrderID:   orderID,
		Token:     value,
		Scope:     model.TokenScopeDownload,
		ExpiresAt: now.Add(downloadTokenTTL),
		CreatedAt: now,
	}

	if err := s.repo.CreateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("create download token: %w", err)
	}

	return tok, nil
}

// Redeem находит действующий токен по значению.
func (s *Service) Redeem(ctx context.Context, value string) (*model.FulfillmentToken, error) {
	return s.repo.GetTokenByValue(ctx, value, s.now())
}

func newTokenValue() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
