// Package notify содержит реализации отправки уведомлений о завершённых заказах.
package notify

import (
	"context"
	"time"
)

// Item: позиция заказа в уведомлении.
type Item struct {
	ProductID  string `json:"product_id"`
	Title      string `json:"title"`
	PriceCents int64  `json:"price_cents"`
}

// Completion содержит данные о завершённом заказе для покупателя и владельца магазина.
type Completion struct {
	OrderID        string    `json:"order_id"`
	StoreID        string    `json:"store_id"`
	StoreName      string    `json:"store_name"`
	BuyerEmail     string    `json:"buyer_email"`
	OwnerEmail     string    `json:"owner_email"`
	TotalCents     int64     `json:"total_cents"`
	Items          []Item    `json:"items"`
	Token          string    `json:"token,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitzero"`
	// PortalToken: ссылка входа в личный кабинет. Уходит только на email покупателя.
	PortalToken          string    `json:"portal_token,omitempty"`
	PortalTokenExpiresAt time.Time `json:"portal_token_expires_at,omitzero"`
}

// ForOwner возвращает копию уведомления без токенов покупателя.
func (c Completion) ForOwner() Completion {
	c.Token = ""
	c.TokenExpiresAt = time.Time{}
	c.PortalToken = ""
	c.PortalTokenExpiresAt = time.Time{}
	return c
}

// Notifier отправляет уведомления. Каждый вызов либо успешен целиком, либо возвращает ошибку.
type Notifier interface {
	SendBuyerCompletion(ctx context.Context, c Completion) error
	SendOwnerNewSale(ctx context.Context, c Completion) error
}
