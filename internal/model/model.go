// Package model содержит доменные сущности сервиса исполнения заказов.
package model

import "time"

// UnresolvedEmail: значение-заглушка для email покупателя, пока ни покупатель, ни платёжная система его не сообщили.
const UnresolvedEmail = "unresolved@checkout.invalid"

// OrderStatus описывает стадию жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// Provider определяет платёжную систему, через которую оплачивается заказ.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
	// ProviderFree используется для бесплатных заказов, минующих платёжную систему.
	ProviderFree Provider = "free"
)

// Order описывает одну попытку покупки.
type Order struct {
	ID         string
	StoreID    string
	BuyerEmail string
	// EmailVerified: владение BuyerEmail подтверждено платёжной системой или ссылкой из письма.
	EmailVerified bool
	CustomerID    *string
	TotalCents    int64
	Currency      string
	CouponID      *int64
	Status        OrderStatus
	Provider      Provider
	ProviderRef   string
	EmailSent     bool
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// HasResolvedEmail сообщает, известен ли email покупателя. Известный email ещё не обязательно подтверждён.
func (o *Order) HasResolvedEmail() bool {
	return o.BuyerEmail != "" && o.BuyerEmail != UnresolvedEmail
}

// OrderItem: позиция заказа с ценой на момент покупки.
type OrderItem struct {
	OrderID              string
	ProductID            string
	PriceCentsAtPurchase int64
	// Title заполняется при чтении с учётом переопределения названия в магазине.
	Title     string
	FileCount int
}

// TokenScope различает токен заказа, токен скачивания и ссылку для входа в личный кабинет.
type TokenScope string

const (
	TokenScopeOrder    TokenScope = "order"
	TokenScopeDownload TokenScope = "download"
	// TokenScopePortal уходит только в письме покупателю и не показывается на странице успешной оплаты.
	TokenScopePortal TokenScope = "portal"
)

// FulfillmentToken: предъявительский токен доступа к купленным файлам.
type FulfillmentToken struct {
	OrderID   string
	Token     string
	Scope     TokenScope
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ActiveAt сообщает, действителен ли токен в момент now.
func (t *FulfillmentToken) ActiveAt(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// DiscountType описывает способ расчёта скидки купона.
type DiscountType string

const (
	DiscountPercent DiscountType = "PERCENT"
	DiscountFixed   DiscountType = "FIXED"
)

// Coupon описывает купон магазина и счётчик его использований.
type Coupon struct {
	ID            int64
	StoreID       string
	Code          string
	DiscountType  DiscountType
	DiscountValue int64
	MaxUses       *int64
	CurrentUses   int64
}

// Exhausted сообщает, исчерпан ли лимит использований купона.
func (c *Coupon) Exhausted() bool {
	return c.MaxUses != nil && c.CurrentUses >= *c.MaxUses
}

// Apply возвращает сумму после скидки. Результат не бывает отрицательным.
func (c *Coupon) Apply(subtotalCents int64) int64 {
	var discount int64
	switch c.DiscountType {
	case DiscountPercent:
		pct := c.DiscountValue
		if pct > 100 {
			pct = 100
		}
		discount = subtotalCents * pct / 100
	case DiscountFixed:
		discount = c.DiscountValue
	}

	if discount >= subtotalCents {
		return 0
	}
	if discount < 0 {
		return subtotalCents
	}
	return subtotalCents - discount
}

// Customer: постоянная учётная запись покупателя, привязанная к нормализованному email.
type Customer struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Store содержит данные магазина, нужные для уведомлений.
type Store struct {
	ID         string
	Name       string
	OwnerEmail string
}

// Product: товар каталога магазина.
type Product struct {
	ID         string
	StoreID    string
	Title      string
	PriceCents int64
	FileCount  int
}
