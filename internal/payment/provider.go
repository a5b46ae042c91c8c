// Package payment предоставляет единый контракт работы с платёжными системами
// и его реализации для Stripe Checkout и PayPal Orders.
package payment

import (
	"context"
	"errors"
)

var (
	// ErrProviderUnavailable: временная ошибка: сеть, аутентификация, таймаут или 5xx. Запрос можно повторить.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrProviderRejected: платёжная система отклонила запрос. Повтор не поможет.
	ErrProviderRejected = errors.New("payment provider rejected request")
	// ErrCaptureUnsupported возвращается провайдерами без двухшаговой оплаты.
	ErrCaptureUnsupported = errors.New("provider does not support authorize-then-capture")
	// ErrInvalidSignature возвращается при неверной подписи вебхука.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// CheckoutRequest описывает платёж, который нужно открыть у провайдера.
type CheckoutRequest struct {
	AmountCents int64
	Currency    string
	Description string
	// OrderRef: идентификатор заказа, который провайдер вернёт обратно в метаданных.
	OrderRef   string
	BuyerEmail string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession: ответ провайдера на открытие платежа.
type CheckoutSession struct {
	RedirectURL string
	SessionID   string
}

// Result: результат проверки платежа у провайдера: Paid, Unpaid или Unknown.
type Result interface {
	isResult()
}

// Paid: платёж подтверждён провайдером.
type Paid struct {
	SessionID   string
	OrderRef    string
	AmountCents int64
	// Currency: код валюты в том виде, в каком его вернул провайдер.
	Currency   string
	PayerEmail string
	CaptureRef string
}

// Unpaid: сессия существует, но деньги не получены.
type Unpaid struct {
	SessionID string
}

// Unknown: провайдер вернул состояние, которое нельзя однозначно трактовать.
type Unknown struct {
	SessionID string
	Reason    string
}

func (Paid) isResult()    {}
func (Unpaid) isResult()  {}
func (Unknown) isResult() {}

// Provider: контракт платёжной системы. Реализации не проверяют суммы и ссылки:
// это делает вызывающая сторона.
type Provider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	ConfirmPayment(ctx context.Context, sessionID string) (Result, error)
	CaptureAuthorizedPayment(ctx context.Context, sessionID string) (Result, error)
}

// EventKind классифицирует входящее событие вебхука.
type EventKind int

const (
	EventIgnored EventKind = iota
	EventPaid
	EventFailed
)

// WebhookEvent: событие вебхука, приведённое к общему виду.
type WebhookEvent struct {
	ID       string
	Type     string
	Kind     EventKind
	OrderRef string
	Result   Result
}
