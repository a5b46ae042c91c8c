package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
)

const stripeOrderMetadataKey = "order_id"

// StripeProvider реализует Provider поверх Stripe Checkout Sessions.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

// NewStripeProvider создаёт провайдер Stripe. Пустой webhookSecret отключает проверку подписи вебхуков.
func NewStripeProvider(secretKey, webhookSecret string, timeout time.Duration) *StripeProvider {
	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	return newStripeProvider(client.New(secretKey, backends), webhookSecret, timeout)
}

// NewStripeProviderWithBackend создаёт провайдер Stripe с явно заданным backend API.
func NewStripeProviderWithBackend(secretKey, webhookSecret string, timeout time.Duration, backend stripe.Backend) *StripeProvider {
	backends := &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	return newStripeProvider(client.New(secretKey, backends), webhookSecret, timeout)
}

func newStripeProvider(api *client.API, webhookSecret string, timeout time.Duration) *StripeProvider {
	return &StripeProvider{
		api:           api,
		webhookSecret: webhookSecret,
		timeout:       timeout,
	}
}

// CreateCheckout открывает Checkout Session на полную сумму заказа одной позицией.
func (p *StripeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderRef),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	if req.BuyerEmail != "" {
		params.CustomerEmail = stripe.String(req.BuyerEmail)
	}
	params.AddMetadata(stripeOrderMetadataKey, req.OrderRef)
	params.Context = ctx

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, mapStripeError(err)
	}

	return CheckoutSession{RedirectURL: s.URL, SessionID: s.ID}, nil
}

// ConfirmPayment читает состояние Checkout Session. Вызов не меняет состояние у провайдера.
func (p *StripeProvider) ConfirmPayment(ctx context.Context, sessionID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := p.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}

	return sessionResult(s), nil
}

// CaptureAuthorizedPayment не поддерживается: Checkout Session списывает деньги сразу.
func (p *StripeProvider) CaptureAuthorizedPayment(ctx context.Context, sessionID string) (Result, error) {
	return nil, ErrCaptureUnsupported
}

// ParseWebhook проверяет подпись и приводит событие Stripe к WebhookEvent.
func (p *StripeProvider) ParseWebhook(payload []byte, signatureHeader string) (WebhookEvent, error) {
	var (
		event stripe.Event
		err   error
	)

	if p.webhookSecret != "" {
		event, err = webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret,
			webhook.ConstructEventOptions{Tolerance: webhook.DefaultTolerance, IgnoreAPIVersionMismatch: true})
		if err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	} else if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode event: %w", err)
	}

	res := WebhookEvent{ID: event.ID, Type: string(event.Type), Kind: EventIgnored}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
	default:
		return res, nil
	}

	if event.Data == nil {
		return WebhookEvent{}, errors.New("event has no data")
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode checkout session: %w", err)
	}

	res.OrderRef = sessionOrderRef(&s)
	res.Result = sessionResult(&s)

	switch event.Type {
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		res.Kind = EventFailed
	default:
		// completed с отложенным методом оплаты приходит неоплаченным, ждём async_payment_succeeded
		if _, ok := res.Result.(Paid); ok {
			res.Kind = EventPaid
		}
	}

	return res, nil
}

func sessionResult(s *stripe.CheckoutSession) Result {
	switch s.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		paid := Paid{
			SessionID:   s.ID,
			OrderRef:    sessionOrderRef(s),
			AmountCents: s.AmountTotal,
			Currency:    string(s.Currency),
			PayerEmail:  s.CustomerEmail,
		}
		if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
			paid.PayerEmail = s.CustomerDetails.Email
		}
		if s.PaymentIntent != nil {
			paid.CaptureRef = s.PaymentIntent.ID
		}
		return paid
	case stripe.CheckoutSessionPaymentStatusUnpaid:
		return Unpaid{SessionID: s.ID}
	default:
		return Unknown{SessionID: s.ID, Reason: fmt.Sprintf("payment_status %q", s.PaymentStatus)}
	}
}

func sessionOrderRef(s *stripe.CheckoutSession) string {
	if ref := s.Metadata[stripeOrderMetadataKey]; ref != "" {
		return ref
	}
	return s.ClientReferenceID
}

func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := stripeErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusUnauthorized &&
			code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return fmt.Errorf("%w: stripe %d: %s", ErrProviderRejected, code, stripeErr.Msg)
		}
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
