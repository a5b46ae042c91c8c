package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const paypalAlreadyCaptured = "ORDER_ALREADY_CAPTURED"

// PayPalProvider реализует Provider поверх PayPal Orders API v2 (авторизация на стороне
// покупателя и последующее списание по возврату на сайт).
type PayPalProvider struct {
	baseURL      string
	clientID     string
	clientSecret string
	currency     string
	timeout      time.Duration
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalProvider создаёт клиент PayPal с указанными учётными данными приложения.
func NewPayPalProvider(baseURL, clientID, clientSecret, currency string, timeout time.Duration) *PayPalProvider {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout

	return &PayPalProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		currency:     strings.ToUpper(currency),
		timeout:      timeout,
		httpClient:   httpClient,
	}
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalCapture struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Amount paypalAmount `json:"amount"`
}

type paypalPurchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	Payments    *struct {
		Captures []paypalCapture `json:"captures"`
	} `json:"payments,omitempty"`
}

type paypalOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Payer  *struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer,omitempty"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
	Links         []paypalLink         `json:"links"`
}

type paypalError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (e *paypalError) hasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// CreateCheckout создаёт PayPal-заказ с немедленным списанием после одобрения покупателем.
func (p *PayPalProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	currency := p.currency
	if req.Currency != "" {
		currency = strings.ToUpper(req.Currency)
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{
			{
				"reference_id": req.OrderRef,
				"custom_id":    req.OrderRef,
				"description":  req.Description,
				"amount": paypalAmount{
					CurrencyCode: currency,
					Value:        formatCents(req.AmountCents),
				},
			},
		},
		"application_context": map[string]string{
			"return_url":          req.SuccessURL,
			"cancel_url":          req.CancelURL,
			"user_action":         "PAY_NOW",
			"shipping_preference": "NO_SHIPPING",
		},
	}

	var order paypalOrder
	if _, err := p.do(ctx, http.MethodPost, "/v2/checkout/orders", "", body, &order); err != nil {
		return CheckoutSession{}, err
	}

	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return CheckoutSession{RedirectURL: l.Href, SessionID: order.ID}, nil
		}
	}

	return CheckoutSession{}, fmt.Errorf("%w: no approval link in order %s", ErrProviderRejected, order.ID)
}

// ConfirmPayment читает состояние PayPal-заказа без изменения.
func (p *PayPalProvider) ConfirmPayment(ctx context.Context, sessionID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.getOrder(ctx, sessionID)
}

// CaptureAuthorizedPayment списывает одобренный платёж. Если заказ уже списан,
// возвращает результат первого списания.
func (p *PayPalProvider) CaptureAuthorizedPayment(ctx context.Context, sessionID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var order paypalOrder
	apiErr, err := p.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(sessionID)+"/capture",
		"capture-"+sessionID, map[string]any{}, &order)
	if err != nil {
		if apiErr != nil && apiErr.hasIssue(paypalAlreadyCaptured) {
			return p.getOrder(ctx, sessionID)
		}
		return nil, err
	}

	return orderResult(&order), nil
}

func (p *PayPalProvider) getOrder(ctx context.Context, id string) (Result, error) {
	var order paypalOrder
	if _, err := p.do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(id), "", nil, &order); err != nil {
		return nil, err
	}
	return orderResult(&order), nil
}

func orderResult(o *paypalOrder) Result {
	switch o.Status {
	case "COMPLETED":
	case "CREATED", "SAVED", "APPROVED", "PAYER_ACTION_REQUIRED":
		return Unpaid{SessionID: o.ID}
	default:
		return Unknown{SessionID: o.ID, Reason: "order status " + o.Status}
	}

	if len(o.PurchaseUnits) == 0 {
		return Unknown{SessionID: o.ID, Reason: "no purchase units"}
	}

	unit := o.PurchaseUnits[0]
	if unit.Payments == nil || len(unit.Payments.Captures) == 0 {
		return Unknown{SessionID: o.ID, Reason: "no captures"}
	}

	capture := unit.Payments.Captures[0]
	if capture.Status != "COMPLETED" {
		return Unknown{SessionID: o.ID, Reason: "capture status " + capture.Status}
	}

	amount, err := parseCents(capture.Amount.Value)
	if err != nil {
		return Unknown{SessionID: o.ID, Reason: err.Error()}
	}

	paid := Paid{
		SessionID:   o.ID,
		OrderRef:    unit.ReferenceID,
		AmountCents: amount,
		Currency:    capture.Amount.CurrencyCode,
		CaptureRef:  capture.ID,
	}
	if paid.OrderRef == "" {
		paid.OrderRef = unit.CustomID
	}
	if o.Payer != nil {
		paid.PayerEmail = o.Payer.EmailAddress
	}

	return paid
}

// do выполняет запрос к API и декодирует ответ в out. При ответе-ошибке возвращает и разобранное тело.
func (p *PayPalProvider) do(ctx context.Context, method, path, requestID string, in, out any) (*paypalError, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr paypalError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if resp.StatusCode == http.StatusUnauthorized {
			p.resetToken()
		}
		return &apiErr, statusError(resp.StatusCode, apiErr.Name)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, err)
	}

	return nil, nil
}

func (p *PayPalProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token request status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: decode token: %v", ErrProviderUnavailable, err)
	}

	p.accessToken = tok.AccessToken
	// запас в минуту, чтобы токен не истёк посреди запроса
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)

	return p.accessToken, nil
}

func (p *PayPalProvider) resetToken() {
	p.mu.Lock()
	p.accessToken = ""
	p.mu.Unlock()
}

func statusError(code int, name string) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: paypal status %d %s", ErrProviderUnavailable, code, name)
	default:
		return fmt.Errorf("%w: paypal status %d %s", ErrProviderRejected, code, name)
	}
}

// formatCents переводит сумму в центах в десятичную строку PayPal ("49.00").
func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// parseCents разбирает десятичную строку PayPal в центы без потери точности.
func parseCents(value string) (int64, error) {
	whole, frac, hasFrac := strings.Cut(strings.TrimSpace(value), ".")
	if whole == "" {
		return 0, fmt.Errorf("invalid amount %q", value)
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, fmt.Errorf("invalid amount %q", value)
	}

	var cents int64
	if hasFrac {
		if len(frac) == 0 || len(frac) > 2 {
			return 0, fmt.Errorf("invalid amount %q", value)
		}
		if len(frac) == 1 {
			frac += "0"
		}
		cents, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || cents < 0 {
			return 0, fmt.Errorf("invalid amount %q", value)
		}
	}

	return units*100 + cents, nil
}
