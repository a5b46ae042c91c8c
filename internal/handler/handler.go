// Package handler содержит HTTP-обработчики API сервиса исполнения заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-fulfillment/internal/middleware"
	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/payment"
	"github.com/mmeshcher/storefront-fulfillment/internal/repository"
	"github.com/mmeshcher/storefront-fulfillment/internal/service"
)

const maxWebhookBody = 64 << 10

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateCheckout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	HandleWebhookEvent(ctx context.Context, ev payment.WebhookEvent) error
	ReconcileSuccess(ctx context.Context, lookup service.SuccessLookup) (*service.SuccessView, error)
	CapturePayPal(ctx context.Context, token, orderID string) (string, error)
	StartPortalSession(ctx context.Context, token string) (*model.Customer, error)
	IssueDownloadLink(ctx context.Context, customerID, orderID string) (*model.FulfillmentToken, error)
	RedeemDownload(ctx context.Context, token string) (*service.DownloadView, error)
}

// WebhookParser проверяет подпись вебхука и приводит его к общему виду.
type WebhookParser interface {
	ParseWebhook(payload []byte, signatureHeader string) (payment.WebhookEvent, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	webhooks       WebhookParser
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
	validate       *validator.Validate
}

// NewHandler создаёт обработчик. webhooks и metrics могут быть nil: соответствующие маршруты не регистрируются.
func NewHandler(s Service, webhooks WebhookParser, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics http.Handler) *Handler {
	return &Handler{
		service:        s,
		webhooks:       webhooks,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metrics,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
}

type checkoutRequest struct {
	StoreID    string   `json:"store_id" validate:"required"`
	ProductIDs []string `json:"product_ids" validate:"required,min=1,max=50,dive,required"`
	Email      string   `json:"email" validate:"omitempty,max=254"`
	CouponCode string   `json:"coupon_code" validate:"omitempty,max=32"`
	Provider   string   `json:"provider" validate:"omitempty,oneof=stripe paypal"`
}

type checkoutResponse struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
}

// Checkout оформляет заказ и возвращает адрес, куда направить покупателя.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	res, err := h.service.CreateCheckout(r.Context(), service.CheckoutRequest{
		StoreID:    req.StoreID,
		ProductIDs: req.ProductIDs,
		BuyerEmail: req.Email,
		CouponCode: req.CouponCode,
		Provider:   model.Provider(req.Provider),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCheckout), errors.Is(err, service.ErrProviderNotConfigured):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrInvalidCoupon), errors.Is(err, service.ErrCouponExhausted):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrStoreNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case isProviderError(err):
			h.logger.Warn("checkout provider error", zap.Error(err), zap.String("store_id", req.StoreID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("checkout error", zap.Error(err), zap.String("store_id", req.StoreID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{
		OrderID:     res.OrderID,
		Status:      string(res.Status),
		RedirectURL: res.RedirectURL,
	})
}

// StripeWebhook принимает события Stripe. 500 возвращается только при сбое хранилища,
// чтобы Stripe повторил доставку.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, err := h.webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("rejected stripe webhook", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.HandleWebhookEvent(r.Context(), ev); err != nil {
		h.logger.Error("handle stripe webhook error", zap.Error(err), zap.String("event_id", ev.ID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type itemResponse struct {
	ProductID  string `json:"product_id"`
	Title      string `json:"title"`
	PriceCents int64  `json:"price_cents"`
	FileCount  int    `json:"file_count"`
}

type successResponse struct {
	OrderID        string         `json:"order_id"`
	Status         string         `json:"status"`
	TotalCents     int64          `json:"total_cents"`
	BuyerEmail     string         `json:"buyer_email,omitempty"`
	Token          string         `json:"token,omitempty"`
	TokenExpiresAt string         `json:"expires_at,omitempty"`
	FileCount      int            `json:"file_count"`
	Items          []itemResponse `json:"items,omitempty"`
}

// CheckoutSuccess сверяет заказ с провайдером и возвращает его состояние странице успешной оплаты.
func (h *Handler) CheckoutSuccess(w http.ResponseWriter, r *http.Request) {
	lookup := service.SuccessLookup{
		OrderID:   r.URL.Query().Get("order_id"),
		SessionID: r.URL.Query().Get("session_id"),
	}
	if lookup.OrderID == "" && lookup.SessionID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	view, err := h.service.ReconcileSuccess(r.Context(), lookup)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case isProviderError(err):
			h.logger.Warn("confirm payment error", zap.Error(err), zap.String("order_id", lookup.OrderID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("checkout success error", zap.Error(err), zap.String("order_id", lookup.OrderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := successResponse{
		OrderID:    view.Order.ID,
		Status:     string(view.Order.Status),
		TotalCents: view.Order.TotalCents,
		FileCount:  view.FileCount,
		Items:      itemsResponse(view.Items),
	}
	if view.Order.HasResolvedEmail() {
		resp.BuyerEmail = view.Order.BuyerEmail
	}
	if view.Token != nil {
		resp.Token = view.Token.Token
		resp.TokenExpiresAt = view.Token.ExpiresAt.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

// PayPalCapture списывает платёж PayPal после возврата покупателя и перенаправляет его дальше.
func (h *Handler) PayPalCapture(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")

	location, err := h.service.CapturePayPal(r.Context(), r.URL.Query().Get("token"), orderID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrVerificationMismatch), errors.Is(err, service.ErrOrderFailed),
			errors.Is(err, repository.ErrOrderNotFound), isProviderError(err),
			errors.Is(err, service.ErrPaymentNotCompleted):
			h.logger.Warn("paypal capture rejected", zap.Error(err), zap.String("order_id", orderID))
		default:
			h.logger.Error("paypal capture error", zap.Error(err), zap.String("order_id", orderID))
		}
	}

	http.Redirect(w, r, location, http.StatusSeeOther)
}

type portalSessionRequest struct {
	Token string `json:"token" validate:"required,hexadecimal,max=128"`
}

type portalSessionResponse struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
}

// PortalSession обменивает токен заказа на сессию личного кабинета.
func (h *Handler) PortalSession(w http.ResponseWriter, r *http.Request) {
	var req portalSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	customer, err := h.service.StartPortalSession(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("portal session error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, customer.ID)
	writeJSON(w, http.StatusOK, portalSessionResponse{CustomerID: customer.ID, Email: customer.Email})
}

type downloadLinkResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// DownloadLink выдаёт текущему покупателю краткоживущую ссылку на файлы заказа.
func (h *Handler) DownloadLink(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.GetCustomerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "orderID")

	tok, err := h.service.IssueDownloadLink(r.Context(), customerID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCustomerNotFound):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrOrderNotCompleted):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrRateLimited):
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		default:
			h.logger.Error("download link error", zap.Error(err), zap.String("order_id", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, downloadLinkResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt.Format(time.RFC3339)})
}

type downloadResponse struct {
	OrderID   string         `json:"order_id"`
	FileCount int            `json:"file_count"`
	ExpiresAt string         `json:"expires_at"`
	Items     []itemResponse `json:"items"`
}

// Download возвращает состав заказа по токену скачивания.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.RedeemDownload(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("download error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, downloadResponse{
		OrderID:   view.OrderID,
		FileCount: view.FileCount,
		ExpiresAt: view.ExpiresAt.Format(time.RFC3339),
		Items:     itemsResponse(view.Items),
	})
}

func itemsResponse(items []model.OrderItem) []itemResponse {
	if len(items) == 0 {
		return nil
	}
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse{
			ProductID:  it.ProductID,
			Title:      it.Title,
			PriceCents: it.PriceCentsAtPurchase,
			FileCount:  it.FileCount,
		})
	}
	return out
}

func isProviderError(err error) bool {
	return errors.Is(err, payment.ErrProviderUnavailable) || errors.Is(err, payment.ErrProviderRejected)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
