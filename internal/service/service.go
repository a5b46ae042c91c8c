// Package service реализует исполнение заказов: подтверждение оплаты, выдачу токенов
// скачивания, учёт купонов, привязку покупателей и однократную отправку уведомлений.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-fulfillment/internal/metrics"
	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/notify"
	"github.com/mmeshcher/storefront-fulfillment/internal/payment"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreatePendingOrder(ctx context.Context, order *model.Order, items []model.OrderItem) error
	CreateCompletedOrder(ctx context.Context, order *model.Order, items []model.OrderItem) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderByProviderRef(ctx context.Context, provider model.Provider, ref string) (*model.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]model.OrderItem, error)
	SetProviderRef(ctx context.Context, orderID, ref string) error
	CompleteOrder(ctx context.Context, orderID, confirmedEmail string) (bool, error)
	FailOrder(ctx context.Context, orderID string) (bool, error)
	ConfirmBuyerEmail(ctx context.Context, orderID, email string) error
	ClaimCompletionEmail(ctx context.Context, orderID string) (bool, error)
	ReleaseCompletionEmail(ctx context.Context, orderID string) error

	IssueToken(ctx context.Context, candidate model.FulfillmentToken, now time.Time) (*model.FulfillmentToken, error)
	CreateToken(ctx context.Context, token *model.FulfillmentToken) error
	GetActiveToken(ctx context.Context, orderID string, scope model.TokenScope, now time.Time) (*model.FulfillmentToken, error)
	GetTokenByValue(ctx context.Context, value string, now time.Time) (*model.FulfillmentToken, error)

	GetStore(ctx context.Context, storeID string) (*model.Store, error)
	GetStoreProducts(ctx context.Context, storeID string, productIDs []string) ([]model.Product, error)
	GetCouponByCode(ctx context.Context, storeID, code string) (*model.Coupon, error)
	IncrementCouponUsage(ctx context.Context, couponID int64) (bool, error)

	UpsertCustomer(ctx context.Context, id, email string) (*model.Customer, error)
	GetCustomer(ctx context.Context, id string) (*model.Customer, error)
	AttachCustomer(ctx context.Context, orderID, customerID string) (bool, error)
	BackfillCustomer(ctx context.Context, email, customerID string) (int64, error)
}

// Limiter ограничивает частоту операций по ключу.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Options содержит параметры, не зависящие от инфраструктуры.
type Options struct {
	// PublicURL: адрес витрины, на который возвращают покупателя.
	PublicURL string
	Currency  string
}

// Service содержит бизнес-логику исполнения заказов.
type Service struct {
	repo      Repository
	providers map[model.Provider]payment.Provider
	notifier  notify.Notifier
	limiter   Limiter
	metrics   *metrics.Recorder
	logger    *zap.Logger
	opts      Options

	now   func() time.Time
	newID func() string
}

// NewService создаёт сервис. Провайдеры, не указанные в providers, считаются ненастроенными.
func NewService(
	repo Repository,
	providers map[model.Provider]payment.Provider,
	notifier notify.Notifier,
	limiter Limiter,
	recorder *metrics.Recorder,
	logger *zap.Logger,
	opts Options,
) *Service {
	if providers == nil {
		providers = make(map[model.Provider]payment.Provider)
	}
	if recorder == nil {
		recorder = metrics.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:      repo,
		providers: providers,
		notifier:  notifier,
		limiter:   limiter,
		metrics:   recorder,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}
