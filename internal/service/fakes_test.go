package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/notify"
	"github.com/mmeshcher/storefront-fulfillment/internal/payment"
	"github.com/mmeshcher/storefront-fulfillment/internal/repository"
)

// memRepository: потокобезопасное хранилище в памяти с теми же условными обновлениями, что и PostgreSQL.
type memRepository struct {
	mu        sync.Mutex
	orders    map[string]*model.Order
	items     map[string][]model.OrderItem
	tokens    []*model.FulfillmentToken
	stores    map[string]*model.Store
	products  map[string]*model.Product
	coupons   map[int64]*model.Coupon
	customers map[string]*model.Customer

	couponIncrements atomic.Int32
}

func newMemRepository() *memRepository {
	return &memRepository{
		orders:    make(map[string]*model.Order),
		items:     make(map[string][]model.OrderItem),
		stores:    make(map[string]*model.Store),
		products:  make(map[string]*model.Product),
		coupons:   make(map[int64]*model.Coupon),
		customers: make(map[string]*model.Customer),
	}
}

func (r *memRepository) Close() error { return nil }

func (r *memRepository) addStore(s model.Store) { r.stores[s.ID] = &s }

func (r *memRepository) addProduct(p model.Product) { r.products[p.ID] = &p }

func (r *memRepository) addCoupon(c model.Coupon) { r.coupons[c.ID] = &c }

func (r *memRepository) addOrder(o model.Order, items ...model.OrderItem) {
	r.orders[o.ID] = &o
	r.items[o.ID] = items
}

func (r *memRepository) order(id string) model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.orders[id]
}

func (r *memRepository) orderTokens(id string, scope model.TokenScope) []model.FulfillmentToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.FulfillmentToken
	for _, t := range r.tokens {
		if t.OrderID == id && t.Scope == scope {
			out = append(out, *t)
		}
	}
	return out
}

func (r *memRepository) CreatePendingOrder(_ context.Context, o *model.Order, items []model.OrderItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	cp.Status = model.OrderStatusPending
	r.orders[o.ID] = &cp
	r.items[o.ID] = items
	return nil
}

func (r *memRepository) CreateCompletedOrder(_ context.Context, o *model.Order, items []model.OrderItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	cp.Status = model.OrderStatusCompleted
	now := time.Now()
	cp.CompletedAt = &now
	r.orders[o.ID] = &cp
	r.items[o.ID] = items
	return nil
}

func (r *memRepository) GetOrder(_ context.Context, id string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memRepository) GetOrderByProviderRef(_ context.Context, provider model.Provider, ref string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.Provider == provider && o.ProviderRef == ref {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (r *memRepository) GetOrderItems(_ context.Context, orderID string) ([]model.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.OrderItem(nil), r.items[orderID]...), nil
}

func (r *memRepository) SetProviderRef(_ context.Context, orderID, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if o.ProviderRef != "" && o.ProviderRef != ref {
		return repository.ErrProviderRefConflict
	}
	o.ProviderRef = ref
	return nil
}

func (r *memRepository) CompleteOrder(_ context.Context, orderID, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != model.OrderStatusPending {
		return false, nil
	}
	o.Status = model.OrderStatusCompleted
	if email != "" {
		o.BuyerEmail = email
		o.EmailVerified = true
	}
	now := time.Now()
	o.CompletedAt = &now
	return true, nil
}

func (r *memRepository) FailOrder(_ context.Context, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != model.OrderStatusPending {
		return false, nil
	}
	o.Status = model.OrderStatusFailed
	return true, nil
}

func (r *memRepository) ConfirmBuyerEmail(_ context.Context, orderID, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.EmailVerified {
		return nil
	}
	if o.BuyerEmail == model.UnresolvedEmail || strings.EqualFold(o.BuyerEmail, email) {
		o.BuyerEmail = email
		o.EmailVerified = true
	}
	return nil
}

func (r *memRepository) ClaimCompletionEmail(_ context.Context, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.EmailSent {
		return false, nil
	}
	o.EmailSent = true
	return true, nil
}

func (r *memRepository) ReleaseCompletionEmail(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[orderID]; ok {
		o.EmailSent = false
	}
	return nil
}

func (r *memRepository) IssueToken(_ context.Context, candidate model.FulfillmentToken, now time.Time) (*model.FulfillmentToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[candidate.OrderID]; !ok {
		return nil, repository.ErrOrderNotFound
	}
	if t := r.activeLocked(candidate.OrderID, candidate.Scope, now); t != nil {
		cp := *t
		return &cp, nil
	}
	r.tokens = append(r.tokens, &candidate)
	cp := candidate
	return &cp, nil
}

func (r *memRepository) CreateToken(_ context.Context, tok *model.FulfillmentToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tok
	r.tokens = append(r.tokens, &cp)
	return nil
}

func (r *memRepository) activeLocked(orderID string, scope model.TokenScope, now time.Time) *model.FulfillmentToken {
	var best *model.FulfillmentToken
	for _, t := range r.tokens {
		if t.OrderID == orderID && t.Scope == scope && t.ActiveAt(now) {
			if best == nil || t.ExpiresAt.After(best.ExpiresAt) {
				best = t
			}
		}
	}
	return best
}

func (r *memRepository) GetActiveToken(_ context.Context, orderID string, scope model.TokenScope, now time.Time) (*model.FulfillmentToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.activeLocked(orderID, scope, now)
	if t == nil {
		return nil, repository.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memRepository) GetTokenByValue(_ context.Context, value string, now time.Time) (*model.FulfillmentToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Token == value && t.ActiveAt(now) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrTokenNotFound
}

func (r *memRepository) GetStore(_ context.Context, id string) (*model.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[id]
	if !ok {
		return nil, repository.ErrStoreNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRepository) GetStoreProducts(_ context.Context, storeID string, ids []string) ([]model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Product
	for _, id := range ids {
		if p, ok := r.products[id]; ok && p.StoreID == storeID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *memRepository) GetCouponByCode(_ context.Context, storeID, code string) (*model.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.coupons {
		if c.StoreID == storeID && strings.EqualFold(c.Code, code) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrCouponNotFound
}

func (r *memRepository) IncrementCouponUsage(_ context.Context, couponID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coupons[couponID]
	if !ok {
		return false, repository.ErrCouponNotFound
	}
	if c.MaxUses != nil && c.CurrentUses >= *c.MaxUses {
		return false, nil
	}
	c.CurrentUses++
	r.couponIncrements.Add(1)
	return true, nil
}

func (r *memRepository) couponUses(id int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coupons[id].CurrentUses
}

func (r *memRepository) UpsertCustomer(_ context.Context, id, email string) (*model.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.customers {
		if c.Email == email {
			cp := *c
			return &cp, nil
		}
	}
	c := &model.Customer{ID: id, Email: email, CreatedAt: time.Now()}
	r.customers[id] = c
	cp := *c
	return &cp, nil
}

func (r *memRepository) GetCustomer(_ context.Context, id string) (*model.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[id]
	if !ok {
		return nil, repository.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepository) AttachCustomer(_ context.Context, orderID, customerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.CustomerID != nil {
		return false, nil
	}
	id := customerID
	o.CustomerID = &id
	return true, nil
}

func (r *memRepository) BackfillCustomer(_ context.Context, email, customerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, o := range r.orders {
		if o.CustomerID == nil && strings.EqualFold(o.BuyerEmail, email) {
			id := customerID
			o.CustomerID = &id
			n++
		}
	}
	return n, nil
}

// stubProvider возвращает заранее заданные ответы и считает вызовы.
type stubProvider struct {
	confirm    payment.Result
	confirmErr error
	capture    payment.Result
	captureErr error
	session    payment.CheckoutSession
	sessionErr error

	confirmCalls atomic.Int32
	captureCalls atomic.Int32
	lastCheckout atomic.Pointer[payment.CheckoutRequest]
}

func (p *stubProvider) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (payment.CheckoutSession, error) {
	p.lastCheckout.Store(&req)
	return p.session, p.sessionErr
}

func (p *stubProvider) ConfirmPayment(_ context.Context, _ string) (payment.Result, error) {
	p.confirmCalls.Add(1)
	return p.confirm, p.confirmErr
}

func (p *stubProvider) CaptureAuthorizedPayment(_ context.Context, _ string) (payment.Result, error) {
	p.captureCalls.Add(1)
	return p.capture, p.captureErr
}

// stubNotifier записывает отправленные уведомления. buyerFailures задаёт число первых неудачных отправок покупателю.
type stubNotifier struct {
	mu            sync.Mutex
	buyer         []notify.Completion
	owner         []notify.Completion
	buyerFailures int
	ownerErr      error
}

func (n *stubNotifier) SendBuyerCompletion(_ context.Context, c notify.Completion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.buyerFailures > 0 {
		n.buyerFailures--
		return errors.New("smtp unavailable")
	}
	n.buyer = append(n.buyer, c)
	return nil
}

func (n *stubNotifier) SendOwnerNewSale(_ context.Context, c notify.Completion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ownerErr != nil {
		return n.ownerErr
	}
	n.owner = append(n.owner, c)
	return nil
}

func (n *stubNotifier) counts() (buyer, owner int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.buyer), len(n.owner)
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}
