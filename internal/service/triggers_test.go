package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
	"github.com/mmeshcher/storefront-fulfillment/internal/payment"
)

func TestCapturePayPal_AmountMismatchFailsOrder(t *testing.T) {
	f := newFixture(t)
	f.addPendingPayPalOrder()
	// покупатель одобрил 39.00 при заказе на 49.00
	f.paypal.capture = paidResult(3900)

	redirect, err := f.svc.CapturePayPal(context.Background(), testPayPalRef, testOrderID)
	require.ErrorIs(t, err, ErrVerificationMismatch)
	assert.Equal(t, "https://shop.test/store/store-1", redirect)

	order := f.repo.order(testOrderID)
	assert.Equal(t, model.OrderStatusFailed, order.Status)
	assert.Empty(t, f.repo.orderTokens(testOrderID, model.TokenScopeOrder))
	assert.Zero(t, f.repo.couponIncrements.Load())

	buyer, owner := f.notifier.counts()
	assert.Zero(t, buyer)
	assert.Zero(t, owner)

	// повторная доставка вебхука с верной суммой не воскрешает заказ
	err = f.svc.HandleWebhookEvent(context.Background(), payment.WebhookEvent{
		Kind: payment.EventPaid, OrderRef: testOrderID, Result: paidResult(4900),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFailed, f.repo.order(testOrderID).Status)
}

func TestCapturePayPal_TokenMismatchKeepsOrderPending(t *testing.T) {
	f := newFixture(t)
	f.addPendingPayPalOrder()
	f.paypal.capture = paidResult(4900)

	for _, token := range []string{"PP-FORGED", ""} {
		redirect, err := f.svc.CapturePayPal(context.Background(), token, testOrderID)
		require.ErrorIs(t, err, ErrVerificationMismatch)
		assert.Equal(t, "https://shop.test/store/store-1", redirect)
	}

	assert.Equal(t, model.OrderStatusPending, f.repo.order(testOrderID).Status)
	assert.Zero(t, f.paypal.captureCalls.Load())

	// настоящий возврат после подделанного всё ещё завершает заказ
	redirect, err := f.svc.CapturePayPal(context.Background(), testPayPalRef, testOrderID)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/checkout/success?order_id=order-1", redirect)
	assert.Equal(t, model.OrderStatusCompleted, f.repo.order(testOrderID).Status)
}

func TestCapturePayPal_ForgedReturnForStripeOrder(t *testing.T) {
	f := newFixture(t)
	f.addPendingStripeOrder()

	_, err := f.svc.CapturePayPal(context.Background(), "cs_test_1", testOrderID)
	require.ErrorIs(t, err, ErrVerificationMismatch)
	assert.Equal(t, model.OrderStatusPending, f.repo.order(testOrderID).Status)
	assert.Zero(t, f.paypal.captureCalls.Load())

	event := payment.WebhookEvent{ID: "evt_1", Kind: payment.EventPaid, OrderRef: testOrderID, Result: stripePaid()}
	require.NoError(t, f.svc.HandleWebhookEvent(context.Background(), event))
	assert.Equal(t, model.OrderStatusCompleted, f.repo.order(testOrderID).Status)
}

func TestCapturePayPal_CurrencyMismatchFailsOrder(t *testing.T) {
	f := newFixture(t)
	f.addPendingPayPalOrder()
	paid := paidResult(4900)
	paid.Currency = "EUR"
	f.paypal.capture = paid

	_, err := f.svc.CapturePayPal(context.Background(), testPayPalRef, testOrderID)
	require.ErrorIs(t, err, ErrVerificationMismatch)
	assert.Equal(t, model.OrderStatusFailed, f.repo.order(testOrderID).Status)
	assert.Empty(t, f.repo.orderTokens(testOrderID, model.TokenScopeOrder))
}

func TestCapturePayPal_ProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus model.OrderStatus
	}{
		{name: "declined", err: fmt.Errorf("%w: INSTRUMENT_DECLINED", payment.ErrProviderRejected), wantStatus: model.OrderStatusFailed},
		{name: "unavailable", err: fmt.Errorf("%w: timeout", payment.ErrProviderUnavailable), wantStatus: model.OrderStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addPendingPayPalOrder()
			f.paypal.captureErr = tt.err

			redirect, err := f.svc.CapturePayPal(context.Background(), testPayPalRef, testOrderID)
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, "https://shop.test/store/store-1", redirect)
			assert.Equal(t, tt.wantStatus, f.repo.order(testOrderID).Status)
		})
	}
}

func TestCapturePayPal_AlreadyCompleted(t *testing.T) {
	f := newFixture(t)
	f.addCompletedOrder(t, false)

	redirect, err := f.svc.CapturePayPal(context.Background(), testPayPalRef, testOrderID)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/checkout/success?order_id=order-1", redirect)
	assert.Zero(t, f.paypal.captureCalls.Load())

	buyer, _ := f.notifier.counts()
	assert.Equal(t, 1, buyer)
}

func TestHandleWebhookEvent_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	f.addPendingPayPalOrder()
	event := payment.WebhookEvent{ID: "evt_1", Kind: payment.EventPaid, OrderRef: testOrderID, Result: paidResult(4900)}

	require.NoError(t, f.svc.HandleWebhookEvent(context.Background(), event))
	require.NoError(t, f.svc.HandleWebhookEvent(context.Background(), event))

	buyer, owner := f.notifier.counts()
	assert.Equal(t, 1, buyer)
	assert.Equal(t, 1, owner)
	assert.Equal(t, int64(1), f.repo.couponUses(testCouponID))
	assert.Len(t, f.repo.orderTokens(testOrderID, model.TokenScopeOrder), 1)
}

func TestHandleWebhookEvent_RetriesFailedNotification(t *testing.T) {
	f := newFixture(t)
	f.addPendingPayPalOrder()
	f.notifier.buyerFailures = 1
	event := payment.WebhookEvent{ID: "evt_1", Kind: payment.EventPaid, OrderRef: testOrderID, Result: paidResult(4900)}

	require.NoError(t, f.svc.HandleWebhookEvent(context.Background(), event))
	order := f.repo.order(testOrderID)
	assert.Equal(t, model.OrderStatusCompleted, order.Status)
	assert.False(t, order.EmailSent)

	require.NoError(t, f.svc.HandleWebhookEvent(context.Background(), event))
	assert.True(t, f.repo.order(testOrderID).EmailSent)

	buyer, _ := f.notifier.counts()
	assert.Equal(t, 1, buyer)
	assert.Equal(t, int64(1), f.repo.couponUses(testCouponID))
}

func TestHandleWebhookEvent_NoOps(t *testing.T) {
	tests := []struct {
		name  string
		event payment.WebhookEvent
	}{
		{name: "ignored", event: payment.WebhookEvent{Kind: payment.EventIgnored, OrderRef: testOrderID}},
		{name: "no order reference", event: payment.WebhookEvent{Kind: payment.EventPaid, Result: paidResult(4900)}},
		{name: "unknown order", event: payment.WebhookEvent{Kind: payment.EventPaid, OrderRef: "missing", Result: paidResult(4900)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addPendingPayPalOrder()

			require.NoError(t, f.svc.HandleWebhookEvent(context.Background(), tt.event))
			assert.Equal(t, model.OrderStatusPending, f.repo.order(testOrderID).Status)
		})
	}
}

func TestHandleWebhookEvent_FailedPayment(t *testing.T) {
	f := newFixture(t)
	f.addPendingPayPalOrder()

	err := f.svc.HandleWebhookEvent(context.Background(), payment.WebhookEvent{
		Kind: payment.EventFailed, OrderRef: testOrderID, Result: payment.Unpaid{SessionID: testPayPalRef},
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFailed, f.repo.order(testOrderID).Status)
}

func TestHandleWebhookEvent_FailedEventKeepsCompletedOrder(t *testing.T) {
	f := newFixture(t)
	f.addCompletedOrder(t, true)

	err := f.svc.HandleWebhookEvent(context.Background(), payment.WebhookEvent{Kind: payment.EventFailed, OrderRef: testOrderID})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, f.repo.order(testOrderID).Status)
}

func TestReconcileSuccess_PendingUnpaid(t *testing.T) {
	f := newFixture(t)
	f.addPendingPayPalOrder()
	f.paypal.confirm = payment.Unpaid{SessionID: testPayPalRef}

	view, err := f.svc.ReconcileSuccess(context.Background(), SuccessLookup{OrderID: testOrderID})
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusPending, view.Order.Status)
	assert.Nil(t, view.Token)
	assert.Empty(t, f.repo.orderTokens(testOrderID, model.TokenScopeOrder))
}

func TestReconcileSuccess_ProviderUnavailable(t *testing.T) {
	f := newFixture(t)
	f.addPendingPayPalOrder()
	f.paypal.confirmErr = payment.ErrProviderUnavailable

	_, err := f.svc.ReconcileSuccess(context.Background(), SuccessLookup{OrderID: testOrderID})
	require.ErrorIs(t, err, payment.ErrProviderUnavailable)
	assert.Equal(t, model.OrderStatusPending, f.repo.order(testOrderID).Status)
}

func (f *fixture) addPendingStripeOrder() {
	f.repo.addOrder(model.Order{
		ID:          testOrderID,
		StoreID:     testStoreID,
		BuyerEmail:  model.UnresolvedEmail,
		TotalCents:  4900,
		Currency:    "usd",
		Status:      model.OrderStatusPending,
		Provider:    model.ProviderStripe,
		ProviderRef: "cs_test_1",
	}, model.OrderItem{OrderID: testOrderID, ProductID: testProductID, PriceCentsAtPurchase: 4900, Title: "Icon pack", FileCount: 3})
}

func stripePaid() payment.Paid {
	return payment.Paid{SessionID: "cs_test_1", OrderRef: testOrderID, AmountCents: 4900, Currency: "usd", PayerEmail: testBuyer}
}

func TestReconcileSuccess_BySessionID(t *testing.T) {
	f := newFixture(t)
	f.addPendingStripeOrder()
	f.stripe.confirm = stripePaid()

	view, err := f.svc.ReconcileSuccess(context.Background(), SuccessLookup{SessionID: "cs_test_1"})
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusCompleted, view.Order.Status)
	assert.Equal(t, testBuyer, view.Order.BuyerEmail)
	assert.True(t, view.Order.EmailVerified)
	require.NotNil(t, view.Token)
	assert.Equal(t, 3, view.FileCount)
	assert.Equal(t, int32(1), f.stripe.confirmCalls.Load())

	buyer, _ := f.notifier.counts()
	assert.Equal(t, 1, buyer)
}

func TestReconcileSuccess_PayerEmailOverridesTyped(t *testing.T) {
	f := newFixture(t)
	f.addPendingStripeOrder()
	f.repo.orders[testOrderID].BuyerEmail = "typo@example.com"
	f.stripe.confirm = stripePaid()

	view, err := f.svc.ReconcileSuccess(context.Background(), SuccessLookup{SessionID: "cs_test_1"})
	require.NoError(t, err)

	assert.Equal(t, testBuyer, view.Order.BuyerEmail)
	assert.True(t, view.Order.EmailVerified)
	require.NotNil(t, view.Order.CustomerID)

	customer, err := f.repo.GetCustomer(context.Background(), *view.Order.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, testBuyer, customer.Email)
	assert.Equal(t, testBuyer, f.notifier.buyer[0].BuyerEmail)
}

func TestCouponUsageCappedAtLimit(t *testing.T) {
	f := newFixture(t)
	limit := int64(1)
	f.repo.coupons[testCouponID].MaxUses = &limit
	f.addPendingPayPalOrder()
	coupon := testCouponID
	f.repo.addOrder(model.Order{
		ID:          "order-2",
		StoreID:     testStoreID,
		BuyerEmail:  model.UnresolvedEmail,
		TotalCents:  4900,
		Currency:    "usd",
		CouponID:    &coupon,
		Status:      model.OrderStatusPending,
		Provider:    model.ProviderPayPal,
		ProviderRef: "PP-ORDER-2",
	})

	require.NoError(t, f.svc.HandleWebhookEvent(context.Background(), payment.WebhookEvent{
		Kind: payment.EventPaid, OrderRef: testOrderID, Result: paidResult(4900),
	}))
	second := paidResult(4900)
	second.SessionID = "PP-ORDER-2"
	second.OrderRef = "order-2"
	require.NoError(t, f.svc.HandleWebhookEvent(context.Background(), payment.WebhookEvent{
		Kind: payment.EventPaid, OrderRef: "order-2", Result: second,
	}))

	assert.Equal(t, model.OrderStatusCompleted, f.repo.order("order-2").Status)
	assert.Equal(t, int64(1), f.repo.couponUses(testCouponID))
}

func TestReconcileSuccess_CompletedOrderSkipsProvider(t *testing.T) {
	f := newFixture(t)
	f.addCompletedOrder(t, false)

	view, err := f.svc.ReconcileSuccess(context.Background(), SuccessLookup{OrderID: testOrderID})
	require.NoError(t, err)

	require.NotNil(t, view.Token)
	assert.Zero(t, f.paypal.confirmCalls.Load())
	assert.True(t, f.repo.order(testOrderID).EmailSent)
}

func TestReconcileSuccess_MismatchShowsFailedOrder(t *testing.T) {
	f := newFixture(t)
	f.addPendingPayPalOrder()
	f.paypal.confirm = paidResult(3900)

	view, err := f.svc.ReconcileSuccess(context.Background(), SuccessLookup{OrderID: testOrderID})
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusFailed, view.Order.Status)
	assert.Nil(t, view.Token)
}
