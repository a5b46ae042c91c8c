package service

import "errors"

var (
	// ErrVerificationMismatch: данные провайдера не совпали с заказом. Заказ переводится в FAILED.
	ErrVerificationMismatch = errors.New("payment verification mismatch")
	// ErrNotificationFailed: уведомление покупателю не отправлено, захват снят для повторной попытки.
	ErrNotificationFailed = errors.New("completion notification failed")
	// ErrProviderNotConfigured: для заказа выбран провайдер, который не настроен.
	ErrProviderNotConfigured = errors.New("payment provider not configured")
	// ErrPaymentNotCompleted: провайдер ещё не подтвердил оплату.
	ErrPaymentNotCompleted = errors.New("payment not completed")
	// ErrOrderNotCompleted: операция доступна только для завершённых заказов.
	ErrOrderNotCompleted = errors.New("order not completed")
	// ErrOrderFailed: заказ уже переведён в FAILED.
	ErrOrderFailed = errors.New("order failed")
	// ErrInvalidCheckout: некорректный запрос на оформление заказа.
	ErrInvalidCheckout = errors.New("invalid checkout request")
	// ErrInvalidCoupon: купон не найден или имеет неверный формат.
	ErrInvalidCoupon = errors.New("invalid coupon")
	// ErrCouponExhausted: лимит использований купона исчерпан.
	ErrCouponExhausted = errors.New("coupon usage limit reached")
	// ErrRateLimited: превышена частота запросов.
	ErrRateLimited = errors.New("rate limit exceeded")
)
