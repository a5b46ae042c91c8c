// Package middleware содержит HTTP middleware сервиса исполнения заказов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const customerIDKey contextKey = "customerID"

const (
	authCookieName = "portal_session"
	authCookieTTL  = 30 * 24 * time.Hour
)

// AuthMiddleware проверяет сессию личного кабинета по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
	secure    bool
}

// NewAuthMiddleware создаёт AuthMiddleware. Без секрета ключ генерируется случайно
// и сессии не переживают перезапуск. secure включает флаг Secure у cookie.
func NewAuthMiddleware(secret string, secure bool) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		secure:    secure,
	}
}

// Middleware проверяет cookie и добавляет идентификатор покупателя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		customerID, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), customerIDKey, customerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie сессии для покупателя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, customerID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    customerID + "." + a.sign(customerID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *AuthMiddleware) sign(customerID string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(customerID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(value string) (string, bool) {
	customerID, signature, ok := strings.Cut(value, ".")
	if !ok || customerID == "" {
		return "", false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(customerID))) {
		return "", false
	}

	return customerID, true
}

// GetCustomerIDFromContext извлекает идентификатор покупателя из контекста запроса.
func GetCustomerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(customerIDKey).(string)
	return id, ok && id != ""
}
