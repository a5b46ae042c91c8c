// Package validation содержит функции валидации и нормализации входных данных.
package validation

import (
	"net/mail"
	"strings"

	"github.com/mmeshcher/storefront-fulfillment/internal/model"
)

// NormalizeEmail приводит email к виду, по которому ищутся покупатели.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail проверяет, что строка является одиночным адресом без отображаемого имени.
// Заглушка неподтверждённого email валидной не считается.
func IsValidEmail(email string) bool {
	email = NormalizeEmail(email)
	if email == "" || email == model.UnresolvedEmail {
		return false
	}

	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}

	return addr.Address == email && strings.Contains(email[strings.LastIndex(email, "@"):], ".")
}

// IsValidCouponCode проверяет формат кода купона: 3–32 символа, латиница, цифры, дефис и подчёркивание.
func IsValidCouponCode(code string) bool {
	if len(code) < 3 || len(code) > 32 {
		return false
	}

	for _, ch := range code {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}

	return true
}
