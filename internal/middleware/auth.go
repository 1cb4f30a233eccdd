// Package middleware содержит HTTP middleware сервиса paygate.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader — заголовок с HMAC-SHA256 подписью уведомления.
const SignatureHeader = "X-Paygate-Signature"

const maxSignedBody = 1 << 20

// CallbackAuth проверяет подпись уведомлений шлюза. Для POST подписывается
// тело запроса, для GET строка запроса.
type CallbackAuth struct {
	secretKey []byte
}

// NewCallbackAuth создаёт проверку подписи с указанным секретом.
// С пустым секретом уведомления пропускаются без проверки.
func NewCallbackAuth(secret string) *CallbackAuth {
	return &CallbackAuth{
		secretKey: []byte(secret),
	}
}

// Enabled сообщает, настроен ли секрет.
func (a *CallbackAuth) Enabled() bool {
	return len(a.secretKey) > 0
}

// Middleware отклоняет уведомления без корректной подписи.
func (a *CallbackAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		signature := strings.TrimSpace(r.Header.Get(SignatureHeader))
		if signature == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		payload := []byte(r.URL.RawQuery)
		if r.Method != http.MethodGet {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			r.Body.Close()
			if err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			payload = body
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(a.Sign(payload))) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Sign возвращает hex-кодированную подпись payload.
func (a *CallbackAuth) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
