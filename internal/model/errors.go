package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest возвращается при некорректных входных данных.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound возвращается, если заказ или идентификатор отслеживания неизвестны.
	ErrNotFound = errors.New("not found")
	// ErrAuthenticationFailed возвращается, если шлюз не выдал токен.
	ErrAuthenticationFailed = errors.New("gateway authentication failed")
	// ErrTokenRejected возвращается, если шлюз отклонил токен (401/403).
	ErrTokenRejected = errors.New("gateway rejected token")
	// ErrGatewayRejected возвращается при структурированном отказе шлюза.
	ErrGatewayRejected = errors.New("gateway rejected request")
	// ErrGatewayUnavailable возвращается при таймауте или сетевой ошибке.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrMalformedResponse возвращается, если успешный ответ шлюза не содержит обязательных полей.
	ErrMalformedResponse = errors.New("malformed gateway response")
	// ErrInconsistentStatus возвращается при попытке изменить терминальный статус.
	ErrInconsistentStatus = errors.New("inconsistent status update")
)

// GatewayError описывает ошибку, полученную от шлюза.
type GatewayError struct {
	Kind       error
	HTTPStatus int
	Type       string
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	msg := e.Kind.Error()
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (http %d)", e.HTTPStatus)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Kind
}

// StatusConflictError описывает отклонённое обновление статуса.
type StatusConflictError struct {
	OrderID   string
	Current   OrderStatus
	Attempted OrderStatus
	Source    StatusSource
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("%s: order %s is %s, %s update to %s rejected",
		ErrInconsistentStatus, e.OrderID, e.Current, e.Source, e.Attempted)
}

func (e *StatusConflictError) Unwrap() error {
	return ErrInconsistentStatus
}

// IsRetryable сообщает, можно ли повторить операцию, завершившуюся ошибкой err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
