package model

import (
	"fmt"
	"strconv"
	"strings"
)

// OrderStatus описывает состояние заказа.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusFailed    OrderStatus = "FAILED"
	OrderStatusInvalid   OrderStatus = "INVALID"
	OrderStatusError     OrderStatus = "ERROR"
)

// IsTerminal сообщает, что из статуса нет дальнейших переходов.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusInvalid, OrderStatusError:
		return true
	}
	return false
}

// Valid сообщает, что значение входит в перечисление статусов.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusPending, OrderStatusCompleted,
		OrderStatusFailed, OrderStatusInvalid, OrderStatusError:
		return true
	}
	return false
}

// Decision описывает результат проверки перехода.
type Decision int

const (
	// DecisionApply — переход допустим и должен быть записан.
	DecisionApply Decision = iota
	// DecisionNoop — заказ уже в целевом статусе, запись не нужна.
	DecisionNoop
	// DecisionReject — переход противоречит текущему статусу.
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "applied"
	case DecisionNoop:
		return "unchanged"
	case DecisionReject:
		return "rejected"
	}
	return "unknown"
}

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusCreated: {
		OrderStatusPending: true,
		OrderStatusError:   true,
	},
	OrderStatusPending: {
		OrderStatusCompleted: true,
		OrderStatusFailed:    true,
		OrderStatusInvalid:   true,
	},
	OrderStatusCompleted: {},
	OrderStatusFailed:    {},
	OrderStatusInvalid:   {},
	OrderStatusError:     {},
}

// CanTransition сообщает, разрешён ли переход from -> to.
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

// Decide решает, как применить статус next к заказу в статусе current.
// Повтор того же статуса всегда no-op, терминальный статус никогда не меняется.
func Decide(current, next OrderStatus) Decision {
	if current == next {
		return DecisionNoop
	}
	if CanTransition(current, next) {
		return DecisionApply
	}
	return DecisionReject
}

// NormalizeGatewayStatus приводит статус платежа шлюза к статусу заказа.
// Если описание пустое, используется числовой код.
func NormalizeGatewayStatus(description string, code *int) (OrderStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(description)) {
	case "COMPLETED":
		return OrderStatusCompleted, nil
	case "FAILED", "REVERSED":
		return OrderStatusFailed, nil
	case "INVALID":
		return OrderStatusInvalid, nil
	case "PENDING":
		return OrderStatusPending, nil
	case "":
		if code == nil {
			return "", fmt.Errorf("%w: empty payment status", ErrMalformedResponse)
		}
		switch *code {
		case 0:
			return OrderStatusInvalid, nil
		case 1:
			return OrderStatusCompleted, nil
		case 2, 3:
			return OrderStatusFailed, nil
		}
		return "", fmt.Errorf("%w: unknown status code %s", ErrMalformedResponse, strconv.Itoa(*code))
	}
	return "", fmt.Errorf("%w: unknown payment status %q", ErrMalformedResponse, description)
}
