package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/paygate/internal/model"
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = fmt.Errorf("order %w", model.ErrNotFound)
	// ErrPaymentRecordNotFound возвращается, если запись об оплате не найдена.
	ErrPaymentRecordNotFound = fmt.Errorf("payment record %w", model.ErrNotFound)
	// ErrTrackingIDTaken возвращается, если идентификатор отслеживания уже принадлежит другому заказу.
	ErrTrackingIDTaken = errors.New("tracking id already assigned to another order")
)

// StatusUpdate описывает условную запись статуса заказа.
type StatusUpdate struct {
	OrderID    string
	From       model.OrderStatus
	To         model.OrderStatus
	Source     model.StatusSource
	TrackingID string
	RawPayload []byte
	At         time.Time
}
