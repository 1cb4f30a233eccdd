// Package model содержит доменные сущности платёжного шлюза paygate.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusSource описывает канал, через который пришло последнее обновление статуса.
type StatusSource string

const (
	SourceIntake     StatusSource = "intake"
	SourceSubmission StatusSource = "submission"
	SourceCallback   StatusSource = "callback"
	SourcePoll       StatusSource = "poll"
)

// Token — выданный шлюзом bearer-токен. Не изменяется после выдачи.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// ValidFor сообщает, остаётся ли токен действительным ещё как минимум margin.
func (t Token) ValidFor(now time.Time, margin time.Duration) bool {
	return t.Value != "" && t.ExpiresAt.Sub(now) > margin
}

// Order описывает платёжный заказ и его текущее состояние у шлюза.
type Order struct {
	OrderID           string
	Amount            decimal.Decimal
	Currency          string
	Description       string
	CustomerEmail     string
	CustomerName      string
	PlanID            string
	PlanName          string
	GatewayTrackingID string
	Status            OrderStatus
	StatusSource      StatusSource
	RawGatewayPayload []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasTrackingID сообщает, назначил ли шлюз заказу идентификатор отслеживания.
func (o *Order) HasTrackingID() bool {
	return o.GatewayTrackingID != ""
}

// PaymentRecord — запись об успешной оплате. Создаётся ровно один раз на заказ.
type PaymentRecord struct {
	OrderID           string          `json:"orderId"`
	GatewayTrackingID string          `json:"gatewayTrackingId"`
	Email             string          `json:"email"`
	PlanID            string          `json:"planId,omitempty"`
	PlanName          string          `json:"planName,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PaymentMethod     string          `json:"paymentMethod,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// NewPaymentRecord строит запись об оплате для заказа, перешедшего в COMPLETED.
func NewPaymentRecord(o *Order, paymentMethod string, now time.Time) *PaymentRecord {
	return &PaymentRecord{
		OrderID:           o.OrderID,
		GatewayTrackingID: o.GatewayTrackingID,
		Email:             o.CustomerEmail,
		PlanID:            o.PlanID,
		PlanName:          o.PlanName,
		Amount:            o.Amount,
		Currency:          o.Currency,
		PaymentMethod:     paymentMethod,
		CreatedAt:         now,
	}
}
