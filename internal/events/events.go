// Package events публикует доменные события платёжного шлюза.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/paygate/internal/model"
)

const (
	// EventPaymentCompleted публикуется один раз при создании записи об оплате.
	EventPaymentCompleted = "PaymentCompleted"

	producerName = "paygate"
)

// Envelope — общая обёртка события.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewPaymentCompleted строит событие для созданной записи об оплате.
func NewPaymentCompleted(rec *model.PaymentRecord, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payment record: %w", err)
	}

	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventPaymentCompleted,
		EventVersion:  1,
		OccurredAt:    now.UTC(),
		Producer:      producerName,
		CorrelationID: rec.OrderID,
		Payload:       payload,
	}, nil
}
