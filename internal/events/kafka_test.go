package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/paygate/internal/metrics"
	"github.com/mmeshcher/paygate/internal/model"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func testRecord() *model.PaymentRecord {
	return &model.PaymentRecord{
		OrderID:           "PAY-1",
		GatewayTrackingID: "T-1",
		Email:             "a@b.com",
		Amount:            decimal.NewFromInt(1000),
		Currency:          "KES",
		CreatedAt:         time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_PublishesEnvelope(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, 4, nil, nil)

	p.PublishPaymentCompleted(context.Background(), testRecord())
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 1)
	assert.True(t, w.closed)
	assert.Equal(t, "PAY-1", string(w.msgs[0].Key))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, EventPaymentCompleted, env.EventType)
	assert.Equal(t, "PAY-1", env.CorrelationID)
	assert.NotEmpty(t, env.EventID)

	var rec model.PaymentRecord
	require.NoError(t, json.Unmarshal(env.Payload, &rec))
	assert.Equal(t, "T-1", rec.GatewayTrackingID)
	assert.True(t, rec.Amount.Equal(decimal.NewFromInt(1000)))
}

func TestKafkaPublisher_FailureIsCountedNotReturned(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	m := metrics.New(prometheus.NewRegistry())
	p := NewKafkaPublisher(w, 4, nil, m)

	p.PublishPaymentCompleted(context.Background(), testRecord())
	require.NoError(t, p.Close())

	assert.Empty(t, w.msgs)
}

func TestKafkaPublisher_CloseIsIdempotent(t *testing.T) {
	p := NewKafkaPublisher(&fakeWriter{}, 1, nil, nil)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_PublishAfterCloseIsDropped(t *testing.T) {
	w := &fakeWriter{}
	reg := prometheus.NewRegistry()
	p := NewKafkaPublisher(w, 4, nil, metrics.New(reg))
	require.NoError(t, p.Close())

	assert.NotPanics(t, func() {
		p.PublishPaymentCompleted(context.Background(), testRecord())
	})
	assert.Empty(t, w.msgs)

	expected := `
# HELP paygate_events_published_total Payment events handed to the broker by result.
# TYPE paygate_events_published_total counter
paygate_events_published_total{result="failure"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "paygate_events_published_total"))
}
