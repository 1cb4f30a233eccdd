package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/paygate/internal/metrics"
	"github.com/mmeshcher/paygate/internal/model"
)

// MessageWriter описывает часть kafka.Writer, используемую публикатором.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher отправляет события в Kafka из фоновой горутины.
// Публикация не блокирует вызывающего: при переполненном буфере событие
// отбрасывается с записью в лог.
type KafkaPublisher struct {
	w       MessageWriter
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	inbox  chan kafka.Message
	done   chan struct{}
}

// NewKafkaWriter создаёт writer для указанных брокеров и топика.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 10 * time.Second,
	}
}

// NewKafkaPublisher запускает фоновую отправку сообщений через w.
func NewKafkaPublisher(w MessageWriter, buf int, logger *zap.Logger, m *metrics.Metrics) *KafkaPublisher {
	if buf <= 0 {
		buf = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &KafkaPublisher{
		w:       w,
		logger:  logger.Named("events"),
		metrics: m,
		inbox:   make(chan kafka.Message, buf),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// PublishPaymentCompleted ставит событие PaymentCompleted в очередь на отправку.
func (p *KafkaPublisher) PublishPaymentCompleted(ctx context.Context, rec *model.PaymentRecord) {
	env, err := NewPaymentCompleted(rec, time.Now())
	if err != nil {
		p.fail("build event failed", rec.OrderID, err)
		return
	}
	value, err := json.Marshal(env)
	if err != nil {
		p.fail("encode event failed", rec.OrderID, err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(rec.OrderID),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.fail("publisher closed, dropping event", rec.OrderID, nil)
		return
	}

	select {
	case p.inbox <- msg:
	default:
		p.fail("event buffer full, dropping event", rec.OrderID, nil)
	}
}

func (p *KafkaPublisher) loop() {
	defer close(p.done)

	for msg := range p.inbox {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := p.w.WriteMessages(ctx, msg)
		cancel()

		if err != nil {
			p.fail("publish event failed", string(msg.Key), err)
			continue
		}
		if p.metrics != nil {
			p.metrics.RecordEventPublished(true)
		}
	}
}

func (p *KafkaPublisher) fail(msg, orderID string, err error) {
	if p.metrics != nil {
		p.metrics.RecordEventPublished(false)
	}
	fields := []zap.Field{zap.String("order_id", orderID)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	p.logger.Error(msg, fields...)
}

// Close дожидается отправки накопленных событий и закрывает writer.
// События, опубликованные после Close, отбрасываются.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.inbox)
	p.mu.Unlock()

	<-p.done
	return p.w.Close()
}

// NopPublisher не публикует события.
type NopPublisher struct{}

// PublishPaymentCompleted ничего не делает.
func (NopPublisher) PublishPaymentCompleted(context.Context, *model.PaymentRecord) {}

// Close ничего не делает.
func (NopPublisher) Close() error { return nil }
