package service

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/paygate/internal/model"
	"github.com/mmeshcher/paygate/internal/repository"
)

// maxUpdateAttempts ограничивает число перечитываний заказа, когда условная
// запись проиграла гонку другому процессу.
const maxUpdateAttempts = 3

// UpdateResult — итог применения статуса к заказу.
type UpdateResult struct {
	Order    *model.Order
	Decision model.Decision
	// PaymentRecordCreated истинно только для вызова, который создал запись об оплате.
	PaymentRecordCreated bool
	// Anomaly содержит *model.StatusConflictError, если переход был отклонён.
	Anomaly error
}

type transition struct {
	orderID       string
	to            model.OrderStatus
	source        model.StatusSource
	trackingID    string
	raw           []byte
	paymentMethod string
}

// apply выполняет чтение-решение-запись под блокировкой заказа.
// Блокировка не удерживается во время сетевых вызовов к шлюзу.
func (s *Service) apply(ctx context.Context, t transition) (*UpdateResult, error) {
	unlock, err := s.locker.Lock(ctx, t.orderID)
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", t.orderID, err)
	}
	defer unlock()

	log := s.logger.With(
		zap.String("order_id", t.orderID),
		zap.String("source", string(t.source)),
		zap.String("status", string(t.to)),
	)

	for range maxUpdateAttempts {
		order, err := s.repo.GetOrder(ctx, t.orderID)
		if err != nil {
			return nil, err
		}

		decision := model.Decide(order.Status, t.to)
		switch decision {
		case model.DecisionReject:
			s.recordTransition(t, decision)
			conflict := &model.StatusConflictError{
				OrderID:   order.OrderID,
				Current:   order.Status,
				Attempted: t.to,
				Source:    t.source,
			}
			log.Warn("inconsistent status update rejected", zap.String("current", string(order.Status)))
			return &UpdateResult{Order: order, Decision: decision, Anomaly: conflict}, nil

		case model.DecisionNoop:
			if !order.Status.IsTerminal() && t.raw != nil && !bytes.Equal(t.raw, order.RawGatewayPayload) {
				refreshed, err := s.refreshPayload(ctx, order, t.raw)
				if err != nil {
					return nil, err
				}
				if !refreshed {
					continue
				}
			}
			s.recordTransition(t, decision)
			created, err := s.ensurePaymentRecord(ctx, order, t.paymentMethod)
			if err != nil {
				return nil, err
			}
			log.Debug("status unchanged")
			return &UpdateResult{Order: order, Decision: decision, PaymentRecordCreated: created}, nil
		}

		at := s.now().UTC()
		applied, err := s.repo.UpdateStatus(ctx, repository.StatusUpdate{
			OrderID:    order.OrderID,
			From:       order.Status,
			To:         t.to,
			Source:     t.source,
			TrackingID: t.trackingID,
			RawPayload: t.raw,
			At:         at,
		})
		if err != nil {
			return nil, fmt.Errorf("update order %s: %w", order.OrderID, err)
		}
		if !applied {
			log.Debug("concurrent status update detected, re-reading order")
			continue
		}

		s.recordTransition(t, decision)
		log.Info("order status changed", zap.String("from", string(order.Status)))

		order.Status = t.to
		order.StatusSource = t.source
		order.UpdatedAt = at
		if order.GatewayTrackingID == "" && t.trackingID != "" {
			order.GatewayTrackingID = t.trackingID
		}
		if t.raw != nil {
			order.RawGatewayPayload = t.raw
		}

		created, err := s.ensurePaymentRecord(ctx, order, t.paymentMethod)
		if err != nil {
			return nil, err
		}
		return &UpdateResult{Order: order, Decision: decision, PaymentRecordCreated: created}, nil
	}

	return nil, fmt.Errorf("update order %s: too many concurrent writers", t.orderID)
}

// refreshPayload сохраняет свежий ответ шлюза, не меняя статус и его источник.
func (s *Service) refreshPayload(ctx context.Context, order *model.Order, raw []byte) (bool, error) {
	at := s.now().UTC()
	applied, err := s.repo.UpdateStatus(ctx, repository.StatusUpdate{
		OrderID:    order.OrderID,
		From:       order.Status,
		To:         order.Status,
		Source:     order.StatusSource,
		RawPayload: raw,
		At:         at,
	})
	if err != nil {
		return false, fmt.Errorf("update order %s payload: %w", order.OrderID, err)
	}
	if applied {
		order.RawGatewayPayload = raw
		order.UpdatedAt = at
	}
	return applied, nil
}

// ensurePaymentRecord создаёт запись об оплате для заказа в статусе COMPLETED.
// Повторные вызовы находят существующую запись и ничего не создают.
func (s *Service) ensurePaymentRecord(ctx context.Context, order *model.Order, paymentMethod string) (bool, error) {
	if order.Status != model.OrderStatusCompleted {
		return false, nil
	}

	rec := model.NewPaymentRecord(order, paymentMethod, s.now().UTC())
	created, err := s.repo.CreatePaymentRecord(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("create payment record for %s: %w", order.OrderID, err)
	}
	if !created {
		return false, nil
	}

	s.logger.Info("payment record created",
		zap.String("order_id", rec.OrderID),
		zap.String("tracking_id", rec.GatewayTrackingID),
		zap.String("amount", rec.Amount.String()),
		zap.String("currency", rec.Currency),
	)
	if s.metrics != nil {
		s.metrics.RecordPaymentRecord()
	}
	if s.events != nil {
		s.events.PublishPaymentCompleted(ctx, rec)
	}
	return true, nil
}

func (s *Service) recordTransition(t transition, d model.Decision) {
	if s.metrics != nil {
		s.metrics.RecordTransition(string(t.source), string(t.to), d.String())
	}
}
