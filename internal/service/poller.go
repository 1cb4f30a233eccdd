package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/paygate/internal/model"
)

// RunStatusPolling периодически опрашивает шлюз о заказах, которые дольше
// PollMinAge остаются в статусе PENDING. Блокирует до отмены ctx.
func (s *Service) RunStatusPolling(ctx context.Context) {
	if s.gateway == nil || s.tokens == nil || s.opts.PollInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollPendingBatch(ctx)
		}
	}
}

func (s *Service) pollPendingBatch(ctx context.Context) {
	before := s.now().UTC().Add(-s.opts.PollMinAge)

	orders, err := s.repo.GetPendingOrders(ctx, before, s.opts.PollBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("load pending orders failed", zap.Error(err))
		}
		return
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}

		res, err := s.PollStatus(ctx, o.OrderID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn("poll order status failed", zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		if res.Decision == model.DecisionApply {
			s.logger.Debug("order updated by poll",
				zap.String("order_id", o.OrderID),
				zap.String("status", string(res.Order.Status)))
		}
	}
}
