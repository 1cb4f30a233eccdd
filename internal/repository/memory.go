package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/paygate/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется без DATABASE_URI
// и в тестах; семантика условных записей совпадает с PostgresRepository.
type MemoryRepository struct {
	mu         sync.RWMutex
	orders     map[string]*model.Order
	byTracking map[string]string
	payments   map[string]*model.PaymentRecord
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:     make(map[string]*model.Order),
		byTracking: make(map[string]string),
		payments:   make(map[string]*model.PaymentRecord),
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// Ping всегда успешен.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// CreateOrder сохраняет новый заказ. Повторная вставка того же order_id не меняет данных.
func (r *MemoryRepository) CreateOrder(ctx context.Context, o *model.Order) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.OrderID]; ok {
		return false, nil
	}

	stored := cloneOrder(o)
	stored.UpdatedAt = stored.CreatedAt
	r.orders[o.OrderID] = stored
	return true, nil
}

// GetOrder возвращает заказ по его идентификатору.
func (r *MemoryRepository) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return cloneOrder(o), nil
}

// GetOrderByTrackingID возвращает заказ по идентификатору отслеживания шлюза.
func (r *MemoryRepository) GetOrderByTrackingID(ctx context.Context, trackingID string) (*model.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byTracking[trackingID]
	if !ok {
		return nil, fmt.Errorf("%w: tracking id %s", ErrOrderNotFound, trackingID)
	}
	return cloneOrder(r.orders[id]), nil
}

// UpdateStatus выполняет условную запись статуса.
func (r *MemoryRepository) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[u.OrderID]
	if !ok || o.Status != u.From {
		return false, nil
	}

	if u.TrackingID != "" && o.GatewayTrackingID == "" {
		if owner, taken := r.byTracking[u.TrackingID]; taken && owner != o.OrderID {
			return false, fmt.Errorf("update order status: %w: %s", ErrTrackingIDTaken, u.TrackingID)
		}
		o.GatewayTrackingID = u.TrackingID
		r.byTracking[u.TrackingID] = o.OrderID
	}

	o.Status = u.To
	o.StatusSource = u.Source
	if u.RawPayload != nil {
		o.RawGatewayPayload = append([]byte(nil), u.RawPayload...)
	}
	o.UpdatedAt = u.At

	return true, nil
}

// CreatePaymentRecord сохраняет запись об оплате. Возвращает false, если запись уже была.
func (r *MemoryRepository) CreatePaymentRecord(ctx context.Context, rec *model.PaymentRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.payments[rec.OrderID]; ok {
		return false, nil
	}
	cp := *rec
	r.payments[rec.OrderID] = &cp
	return true, nil
}

// GetPaymentRecord возвращает запись об оплате заказа.
func (r *MemoryRepository) GetPaymentRecord(ctx context.Context, orderID string) (*model.PaymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.payments[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentRecordNotFound, orderID)
	}
	cp := *rec
	return &cp, nil
}

// GetPendingOrders возвращает заказы в статусе PENDING, не обновлявшиеся с момента before.
func (r *MemoryRepository) GetPendingOrders(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Order
	for _, o := range r.orders {
		if o.Status == model.OrderStatusPending && !o.UpdatedAt.After(before) {
			res = append(res, *cloneOrder(o))
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.Before(res[j].UpdatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// PaymentRecordCount возвращает число записей об оплате.
func (r *MemoryRepository) PaymentRecordCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.payments)
}

func cloneOrder(o *model.Order) *model.Order {
	cp := *o
	if o.RawGatewayPayload != nil {
		cp.RawGatewayPayload = append([]byte(nil), o.RawGatewayPayload...)
	}
	return &cp
}
