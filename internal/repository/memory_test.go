package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/paygate/internal/model"
)

func newOrder(id string, at time.Time) *model.Order {
	return &model.Order{
		OrderID:       id,
		Amount:        decimal.NewFromInt(1000),
		Currency:      "KES",
		CustomerEmail: "a@b.com",
		Status:        model.OrderStatusCreated,
		StatusSource:  model.SourceIntake,
		CreatedAt:     at,
	}
}

func TestMemory_CreateOrderIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := repo.CreateOrder(ctx, newOrder("PAY-1", now))
	require.NoError(t, err)
	assert.True(t, created)

	dup := newOrder("PAY-1", now)
	dup.Amount = decimal.NewFromInt(5)
	created, err = repo.CreateOrder(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := repo.GetOrder(ctx, "PAY-1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(1000)))
}

func TestMemory_NotFound(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.GetOrder(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrOrderNotFound))
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = repo.GetOrderByTrackingID(context.Background(), "T-404")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = repo.GetPaymentRecord(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrPaymentRecordNotFound))
}

func TestMemory_UpdateStatusCompareAndSet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.CreateOrder(ctx, newOrder("PAY-1", now))
	require.NoError(t, err)

	applied, err := repo.UpdateStatus(ctx, StatusUpdate{
		OrderID:    "PAY-1",
		From:       model.OrderStatusCreated,
		To:         model.OrderStatusPending,
		Source:     model.SourceSubmission,
		TrackingID: "T-1",
		At:         now,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// Проигравшая запись с устаревшим From ничего не меняет.
	applied, err = repo.UpdateStatus(ctx, StatusUpdate{
		OrderID: "PAY-1",
		From:    model.OrderStatusCreated,
		To:      model.OrderStatusError,
		Source:  model.SourceSubmission,
		At:      now,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	// Идентификатор отслеживания не перезаписывается.
	applied, err = repo.UpdateStatus(ctx, StatusUpdate{
		OrderID:    "PAY-1",
		From:       model.OrderStatusPending,
		To:         model.OrderStatusCompleted,
		Source:     model.SourceCallback,
		TrackingID: "T-2",
		RawPayload: []byte(`{"status":"COMPLETED"}`),
		At:         now.Add(time.Second),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repo.GetOrderByTrackingID(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, "PAY-1", got.OrderID)
	assert.Equal(t, "T-1", got.GatewayTrackingID)
	assert.Equal(t, model.OrderStatusCompleted, got.Status)
	assert.Equal(t, model.SourceCallback, got.StatusSource)
	assert.JSONEq(t, `{"status":"COMPLETED"}`, string(got.RawGatewayPayload))

	_, err = repo.GetOrderByTrackingID(ctx, "T-2")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMemory_TrackingIDUnique(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"PAY-1", "PAY-2"} {
		_, err := repo.CreateOrder(ctx, newOrder(id, now))
		require.NoError(t, err)
	}

	_, err := repo.UpdateStatus(ctx, StatusUpdate{OrderID: "PAY-1", From: model.OrderStatusCreated, To: model.OrderStatusPending, TrackingID: "T-1", At: now})
	require.NoError(t, err)

	_, err = repo.UpdateStatus(ctx, StatusUpdate{OrderID: "PAY-2", From: model.OrderStatusCreated, To: model.OrderStatusPending, TrackingID: "T-1", At: now})
	assert.ErrorIs(t, err, ErrTrackingIDTaken)
}

func TestMemory_PaymentRecordOnce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := &model.PaymentRecord{OrderID: "PAY-1", Amount: decimal.NewFromInt(1000), Currency: "KES"}

	created, err := repo.CreatePaymentRecord(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreatePaymentRecord(ctx, rec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, repo.PaymentRecordCount())
}

func TestMemory_GetPendingOrders(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"PAY-1", "PAY-2", "PAY-3"} {
		_, err := repo.CreateOrder(ctx, newOrder(id, base))
		require.NoError(t, err)
		_, err = repo.UpdateStatus(ctx, StatusUpdate{
			OrderID:    id,
			From:       model.OrderStatusCreated,
			To:         model.OrderStatusPending,
			TrackingID: "T-" + id,
			At:         base.Add(time.Duration(3-i) * time.Minute),
		})
		require.NoError(t, err)
	}

	res, err := repo.GetPendingOrders(ctx, base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "PAY-3", res[0].OrderID)
	assert.Equal(t, "PAY-2", res[1].OrderID)

	res, err = repo.GetPendingOrders(ctx, base.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "PAY-3", res[0].OrderID)
}
