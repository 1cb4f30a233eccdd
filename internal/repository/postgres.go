// Package repository содержит хранилища заказов и записей об оплате.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/paygate/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const orderColumns = `order_id, amount::text, currency, description, customer_email, customer_name,
	plan_id, plan_name, COALESCE(gateway_tracking_id, ''), status, status_source,
	raw_gateway_payload, created_at, updated_at`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	backoff func() retry.Backoff
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool: pool,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
		},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации, взаимоблокировках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateOrder сохраняет новый заказ. Повторная вставка того же order_id не меняет данных.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (bool, error) {
	var inserted bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`INSERT INTO orders (order_id, amount, currency, description, customer_email, customer_name,
			                     plan_id, plan_name, status, status_source, created_at, updated_at)
			 VALUES ($1, $2::numeric, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			 ON CONFLICT (order_id) DO NOTHING`,
			o.OrderID, o.Amount.String(), o.Currency, o.Description, o.CustomerEmail, o.CustomerName,
			o.PlanID, o.PlanName, string(o.Status), string(o.StatusSource), o.CreatedAt,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}
	return inserted, nil
}

// GetOrder возвращает заказ по его идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrderByTrackingID возвращает заказ по идентификатору отслеживания шлюза.
func (r *PostgresRepository) GetOrderByTrackingID(ctx context.Context, trackingID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE gateway_tracking_id = $1`, trackingID)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: tracking id %s", ErrOrderNotFound, trackingID)
		}
		return nil, fmt.Errorf("get order by tracking id: %w", err)
	}
	return o, nil
}

// UpdateStatus выполняет условную запись статуса: строка меняется, только если
// текущий статус равен u.From. Идентификатор отслеживания записывается один раз.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	var applied bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET status = $3,
			     status_source = $4,
			     raw_gateway_payload = COALESCE($5, raw_gateway_payload),
			     gateway_tracking_id = COALESCE(gateway_tracking_id, NULLIF($6, '')),
			     updated_at = $7
			 WHERE order_id = $1 AND status = $2`,
			u.OrderID, string(u.From), string(u.To), string(u.Source), u.RawPayload, u.TrackingID, u.At,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrTrackingIDTaken, u.TrackingID)
			}
			return err
		}
		applied = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return applied, nil
}

// CreatePaymentRecord сохраняет запись об оплате. Возвращает false, если запись уже была.
func (r *PostgresRepository) CreatePaymentRecord(ctx context.Context, rec *model.PaymentRecord) (bool, error) {
	var inserted bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`INSERT INTO payment_records (order_id, gateway_tracking_id, email, plan_id, plan_name,
			                              amount, currency, payment_method, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
			 ON CONFLICT (order_id) DO NOTHING`,
			rec.OrderID, rec.GatewayTrackingID, rec.Email, rec.PlanID, rec.PlanName,
			rec.Amount.String(), rec.Currency, rec.PaymentMethod, rec.CreatedAt,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert payment record: %w", err)
	}
	return inserted, nil
}

// GetPaymentRecord возвращает запись об оплате заказа.
func (r *PostgresRepository) GetPaymentRecord(ctx context.Context, orderID string) (*model.PaymentRecord, error) {
	var (
		rec    model.PaymentRecord
		amount string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT order_id, gateway_tracking_id, email, plan_id, plan_name, amount::text,
		        currency, payment_method, created_at
		 FROM payment_records WHERE order_id = $1`,
		orderID,
	).Scan(&rec.OrderID, &rec.GatewayTrackingID, &rec.Email, &rec.PlanID, &rec.PlanName, &amount,
		&rec.Currency, &rec.PaymentMethod, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPaymentRecordNotFound, orderID)
		}
		return nil, fmt.Errorf("get payment record: %w", err)
	}

	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &rec, nil
}

// GetPendingOrders возвращает заказы в статусе PENDING, не обновлявшиеся с момента before.
func (r *PostgresRepository) GetPendingOrders(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status = $1 AND updated_at <= $2
		 ORDER BY updated_at
		 LIMIT $3`,
		string(model.OrderStatusPending), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		amount string
		status string
		source string
	)
	err := row.Scan(&o.OrderID, &amount, &o.Currency, &o.Description, &o.CustomerEmail, &o.CustomerName,
		&o.PlanID, &o.PlanName, &o.GatewayTrackingID, &status, &source,
		&o.RawGatewayPayload, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	o.Status = model.OrderStatus(status)
	o.StatusSource = model.StatusSource(source)

	return &o, nil
}
