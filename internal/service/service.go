// Package service реализует согласование состояния платёжных заказов со шлюзом.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/paygate/internal/gateway"
	"github.com/mmeshcher/paygate/internal/lock"
	"github.com/mmeshcher/paygate/internal/metrics"
	"github.com/mmeshcher/paygate/internal/model"
	"github.com/mmeshcher/paygate/internal/repository"
	"github.com/mmeshcher/paygate/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateOrder(ctx context.Context, o *model.Order) (bool, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	GetOrderByTrackingID(ctx context.Context, trackingID string) (*model.Order, error)
	UpdateStatus(ctx context.Context, u repository.StatusUpdate) (bool, error)
	CreatePaymentRecord(ctx context.Context, rec *model.PaymentRecord) (bool, error)
	GetPaymentRecord(ctx context.Context, orderID string) (*model.PaymentRecord, error)
	GetPendingOrders(ctx context.Context, before time.Time, limit int) ([]model.Order, error)
}

// Gateway описывает операции платёжного шлюза.
type Gateway interface {
	SubmitOrder(ctx context.Context, token string, req gateway.SubmitOrderRequest) (*gateway.SubmitOrderResult, error)
	QueryStatus(ctx context.Context, token, trackingID string) (*gateway.TransactionStatus, error)
	RegisterIPN(ctx context.Context, token, ipnURL string) (string, error)
}

// TokenSource выдаёт bearer-токены шлюза.
type TokenSource interface {
	Acquire(ctx context.Context) (model.Token, error)
	Invalidate(tok model.Token)
}

// EventPublisher публикует события об оплате. Публикация не возвращает ошибок.
type EventPublisher interface {
	PublishPaymentCompleted(ctx context.Context, rec *model.PaymentRecord)
	Close() error
}

// Options задаёт параметры сервиса.
type Options struct {
	OrderPrefix    string
	CallbackURL    string
	IPNURL         string
	NotificationID string

	PollInterval time.Duration
	PollMinAge   time.Duration
	PollBatch    int

	// StoreTimeout ограничивает запись результата отправки заказа, выполняемую
	// независимо от отмены исходного запроса.
	StoreTimeout     time.Duration
	SubmitRetryDelay time.Duration
	StatusRetries    uint64
	StatusRetryBase  time.Duration

	Locker    lock.Locker
	Publisher EventPublisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func (o *Options) setDefaults() {
	if o.OrderPrefix == "" {
		o.OrderPrefix = "PAY"
	}
	if o.PollBatch <= 0 {
		o.PollBatch = 50
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.SubmitRetryDelay <= 0 {
		o.SubmitRetryDelay = 500 * time.Millisecond
	}
	if o.StatusRetryBase <= 0 {
		o.StatusRetryBase = 200 * time.Millisecond
	}
	if o.Locker == nil {
		o.Locker = lock.NewKeyedMutex()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service согласует состояние заказов, приходящее из ответа на отправку,
// уведомлений шлюза и опроса статуса.
type Service struct {
	repo    Repository
	gateway Gateway
	tokens  TokenSource
	locker  lock.Locker
	events  EventPublisher
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	opts    Options

	notifMu        sync.RWMutex
	notificationID string
	notifGroup     singleflight.Group
}

// NewService создаёт сервис с указанным хранилищем, клиентом шлюза и источником токенов.
func NewService(repo Repository, gw Gateway, tokens TokenSource, opts Options) *Service {
	opts.setDefaults()

	return &Service{
		repo:           repo,
		gateway:        gw,
		tokens:         tokens,
		locker:         opts.Locker,
		events:         opts.Publisher,
		logger:         opts.Logger.Named("reconciler"),
		metrics:        opts.Metrics,
		now:            opts.Now,
		opts:           opts,
		notificationID: opts.NotificationID,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	var errs []error
	if s.events != nil {
		errs = append(errs, s.events.Close())
	}
	if s.repo != nil {
		errs = append(errs, s.repo.Close())
	}
	return errors.Join(errs...)
}

// CreateOrderRequest содержит данные для создания заказа.
type CreateOrderRequest struct {
	Amount        decimal.Decimal
	Currency      string
	CustomerEmail string
	CustomerName  string
	PlanID        string
	PlanName      string
	Description   string
}

// CreateOrderResult содержит созданный заказ и адрес оплаты.
type CreateOrderResult struct {
	Order       *model.Order
	RedirectURL string
}

// CreateOrder сохраняет заказ, отправляет его в шлюз и переводит в PENDING.
// При ошибке отправки заказ переводится в ERROR, а ошибка возвращается вызывающему.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	intake := validation.OrderIntake{
		Amount:        req.Amount,
		Currency:      req.Currency,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		PlanID:        req.PlanID,
		PlanName:      req.PlanName,
		Description:   req.Description,
	}
	intake.Normalize()
	if err := validation.ValidateOrderIntake(intake); err != nil {
		return nil, err
	}
	if s.gateway == nil || s.tokens == nil {
		return nil, fmt.Errorf("%w: gateway client not configured", model.ErrGatewayUnavailable)
	}

	now := s.now().UTC()
	order := &model.Order{
		OrderID:       s.newOrderID(now),
		Amount:        intake.Amount,
		Currency:      intake.Currency,
		CustomerEmail: intake.CustomerEmail,
		CustomerName:  intake.CustomerName,
		PlanID:        intake.PlanID,
		PlanName:      intake.PlanName,
		Status:        model.OrderStatusCreated,
		StatusSource:  model.SourceIntake,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	order.Description = describe(intake.Description, order)

	if _, err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("store order: %w", err)
	}

	log := s.logger.With(zap.String("order_id", order.OrderID))
	log.Info("order created", zap.String("amount", order.Amount.String()), zap.String("currency", order.Currency))

	first, last := splitName(order.CustomerName)
	submitted, submitErr := s.submit(ctx, gateway.SubmitOrderRequest{
		OrderID:        order.OrderID,
		Amount:         order.Amount.String(),
		Currency:       order.Currency,
		Description:    order.Description,
		CallbackURL:    s.opts.CallbackURL,
		NotificationID: s.ensureNotificationID(ctx),
		Email:          order.CustomerEmail,
		FirstName:      first,
		LastName:       last,
	})

	// Заказ мог быть принят шлюзом: локальная запись выполняется даже после отмены запроса.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()

	if submitErr != nil {
		s.logSubmitFailure(log, submitErr)
		if _, err := s.apply(storeCtx, transition{
			orderID: order.OrderID,
			to:      model.OrderStatusError,
			source:  model.SourceSubmission,
		}); err != nil {
			log.Error("mark order as error failed", zap.Error(err))
		}
		return nil, submitErr
	}

	res, err := s.apply(storeCtx, transition{
		orderID:    order.OrderID,
		to:         model.OrderStatusPending,
		source:     model.SourceSubmission,
		trackingID: submitted.TrackingID,
		raw:        submitted.Raw,
	})
	if err != nil {
		log.Error("store tracking id failed", zap.String("tracking_id", submitted.TrackingID), zap.Error(err))
		return nil, fmt.Errorf("store tracking id: %w", err)
	}

	log.Info("order submitted", zap.String("tracking_id", submitted.TrackingID))

	return &CreateOrderResult{
		Order:       res.Order,
		RedirectURL: submitted.RedirectURL,
	}, nil
}

// GetOrder возвращает сохранённый заказ.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	if !validation.IsValidOrderID(orderID) {
		return nil, fmt.Errorf("%w: order id is required", model.ErrInvalidRequest)
	}
	return s.repo.GetOrder(ctx, orderID)
}

// GetPaymentRecord возвращает запись об оплате заказа.
func (s *Service) GetPaymentRecord(ctx context.Context, orderID string) (*model.PaymentRecord, error) {
	if !validation.IsValidOrderID(orderID) {
		return nil, fmt.Errorf("%w: order id is required", model.ErrInvalidRequest)
	}
	return s.repo.GetPaymentRecord(ctx, orderID)
}

// PollStatus запрашивает статус заказа у шлюза и применяет его.
// Заказы без идентификатора отслеживания и в терминальном статусе возвращаются без запроса.
func (s *Service) PollStatus(ctx context.Context, orderID string) (*UpdateResult, error) {
	if !validation.IsValidOrderID(orderID) {
		return nil, fmt.Errorf("%w: order id is required", model.ErrInvalidRequest)
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() || !order.HasTrackingID() {
		return &UpdateResult{Order: order, Decision: model.DecisionNoop}, nil
	}

	st, err := s.queryStatus(ctx, order.GatewayTrackingID)
	if err != nil {
		return nil, err
	}
	if st.MerchantReference != "" && st.MerchantReference != order.OrderID {
		s.logger.Warn("gateway merchant reference mismatch",
			zap.String("order_id", order.OrderID),
			zap.String("tracking_id", order.GatewayTrackingID),
			zap.String("merchant_reference", st.MerchantReference),
		)
	}

	return s.apply(ctx, transition{
		orderID:       order.OrderID,
		to:            st.Status,
		source:        model.SourcePoll,
		raw:           st.Raw,
		paymentMethod: st.PaymentMethod,
	})
}

// Callback — уведомление шлюза об изменении статуса.
type Callback struct {
	TrackingID        string
	MerchantReference string
	Status            string
	PaymentMethod     string
	Raw               []byte
}

// HandleCallback применяет уведомление шлюза. Уведомление для неизвестного
// идентификатора отслеживания ничего не записывает и возвращает ErrNotFound.
// Если статус в уведомлении не указан, он запрашивается у шлюза.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (*UpdateResult, error) {
	cb.TrackingID = strings.TrimSpace(cb.TrackingID)
	if cb.TrackingID == "" {
		return nil, fmt.Errorf("%w: tracking id is required", model.ErrInvalidRequest)
	}

	order, err := s.repo.GetOrderByTrackingID(ctx, cb.TrackingID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.logger.Warn("callback for unknown tracking id", zap.String("tracking_id", cb.TrackingID))
		}
		return nil, err
	}

	t := transition{
		orderID:       order.OrderID,
		source:        model.SourceCallback,
		raw:           cb.Raw,
		paymentMethod: cb.PaymentMethod,
	}

	if strings.TrimSpace(cb.Status) == "" {
		st, err := s.queryStatus(ctx, cb.TrackingID)
		if err != nil {
			return nil, err
		}
		t.to = st.Status
		t.raw = st.Raw
		t.paymentMethod = st.PaymentMethod
	} else {
		t.to, err = model.NormalizeGatewayStatus(cb.Status, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
		}
	}

	return s.apply(ctx, t)
}

// EnsureNotificationID возвращает идентификатор уведомлений, при необходимости
// регистрируя IPN_URL в шлюзе. Ошибка регистрации только логируется.
func (s *Service) EnsureNotificationID(ctx context.Context) string {
	return s.ensureNotificationID(ctx)
}

func (s *Service) ensureNotificationID(ctx context.Context) string {
	s.notifMu.RLock()
	id := s.notificationID
	s.notifMu.RUnlock()

	if id != "" || s.opts.IPNURL == "" || s.gateway == nil || s.tokens == nil {
		return id
	}

	v, err, _ := s.notifGroup.Do("ipn", func() (any, error) {
		return callWithToken(ctx, s.tokens, func(token string) (string, error) {
			return s.gateway.RegisterIPN(ctx, token, s.opts.IPNURL)
		})
	})
	if err != nil {
		s.logger.Warn("ipn registration failed, submitting without notification id",
			zap.String("ipn_url", s.opts.IPNURL), zap.Error(err))
		return ""
	}

	id = v.(string)
	s.notifMu.Lock()
	s.notificationID = id
	s.notifMu.Unlock()

	s.logger.Info("ipn url registered", zap.String("ipn_url", s.opts.IPNURL), zap.String("notification_id", id))
	return id
}

// submit отправляет заказ. Недоступность шлюза повторяется один раз с тем же
// идентификатором заказа; отказ шлюза не повторяется.
func (s *Service) submit(ctx context.Context, req gateway.SubmitOrderRequest) (*gateway.SubmitOrderResult, error) {
	var res *gateway.SubmitOrderResult

	backoff := retry.WithMaxRetries(1, retry.NewConstant(s.opts.SubmitRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		res, err = callWithToken(ctx, s.tokens, func(token string) (*gateway.SubmitOrderResult, error) {
			return s.gateway.SubmitOrder(ctx, token, req)
		})
		if model.IsRetryable(err) {
			s.logger.Warn("gateway unavailable on submit, retrying",
				zap.String("order_id", req.OrderID), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// queryStatus запрашивает статус. Запрос только читает данные и повторяется при недоступности шлюза.
func (s *Service) queryStatus(ctx context.Context, trackingID string) (*gateway.TransactionStatus, error) {
	if s.gateway == nil || s.tokens == nil {
		return nil, fmt.Errorf("%w: gateway client not configured", model.ErrGatewayUnavailable)
	}

	var res *gateway.TransactionStatus

	backoff := retry.WithMaxRetries(s.opts.StatusRetries, retry.NewExponential(s.opts.StatusRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		res, err = callWithToken(ctx, s.tokens, func(token string) (*gateway.TransactionStatus, error) {
			return s.gateway.QueryStatus(ctx, token, trackingID)
		})
		if model.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrMalformedResponse) {
			s.logger.Error("malformed status response", zap.String("tracking_id", trackingID), zap.Error(err))
		}
		return nil, err
	}
	return res, nil
}

// callWithToken выполняет fn с токеном из кэша. Если шлюз отклонил токен,
// кэш сбрасывается и вызов повторяется ровно один раз.
func callWithToken[T any](ctx context.Context, tokens TokenSource, fn func(token string) (T, error)) (T, error) {
	var zero T

	tok, err := tokens.Acquire(ctx)
	if err != nil {
		return zero, err
	}

	res, err := fn(tok.Value)
	if !errors.Is(err, model.ErrTokenRejected) {
		return res, err
	}

	tokens.Invalidate(tok)

	tok, err = tokens.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	return fn(tok.Value)
}

func (s *Service) logSubmitFailure(log *zap.Logger, err error) {
	switch {
	case errors.Is(err, model.ErrMalformedResponse):
		log.Error("gateway returned malformed submit response", zap.Error(err))
	case errors.Is(err, model.ErrGatewayRejected):
		log.Warn("gateway rejected order", zap.Error(err))
	default:
		log.Error("order submission failed", zap.Error(err))
	}
}

func (s *Service) newOrderID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", s.opts.OrderPrefix, now.UnixMilli(), strings.ToUpper(suffix))
}

func describe(description string, o *model.Order) string {
	if description == "" {
		description = o.PlanName
	}
	if description == "" {
		description = "Payment " + o.OrderID
	}
	if r := []rune(description); len(r) > 100 {
		description = string(r[:100])
	}
	return description
}

func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
