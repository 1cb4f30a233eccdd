// Package handler содержит HTTP-обработчики API сервиса paygate.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/paygate/internal/middleware"
	"github.com/mmeshcher/paygate/internal/model"
	"github.com/mmeshcher/paygate/internal/service"
)

const maxRequestBody = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*service.CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	GetPaymentRecord(ctx context.Context, orderID string) (*model.PaymentRecord, error)
	PollStatus(ctx context.Context, orderID string) (*service.UpdateResult, error)
	HandleCallback(ctx context.Context, cb service.Callback) (*service.UpdateResult, error)
}

// Handler реализует HTTP-обработчики API сервиса paygate.
type Handler struct {
	service      Service
	logger       *zap.Logger
	callbackAuth *middleware.CallbackAuth
	metrics      http.Handler
	healthCheck  func(ctx context.Context) error
}

// Option настраивает Handler.
type Option func(h *Handler)

// WithMetrics подключает обработчик /metrics.
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithHealthCheck задаёт проверку готовности для /healthz.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(h *Handler) { h.healthCheck = fn }
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.CallbackAuth, opts ...Option) *Handler {
	if auth == nil {
		auth = middleware.NewCallbackAuth("")
	}
	h := &Handler{
		service:      s,
		logger:       logger,
		callbackAuth: auth,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type createOrderRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerEmail string          `json:"customerEmail"`
	CustomerName  string          `json:"customerName"`
	PlanID        string          `json:"planId"`
	PlanName      string          `json:"planName"`
	Description   string          `json:"description"`
}

type createOrderResponse struct {
	OrderID     string `json:"orderId"`
	TrackingID  string `json:"trackingId"`
	RedirectURL string `json:"redirectUrl"`
	Status      string `json:"status"`
}

// CreateOrder создаёт заказ и возвращает адрес страницы оплаты.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.CreateOrder(r.Context(), service.CreateOrderRequest{
		Amount:        req.Amount,
		Currency:      req.Currency,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		PlanID:        req.PlanID,
		PlanName:      req.PlanName,
		Description:   req.Description,
	})
	if err != nil {
		h.writeError(w, "create order error", err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		OrderID:     res.Order.OrderID,
		TrackingID:  res.Order.GatewayTrackingID,
		RedirectURL: res.RedirectURL,
		Status:      string(res.Order.Status),
	})
}

type orderResponse struct {
	OrderID       string          `json:"orderId"`
	TrackingID    string          `json:"trackingId,omitempty"`
	Status        string          `json:"status"`
	StatusSource  string          `json:"statusSource"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description,omitempty"`
	CustomerEmail string          `json:"customerEmail"`
	PlanID        string          `json:"planId,omitempty"`
	PlanName      string          `json:"planName,omitempty"`
	CreatedAt     string          `json:"createdAt"`
	UpdatedAt     string          `json:"updatedAt"`
}

func newOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		OrderID:       o.OrderID,
		TrackingID:    o.GatewayTrackingID,
		Status:        string(o.Status),
		StatusSource:  string(o.StatusSource),
		Amount:        o.Amount,
		Currency:      o.Currency,
		Description:   o.Description,
		CustomerEmail: o.CustomerEmail,
		PlanID:        o.PlanID,
		PlanName:      o.PlanName,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
	}
}

// GetOrder возвращает сохранённое состояние заказа.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, "get order error", err)
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

// GetOrderStatus запрашивает статус заказа у шлюза и возвращает итоговое состояние.
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	res, err := h.service.PollStatus(r.Context(), orderID)
	if err != nil {
		h.writeError(w, "poll order status error", err)
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(res.Order))
}

// GetPaymentRecord возвращает запись об оплате заказа.
func (h *Handler) GetPaymentRecord(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	rec, err := h.service.GetPaymentRecord(r.Context(), orderID)
	if err != nil {
		h.writeError(w, "get payment record error", err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

type ipnRequest struct {
	OrderNotificationType  string `json:"orderNotificationType"`
	OrderTrackingID        string `json:"orderTrackingId"`
	OrderMerchantReference string `json:"orderMerchantReference"`
	Status                 string `json:"status"`
	PaymentMethod          string `json:"paymentMethod"`
}

type ipnResponse struct {
	OrderNotificationType  string `json:"orderNotificationType"`
	OrderTrackingID        string `json:"orderTrackingId"`
	OrderMerchantReference string `json:"orderMerchantReference"`
	Status                 int    `json:"status"`
}

// Notification принимает уведомление шлюза (POST с JSON или GET с параметрами запроса).
func (h *Handler) Notification(w http.ResponseWriter, r *http.Request) {
	var (
		req ipnRequest
		raw []byte
	)

	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req = ipnRequest{
			OrderNotificationType:  q.Get("OrderNotificationType"),
			OrderTrackingID:        q.Get("OrderTrackingId"),
			OrderMerchantReference: q.Get("OrderMerchantReference"),
			Status:                 q.Get("status"),
			PaymentMethod:          q.Get("paymentMethod"),
		}
		raw = []byte(r.URL.RawQuery)
	} else {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeIPN(w, http.StatusBadRequest, req)
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeIPN(w, http.StatusBadRequest, req)
			return
		}
		raw = body
	}

	res, err := h.service.HandleCallback(r.Context(), service.Callback{
		TrackingID:        req.OrderTrackingID,
		MerchantReference: req.OrderMerchantReference,
		Status:            req.Status,
		PaymentMethod:     req.PaymentMethod,
		Raw:               raw,
	})
	if err != nil {
		code := statusCode(err)
		if code >= http.StatusInternalServerError {
			h.logger.Error("notification error", zap.Error(err), zap.String("tracking_id", req.OrderTrackingID))
			code = http.StatusInternalServerError
		}
		writeIPN(w, code, req)
		return
	}

	if req.OrderMerchantReference == "" {
		req.OrderMerchantReference = res.Order.OrderID
	}
	writeIPN(w, http.StatusOK, req)
}

// Health сообщает о готовности сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.healthCheck != nil {
		if err := h.healthCheck(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeIPN(w http.ResponseWriter, code int, req ipnRequest) {
	notificationType := req.OrderNotificationType
	if notificationType == "" {
		notificationType = "IPNCHANGE"
	}
	writeJSON(w, code, ipnResponse{
		OrderNotificationType:  notificationType,
		OrderTrackingID:        req.OrderTrackingID,
		OrderMerchantReference: req.OrderMerchantReference,
		Status:                 code,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	http.Error(w, http.StatusText(code), code)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrGatewayRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrAuthenticationFailed), errors.Is(err, model.ErrTokenRejected):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
