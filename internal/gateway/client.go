// Package gateway предоставляет клиент API внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmeshcher/paygate/internal/metrics"
	"github.com/mmeshcher/paygate/internal/model"
)

// DefaultTimeout ограничивает каждый вызов шлюза.
const DefaultTimeout = 25 * time.Second

const (
	pathRequestToken = "/api/Auth/RequestToken"
	pathRegisterIPN  = "/api/URLSetup/RegisterIPN"
	pathSubmitOrder  = "/api/Transactions/SubmitOrderRequest"
	pathOrderStatus  = "/api/Transactions/GetTransactionStatus"

	maxBodySize = 1 << 20
)

// Credentials содержит пару ключей мерчанта.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
}

// Client инкапсулирует HTTP-взаимодействие со шлюзом. Клиент не хранит
// состояния и не повторяет запросы: политику повторов определяет вызывающий.
type Client struct {
	baseURL     string
	credentials Credentials
	httpClient  *http.Client
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewClient создаёт клиент шлюза по указанному адресу.
func NewClient(baseURL string, creds Credentials, timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &Client{
		baseURL:     base,
		credentials: creds,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		metrics: m,
		now:     time.Now,
	}
}

// SubmitOrderRequest описывает заказ, отправляемый в шлюз.
type SubmitOrderRequest struct {
	OrderID        string
	Amount         string
	Currency       string
	Description    string
	CallbackURL    string
	NotificationID string
	Email          string
	FirstName      string
	LastName       string
}

// SubmitOrderResult содержит ответ шлюза на регистрацию заказа.
type SubmitOrderResult struct {
	TrackingID        string
	MerchantReference string
	RedirectURL       string
	Raw               []byte
}

// TransactionStatus хранит нормализованный статус транзакции и исходный ответ.
type TransactionStatus struct {
	Status            model.OrderStatus
	TrackingID        string
	MerchantReference string
	PaymentMethod     string
	ConfirmationCode  string
	Raw               []byte
}

type apiError struct {
	ErrorType string `json:"error_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *apiError) present() bool {
	return e != nil && (e.Code != "" || e.Message != "" || e.ErrorType != "")
}

type tokenRequest struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

type tokenResponse struct {
	Token      string    `json:"token"`
	ExpiryDate string    `json:"expiryDate"`
	Error      *apiError `json:"error"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
}

type billingAddress struct {
	EmailAddress string `json:"email_address"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
}

type submitOrderBody struct {
	ID             string         `json:"id"`
	Currency       string         `json:"currency"`
	Amount         json.Number    `json:"amount"`
	Description    string         `json:"description"`
	CallbackURL    string         `json:"callback_url"`
	NotificationID string         `json:"notification_id"`
	BillingAddress billingAddress `json:"billing_address"`
}

type submitOrderResponse struct {
	OrderTrackingID   string    `json:"order_tracking_id"`
	MerchantReference string    `json:"merchant_reference"`
	RedirectURL       string    `json:"redirect_url"`
	Error             *apiError `json:"error"`
	Status            string    `json:"status"`
}

type statusResponse struct {
	PaymentMethod            string    `json:"payment_method"`
	ConfirmationCode         string    `json:"confirmation_code"`
	PaymentStatusDescription string    `json:"payment_status_description"`
	StatusCode               *int      `json:"status_code"`
	MerchantReference        string    `json:"merchant_reference"`
	Currency                 string    `json:"currency"`
	Error                    *apiError `json:"error"`
	Status                   string    `json:"status"`
}

type registerIPNBody struct {
	URL              string `json:"url"`
	NotificationType string `json:"ipn_notification_type"`
}

type registerIPNResponse struct {
	IPNID string    `json:"ipn_id"`
	URL   string    `json:"url"`
	Error *apiError `json:"error"`
}

// Authenticate обменивает пару ключей на bearer-токен.
func (c *Client) Authenticate(ctx context.Context) (model.Token, error) {
	var resp tokenResponse
	_, err := c.do(ctx, "authenticate", http.MethodPost, pathRequestToken, "", tokenRequest{
		ConsumerKey:    c.credentials.ConsumerKey,
		ConsumerSecret: c.credentials.ConsumerSecret,
	}, &resp)
	if err != nil {
		// 401 на этапе аутентификации означает неверные ключи, а не протухший токен.
		if errors.Is(err, model.ErrTokenRejected) || errors.Is(err, model.ErrGatewayRejected) {
			return model.Token{}, fmt.Errorf("%w: %w", model.ErrAuthenticationFailed, err)
		}
		return model.Token{}, err
	}

	if resp.Error.present() {
		return model.Token{}, &model.GatewayError{
			Kind:    model.ErrAuthenticationFailed,
			Type:    resp.Error.ErrorType,
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
		}
	}
	if resp.Token == "" {
		return model.Token{}, fmt.Errorf("%w: %w: token missing", model.ErrAuthenticationFailed, model.ErrMalformedResponse)
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, resp.ExpiryDate)
	if err != nil {
		// Шлюз выдаёт токены на 5 минут; без даты считаем срок по умолчанию.
		expiresAt = c.now().Add(5 * time.Minute)
	}

	return model.Token{Value: resp.Token, ExpiresAt: expiresAt}, nil
}

// RegisterIPN регистрирует URL уведомлений и возвращает идентификатор уведомления.
func (c *Client) RegisterIPN(ctx context.Context, token, ipnURL string) (string, error) {
	var resp registerIPNResponse
	_, err := c.do(ctx, "register_ipn", http.MethodPost, pathRegisterIPN, token, registerIPNBody{
		URL:              ipnURL,
		NotificationType: http.MethodPost,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Error.present() {
		return "", rejected(0, resp.Error)
	}
	if resp.IPNID == "" {
		return "", fmt.Errorf("%w: ipn_id missing", model.ErrMalformedResponse)
	}
	return resp.IPNID, nil
}

// SubmitOrder регистрирует заказ в шлюзе и возвращает идентификатор отслеживания
// и адрес, на который нужно перенаправить плательщика.
func (c *Client) SubmitOrder(ctx context.Context, token string, req SubmitOrderRequest) (*SubmitOrderResult, error) {
	body := submitOrderBody{
		ID:             req.OrderID,
		Currency:       req.Currency,
		Amount:         json.Number(req.Amount),
		Description:    req.Description,
		CallbackURL:    req.CallbackURL,
		NotificationID: req.NotificationID,
		BillingAddress: billingAddress{
			EmailAddress: req.Email,
			FirstName:    req.FirstName,
			LastName:     req.LastName,
		},
	}

	var resp submitOrderResponse
	raw, err := c.do(ctx, "submit_order", http.MethodPost, pathSubmitOrder, token, body, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error.present() {
		return nil, rejected(0, resp.Error)
	}
	if resp.RedirectURL == "" {
		return nil, fmt.Errorf("%w: redirect_url missing for order %s", model.ErrMalformedResponse, req.OrderID)
	}
	if resp.OrderTrackingID == "" {
		return nil, fmt.Errorf("%w: order_tracking_id missing for order %s", model.ErrMalformedResponse, req.OrderID)
	}

	return &SubmitOrderResult{
		TrackingID:        resp.OrderTrackingID,
		MerchantReference: resp.MerchantReference,
		RedirectURL:       resp.RedirectURL,
		Raw:               raw,
	}, nil
}

// QueryStatus запрашивает статус транзакции по идентификатору отслеживания.
func (c *Client) QueryStatus(ctx context.Context, token, trackingID string) (*TransactionStatus, error) {
	path := pathOrderStatus + "?orderTrackingId=" + url.QueryEscape(trackingID)

	var resp statusResponse
	raw, err := c.do(ctx, "query_status", http.MethodGet, path, token, nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error.present() {
		return nil, rejected(0, resp.Error)
	}

	status, err := model.NormalizeGatewayStatus(resp.PaymentStatusDescription, resp.StatusCode)
	if err != nil {
		return nil, err
	}

	return &TransactionStatus{
		Status:            status,
		TrackingID:        trackingID,
		MerchantReference: resp.MerchantReference,
		PaymentMethod:     resp.PaymentMethod,
		ConfirmationCode:  resp.ConfirmationCode,
		Raw:               raw,
	}, nil
}

func (c *Client) do(ctx context.Context, operation, method, path, token string, in, out any) (raw []byte, err error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: gateway client not configured", model.ErrGatewayUnavailable)
	}

	defer func() {
		if c.metrics != nil {
			c.metrics.RecordGatewayRequest(operation, outcome(err))
		}
	}()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &model.GatewayError{Kind: model.ErrGatewayUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &model.GatewayError{Kind: model.ErrGatewayUnavailable, HTTPStatus: resp.StatusCode, Message: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return raw, &model.GatewayError{Kind: model.ErrTokenRejected, HTTPStatus: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return raw, &model.GatewayError{Kind: model.ErrGatewayUnavailable, HTTPStatus: resp.StatusCode}
	case resp.StatusCode >= http.StatusBadRequest:
		var envelope struct {
			Error *apiError `json:"error"`
		}
		_ = json.Unmarshal(raw, &envelope)
		return raw, rejected(resp.StatusCode, envelope.Error)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return raw, fmt.Errorf("%w: decode %s response: %w", model.ErrMalformedResponse, operation, err)
	}

	return raw, nil
}

func rejected(httpStatus int, e *apiError) error {
	gerr := &model.GatewayError{Kind: model.ErrGatewayRejected, HTTPStatus: httpStatus}
	if e != nil {
		gerr.Type = e.ErrorType
		gerr.Code = e.Code
		gerr.Message = e.Message
	}
	return gerr
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, model.ErrTokenRejected):
		return "token_rejected"
	case errors.Is(err, model.ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, model.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, model.ErrGatewayRejected):
		return "rejected"
	}
	return "error"
}
