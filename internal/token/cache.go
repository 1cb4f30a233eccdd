// Package token кэширует bearer-токен шлюза и обновляет его в режиме single-flight.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/paygate/internal/metrics"
	"github.com/mmeshcher/paygate/internal/model"
)

const (
	// DefaultSafetyMargin — минимальный остаток жизни токена, при котором он ещё выдаётся из кэша.
	DefaultSafetyMargin = 60 * time.Second
	// DefaultAuthTimeout ограничивает один запрос аутентификации.
	DefaultAuthTimeout = 25 * time.Second

	refreshKey = "token"
)

// Authenticator выполняет обмен пары ключей на токен.
type Authenticator interface {
	Authenticate(ctx context.Context) (model.Token, error)
}

// Options задаёт параметры кэша.
type Options struct {
	SafetyMargin time.Duration
	AuthTimeout  time.Duration
	Now          func() time.Time
	Metrics      *metrics.Metrics
}

// Cache хранит текущий токен. Конкурентные вызовы Acquire при пустом или
// истекающем кэше разделяют один запрос аутентификации.
type Cache struct {
	auth    Authenticator
	logger  *zap.Logger
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	mu      sync.RWMutex
	current model.Token

	group singleflight.Group
}

// NewCache создаёт кэш токенов поверх указанного аутентификатора.
func NewCache(auth Authenticator, logger *zap.Logger, opts Options) *Cache {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Cache{
		auth:    auth,
		logger:  logger.Named("token"),
		margin:  opts.SafetyMargin,
		timeout: opts.AuthTimeout,
		now:     opts.Now,
		metrics: opts.Metrics,
	}
}

// Acquire возвращает действующий токен, при необходимости обновляя его.
// Ошибка аутентификации возвращается всем ожидающим одного обновления и не кэшируется.
func (c *Cache) Acquire(ctx context.Context) (model.Token, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh(ctx)
	})

	select {
	case <-ctx.Done():
		return model.Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.Token{}, res.Err
		}
		return res.Val.(model.Token), nil
	}
}

// Invalidate сбрасывает токен, отклонённый шлюзом. Более новый токен,
// полученный другим вызовом, не затрагивается.
func (c *Cache) Invalidate(tok model.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.Value == "" || c.current.Value != tok.Value {
		return
	}
	c.current = model.Token{}
	c.logger.Info("cached token discarded after rejection")
}

func (c *Cache) cached() (model.Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current.ValidFor(c.now(), c.margin) {
		return c.current, true
	}
	return model.Token{}, false
}

func (c *Cache) refresh(ctx context.Context) (model.Token, error) {
	// Предыдущее обновление могло завершиться между проверкой кэша и DoChan.
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	// Отмена запроса первого вызывающего не должна ломать обновление для остальных.
	authCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	started := c.now()
	tok, err := c.auth.Authenticate(authCtx)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordTokenRefresh(false)
		}
		c.logger.Error("token refresh failed", zap.Error(err))
		if !errors.Is(err, model.ErrAuthenticationFailed) {
			err = fmt.Errorf("%w: %w", model.ErrAuthenticationFailed, err)
		}
		return model.Token{}, err
	}
	if tok.Value == "" {
		if c.metrics != nil {
			c.metrics.RecordTokenRefresh(false)
		}
		return model.Token{}, fmt.Errorf("%w: empty token", model.ErrAuthenticationFailed)
	}

	c.mu.Lock()
	c.current = tok
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordTokenRefresh(true)
	}
	c.logger.Debug("token refreshed",
		zap.Time("expires_at", tok.ExpiresAt),
		zap.Duration("took", c.now().Sub(started)),
	)

	return tok, nil
}
