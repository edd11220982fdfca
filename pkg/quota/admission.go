// Package quota gates new workflows on the vendor account having enough
// credits left to finish them.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/metrics"
	"github.com/adflow/adflow/pkg/taskclient"
)

const balanceCacheKey = "adflow:vendor:balance"

var ErrBelowThreshold = errors.New("vendor balance below threshold")

type AdmissionConfig struct {
	Threshold int
	CacheTTL  time.Duration
}

// AdmissionController rejects new work while the vendor balance is below
// the threshold. The balance is cached in redis when a client is given and
// in memory otherwise. Lookup failures admit.
type AdmissionController struct {
	vendor taskclient.BalanceChecker
	cache  redis.UniversalClient
	cfg    AdmissionConfig
	logger *zap.Logger

	mu       sync.Mutex
	balance  int
	cachedAt time.Time
	now      func() time.Time
}

func NewAdmissionController(vendor taskclient.BalanceChecker, cache redis.UniversalClient, cfg AdmissionConfig, logger *zap.Logger) *AdmissionController {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdmissionController{vendor: vendor, cache: cache, cfg: cfg, logger: logger, now: time.Now}
}

func (a *AdmissionController) Admit(ctx context.Context) error {
	balance, err := a.Balance(ctx)
	if err != nil {
		a.logger.Warn("vendor balance unavailable, admitting", zap.Error(err))
		return nil
	}
	if balance < a.cfg.Threshold {
		metrics.AdmissionRejections.Inc()
		a.logger.Warn("rejecting new work",
			zap.Int("vendor_balance", balance),
			zap.Int("threshold", a.cfg.Threshold),
		)
		return fmt.Errorf("%w: %d < %d", ErrBelowThreshold, balance, a.cfg.Threshold)
	}
	return nil
}

// Balance returns the vendor balance, from cache when fresh.
func (a *AdmissionController) Balance(ctx context.Context) (int, error) {
	if balance, ok := a.cached(ctx); ok {
		return balance, nil
	}
	balance, err := a.vendor.Balance(ctx)
	if err != nil {
		return 0, err
	}
	a.store(ctx, balance)
	return balance, nil
}

func (a *AdmissionController) cached(ctx context.Context) (int, bool) {
	if a.cache != nil {
		value, err := a.cache.Get(ctx, balanceCacheKey).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				a.logger.Debug("balance cache read failed", zap.Error(err))
			}
			return 0, false
		}
		balance, err := strconv.Atoi(value)
		return balance, err == nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cachedAt.IsZero() || a.now().Sub(a.cachedAt) > a.cfg.CacheTTL {
		return 0, false
	}
	return a.balance, true
}

func (a *AdmissionController) store(ctx context.Context, balance int) {
	if a.cache != nil {
		if err := a.cache.Set(ctx, balanceCacheKey, balance, a.cfg.CacheTTL).Err(); err != nil {
			a.logger.Debug("balance cache write failed", zap.Error(err))
		}
		return
	}

	a.mu.Lock()
	a.balance = balance
	a.cachedAt = a.now()
	a.mu.Unlock()
}
