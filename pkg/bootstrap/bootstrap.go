// Package bootstrap wires the services shared by the adflow binaries from
// configuration.
package bootstrap

import (
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/auth"
	"github.com/adflow/adflow/pkg/config"
	"github.com/adflow/adflow/pkg/credits"
	"github.com/adflow/adflow/pkg/eventbus"
	"github.com/adflow/adflow/pkg/llm"
	"github.com/adflow/adflow/pkg/monitor"
	"github.com/adflow/adflow/pkg/quota"
	"github.com/adflow/adflow/pkg/store/postgres"
	redisclient "github.com/adflow/adflow/pkg/store/redis"
	"github.com/adflow/adflow/pkg/taskclient"
	"github.com/adflow/adflow/pkg/workflow"
)

const sandboxVendor = "sandbox"

type Services struct {
	Store     *postgres.Store
	Redis     *redisclient.Client
	Records   *postgres.WorkflowRepository
	Ledger    *credits.Ledger
	Engine    *workflow.Engine
	Bus       *eventbus.Bus
	Tokens    *auth.CallbackTokenManager
	Admission *quota.AdmissionController
	// Parsers decode webhooks by vendor name.
	Parsers map[string]taskclient.CallbackParser
}

// Open connects to postgres and, when configured, redis, then builds the
// workflow engine on top of them.
func Open(cfg *config.Config, logger *zap.Logger) (*Services, error) {
	store, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := store.AutoMigrate(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	s := &Services{Store: store}
	if cfg.Redis.Enabled() {
		redis, err := redisclient.NewClient(&cfg.Redis)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		s.Redis = redis
		s.Bus = eventbus.NewBus(redis.Client(), logger)
	} else {
		logger.Warn("redis not configured, live events and sweep locks disabled")
		s.Bus = eventbus.NewBus(nil, logger)
	}

	tasks, balance, parsers, vendors, err := vendorClients(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Parsers = parsers

	completer, err := completer(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Tokens = auth.NewCallbackTokenManager([]byte(cfg.Auth.CallbackSecret), cfg.Auth.CallbackTokenTTL, callbackBaseURL(cfg), vendors)
	admissionCache := s.redisClientOrNil()
	s.Admission = quota.NewAdmissionController(balance, admissionCache, quota.AdmissionConfig{
		Threshold: cfg.Credits.VendorThreshold,
		CacheTTL:  cfg.Credits.VendorCacheTTL,
	}, logger)

	db := store.DB()
	s.Records = postgres.NewWorkflowRepository(db)
	s.Ledger = credits.NewLedger(postgres.NewCreditRepository(db), logger)

	deps := workflow.Deps{
		Records:   s.Records,
		Segments:  postgres.NewSegmentRepository(db),
		Ledger:    s.Ledger,
		Tasks:     tasks,
		LLM:       completer,
		Registry:  workflow.NewRegistry(cfg.Pricing),
		Admission: s.Admission,
		Notifier:  s.Bus,
		Logger:    logger,
	}
	if cfg.Auth.CallbackSecret != "" {
		deps.Callbacks = s.Tokens
	} else {
		logger.Warn("callback secret not configured, relying on polling")
	}
	s.Engine = workflow.NewEngine(deps, workflow.Options{
		InitialGrant:   cfg.Credits.InitialGrant,
		SyncStaleAfter: cfg.Monitor.StaleAfter,
	})
	return s, nil
}

// Sweeper builds the monitor over the engine, locking through redis when
// it is available.
func (s *Services) Sweeper(cfg config.MonitorConfig, logger *zap.Logger) *monitor.Sweeper {
	opts := monitor.Options{
		Debounce:      cfg.Debounce,
		BatchSize:     cfg.BatchSize,
		Concurrency:   cfg.Concurrency,
		RecordTimeout: cfg.RecordTimeout,
		LockTTL:       cfg.LockTTL,
	}
	if s.Redis == nil {
		return monitor.NewSweeper(s.Records, s.Engine, nil, opts, logger)
	}
	return monitor.NewSweeper(s.Records, s.Engine, s.Redis, opts, logger)
}

func (s *Services) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Store != nil {
		_ = s.Store.Close()
	}
}

func (s *Services) redisClientOrNil() goredis.UniversalClient {
	if s.Redis == nil {
		return nil
	}
	return s.Redis.Client()
}

func vendorClients(cfg *config.Config, logger *zap.Logger) (taskclient.Client, taskclient.BalanceChecker, map[string]taskclient.CallbackParser, map[taskclient.Kind]string, error) {
	kinds := []taskclient.Kind{taskclient.KindImage, taskclient.KindVideo, taskclient.KindMerge, taskclient.KindWatermark}

	switch strings.ToLower(cfg.Vendors.Mode) {
	case "sandbox":
		logger.Warn("vendors in sandbox mode, no real generation will happen")
		fake := taskclient.NewFake(true)
		vendors := make(map[taskclient.Kind]string, len(kinds))
		for _, kind := range kinds {
			vendors[kind] = sandboxVendor
		}
		return fake, fake, map[string]taskclient.CallbackParser{sandboxVendor: fake}, vendors, nil

	case "", "live":
		if cfg.Vendors.KIE.APIKey == "" {
			return nil, nil, nil, nil, errors.New("vendors.kie.api_key is required in live mode")
		}
		kie := taskclient.NewKIE(cfg.Vendors.KIE.BaseURL, cfg.Vendors.KIE.APIKey, cfg.Vendors.KIE.ImageModel, cfg.Vendors.RequestTimeout)
		fal := taskclient.NewFal(cfg.Vendors.Fal.BaseURL, cfg.Vendors.Fal.APIKey, cfg.Vendors.Fal.MergeModel, cfg.Vendors.Fal.WatermarkModel, cfg.Vendors.RequestTimeout)

		router := taskclient.NewRouter(map[taskclient.Kind]taskclient.Client{
			taskclient.KindImage:     kie,
			taskclient.KindVideo:     kie,
			taskclient.KindMerge:     fal,
			taskclient.KindWatermark: fal,
		})
		tasks := taskclient.NewRetrying(router, taskclient.RetryPolicy{
			Attempts:  cfg.Vendors.RetryAttempts,
			BaseDelay: cfg.Vendors.RetryBaseDelay,
		}, logger)

		vendors := map[taskclient.Kind]string{
			taskclient.KindImage:     "kie",
			taskclient.KindVideo:     "kie",
			taskclient.KindMerge:     "fal",
			taskclient.KindWatermark: "fal",
		}
		parsers := map[string]taskclient.CallbackParser{"kie": kie, "fal": fal}
		return tasks, kie, parsers, vendors, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown vendors.mode %q", cfg.Vendors.Mode)
	}
}

func completer(cfg *config.Config, logger *zap.Logger) (llm.Completer, error) {
	if strings.EqualFold(cfg.Vendors.Mode, "sandbox") && cfg.Vendors.LLM.APIKey == "" {
		return llm.NewFake(), nil
	}
	return llm.NewClient(llm.Config{
		BaseURL:   cfg.Vendors.LLM.BaseURL,
		APIKey:    cfg.Vendors.LLM.APIKey,
		Model:     cfg.Vendors.LLM.Model,
		Timeout:   cfg.Vendors.RequestTimeout,
		Attempts:  cfg.Vendors.RetryAttempts,
		BaseDelay: cfg.Vendors.RetryBaseDelay,
	}, logger)
}

func callbackBaseURL(cfg *config.Config) string {
	return strings.TrimRight(cfg.Server.PublicURL, "/")
}
