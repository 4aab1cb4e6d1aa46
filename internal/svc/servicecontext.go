package svc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	goredis "github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tradefleet/internal/cache"
	"tradefleet/internal/config"
	"tradefleet/internal/memstore"
	"tradefleet/internal/repo"
	"tradefleet/pkg/agent"
	"tradefleet/pkg/events"
	"tradefleet/pkg/evolution"
	"tradefleet/pkg/executor"
	"tradefleet/pkg/journal"
	"tradefleet/pkg/llm"
	"tradefleet/pkg/manager"
	marketpkg "tradefleet/pkg/market"
	_ "tradefleet/pkg/market/exchanges/hyperliquid"
	"tradefleet/pkg/portfolio"
	"tradefleet/pkg/ranking"
	"tradefleet/pkg/scheduler"
	"tradefleet/pkg/signal"
)

// Store is everything the services persist.
type Store interface {
	ranking.Store
	portfolio.Store
	agent.Store
}

type ServiceContext struct {
	Config config.Config

	DBConn sqlx.SqlConn
	Redis  *redis.Redis
	Store  Store

	Market    marketpkg.Provider
	Rankings  *ranking.Reader
	Pipeline  *ranking.Pipeline
	Portfolio *portfolio.Manager
	Evolution *evolution.Engine
	Manager   *manager.Orchestrator
	Scheduler *scheduler.Scheduler

	Bus       *events.Bus
	Hub       *events.Hub
	Publisher events.Publisher

	managerCfg *manager.Config
	closers    []func() error
}

// NewServiceContext wires every service from c. Postgres and redis are
// optional: without them state lives in memory and locks are process local.
func NewServiceContext(c config.Config) (*ServiceContext, error) {
	svc := &ServiceContext{Config: c, managerCfg: c.Manager.Value}

	if c.Postgres.DSN != "" {
		conn := sqlx.NewSqlConn("pgx", c.Postgres.DSN)
		if raw, err := conn.RawDB(); err == nil {
			raw.SetMaxOpenConns(c.Postgres.MaxOpen)
			raw.SetMaxIdleConns(c.Postgres.MaxIdle)
		}
		store, err := repo.New(conn)
		if err != nil {
			return nil, err
		}
		svc.DBConn = conn
		svc.Store = store
	} else {
		logx.Info("svc: postgres not configured, using in-memory store")
		svc.Store = memstore.New()
	}

	svc.Bus = events.NewBus()
	svc.Hub = events.NewHub(svc.Bus)
	publishers := events.Multi{svc.Bus}

	var (
		rankingCache ranking.Cache
		locker       scheduler.Locker     = scheduler.NewMemoryLocker()
		cycles       scheduler.CycleClock = scheduler.NewMemoryClock()
	)
	if strings.TrimSpace(c.Redis.Host) != "" {
		svc.Redis = redis.MustNewRedis(c.Redis)
		rankingCache = cache.NewRankingCache(svc.Redis, cache.NewTTLSet(c.TTL))
		locker = cache.NewLocker(svc.Redis)
		cycles = cache.NewCycleClock(svc.Redis)

		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    strings.Split(c.Redis.Host, ","),
			Password: c.Redis.Pass,
		})
		svc.closers = append(svc.closers, client.Close)
		publishers = append(publishers, events.NewRedisPublisher(client, c.Feed.RedisChannel))
	}
	svc.Publisher = publishers

	if c.Market.Value == nil {
		return nil, errors.New("svc: market section is required")
	}
	provider, err := c.Market.Value.BuildDefault()
	if err != nil {
		return nil, fmt.Errorf("svc: %w", err)
	}
	svc.Market = provider

	engine := signal.NewEngine(c.SignalConfig())
	svc.Pipeline = ranking.NewPipeline(c.RankingConfig(), provider, engine, svc.Store,
		ranking.WithCache(rankingCache), ranking.WithPublisher(svc.Publisher))
	svc.Rankings = ranking.NewReader(svc.Store, rankingCache)

	limits, err := c.Limits()
	if err != nil {
		return nil, err
	}
	svc.Portfolio = portfolio.NewManager(svc.Store, portfolio.WithLimits(limits), portfolio.WithPublisher(svc.Publisher))

	schedOpts := []scheduler.Option{
		scheduler.WithLocker(locker),
		scheduler.WithCycleClock(cycles),
		scheduler.WithSweeper(svc.Portfolio),
	}

	if c.LLM.Value != nil {
		orch, evo, err := svc.agents(c, provider)
		if err != nil {
			return nil, err
		}
		svc.Manager, svc.Evolution = orch, evo
		schedOpts = append(schedOpts, scheduler.WithOrchestrator(orch))
	} else {
		logx.Info("svc: llm not configured, agent cycles disabled")
	}

	svc.Scheduler = scheduler.New(c.SchedulerConfig(), svc.Store, svc.Pipeline, provider, schedOpts...)
	return svc, nil
}

func (svc *ServiceContext) agents(c config.Config, provider marketpkg.Provider) (*manager.Orchestrator, *evolution.Engine, error) {
	client, err := llm.NewClient(c.LLM.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("svc: llm client: %w", err)
	}
	execCfg := c.ExecutorConfig()
	decider, err := executor.NewLLMDecider(execCfg, client)
	if err != nil {
		return nil, nil, fmt.Errorf("svc: decider: %w", err)
	}
	cost := executor.CostFunc(c.LLM.Value.Cost)

	evo := evolution.NewEngine(c.EvolutionConfig(), svc.Store, svc.Store, decider,
		evolution.WithCost(cost), evolution.WithPublisher(svc.Publisher))

	mgrCfg := manager.DefaultManagerConfig()
	if svc.managerCfg != nil {
		mgrCfg = svc.managerCfg.Manager
	}
	builder := manager.NewContextBuilder(mgrCfg, svc.Rankings, provider, svc.Store, svc.Portfolio, execCfg.CandleCount)
	opts := []manager.Option{
		manager.WithEvolver(evo),
		manager.WithCost(cost),
		manager.WithPublisher(svc.Publisher),
	}
	if mgrCfg.JournalDir != "" {
		w, err := journal.NewWriter(mgrCfg.JournalDir)
		if err != nil {
			return nil, nil, fmt.Errorf("svc: journal: %w", err)
		}
		opts = append(opts, manager.WithJournal(w))
	}
	return manager.NewOrchestrator(mgrCfg, svc.Store, svc.Portfolio, builder, decider, opts...), evo, nil
}

// Seed creates the configured agent fleet. It is a no-op without a manager
// section.
func (svc *ServiceContext) Seed(ctx context.Context) ([]*agent.Agent, error) {
	if svc.managerCfg == nil {
		return nil, nil
	}
	return manager.Seed(ctx, svc.managerCfg, svc.Store, svc.Portfolio)
}

// Close releases connections opened by the context.
func (svc *ServiceContext) Close() error {
	var errs []error
	for _, c := range svc.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
