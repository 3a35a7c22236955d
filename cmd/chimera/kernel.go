package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Chimera/internal/adapter/litellm"
	"github.com/Strob0t/Chimera/internal/adapter/mcp"
	"github.com/Strob0t/Chimera/internal/adapter/memory"
	cfnats "github.com/Strob0t/Chimera/internal/adapter/nats"
	"github.com/Strob0t/Chimera/internal/adapter/natskv"
	chotel "github.com/Strob0t/Chimera/internal/adapter/otel"
	"github.com/Strob0t/Chimera/internal/adapter/postgres"
	"github.com/Strob0t/Chimera/internal/adapter/ristretto"
	"github.com/Strob0t/Chimera/internal/adapter/tiered"
	"github.com/Strob0t/Chimera/internal/config"
	"github.com/Strob0t/Chimera/internal/domain/budget"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/cache"
	"github.com/Strob0t/Chimera/internal/port/database"
	"github.com/Strob0t/Chimera/internal/port/hitl"
	"github.com/Strob0t/Chimera/internal/port/ledger"
	"github.com/Strob0t/Chimera/internal/port/messagequeue"
	"github.com/Strob0t/Chimera/internal/port/workqueue"
	"github.com/Strob0t/Chimera/internal/resilience"
	"github.com/Strob0t/Chimera/internal/secrets"
	"github.com/Strob0t/Chimera/internal/service"
)

// storage bundles the four stateful handles of the kernel.
type storage struct {
	store  database.Store
	queue  workqueue.Queue
	hitl   hitl.Registry
	ledger ledger.Ledger
	pool   *pgxpool.Pool // nil for the memory backend
}

// kernel holds every wired service of one process.
type kernel struct {
	cfg     *config.Config
	storage storage
	bus     messagequeue.Queue // nil when NATS is disabled
	secrets *secrets.Vault
	nats    *cfnats.Queue
	metrics *chotel.Metrics

	orchestrator *service.OrchestratorService
	hitl         *service.HITLService
	budget       *service.BudgetService
	workers      []*service.Worker
	sweeper      *service.Sweeper

	closers []func()
}

// Close releases resources in reverse acquisition order.
func (k *kernel) Close() {
	for i := len(k.closers) - 1; i >= 0; i-- {
		k.closers[i]()
	}
}

func (k *kernel) onClose(fn func()) { k.closers = append(k.closers, fn) }

// openStorage connects the configured backend. Postgres migrations are
// applied when migrate is set.
func openStorage(ctx context.Context, cfg *config.Config, limits budget.Limits, migrate bool) (storage, error) {
	switch cfg.Storage.Backend {
	case "memory":
		slog.Warn("using in-memory storage, state is lost on exit")
		return storage{
			store:  memory.NewStore(),
			queue:  memory.NewQueue(),
			hitl:   memory.NewHITLRegistry(),
			ledger: memory.NewLedger(limits),
		}, nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return storage{}, fmt.Errorf("postgres: %w", err)
		}
		slog.Info("postgres connected")
		if migrate {
			if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
				pool.Close()
				return storage{}, fmt.Errorf("migrations: %w", err)
			}
			slog.Info("migrations applied")
		}
		return storage{
			store:  postgres.NewStore(pool),
			queue:  postgres.NewQueue(pool, cfg.Queue.Name),
			hitl:   postgres.NewHITLRegistry(pool),
			ledger: postgres.NewLedger(pool, limits),
			pool:   pool,
		}, nil
	default:
		return storage{}, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// Rotatable secrets, reloaded on SIGHUP.
const (
	secretLiteLLMKey = "LITELLM_MASTER_KEY"
	secretMCPKey     = "CHIMERA_MCP_API_KEY"
)

// kernelOptions selects the optional parts of the kernel.
type kernelOptions struct {
	workers bool // worker pool and sweeper
	migrate bool // apply pending migrations on startup
}

// buildKernel wires storage, the event bus, caches, the oracle and every
// kernel service.
func buildKernel(ctx context.Context, cfg *config.Config, opts kernelOptions) (_ *kernel, err error) {
	k := &kernel{cfg: cfg}
	defer func() {
		if err != nil {
			k.Close()
		}
	}()

	limits, err := budget.ParseLimits(cfg.Budget.DailyLimit, cfg.Budget.WeeklyLimit)
	if err != nil {
		return nil, fmt.Errorf("budget limits: %w", err)
	}

	k.metrics, err = chotel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	// --- Storage ---
	k.storage, err = openStorage(ctx, cfg, limits, opts.migrate)
	if err != nil {
		return nil, err
	}
	if k.storage.pool != nil {
		k.onClose(k.storage.pool.Close)
	}
	if err := k.metrics.ObserveQueueDepth(k.storage.queue.Depth); err != nil {
		return nil, fmt.Errorf("queue depth gauge: %w", err)
	}

	// --- Event bus ---
	var natsQueue *cfnats.Queue
	if cfg.NATS.URL != "" {
		natsQueue, err = cfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		k.onClose(func() {
			if err := natsQueue.Drain(); err != nil {
				slog.Warn("nats drain", "error", err)
			}
		})
		k.bus, k.nats = natsQueue, natsQueue
	} else {
		slog.Warn("nats disabled, lifecycle events are not published")
	}

	// --- Goal cache ---
	goalCache, err := buildGoalCache(ctx, cfg, natsQueue, k)
	if err != nil {
		return nil, err
	}

	// --- Secrets ---
	k.secrets, err = secrets.NewVault(secrets.EnvLoader(secretLiteLLMKey, secretMCPKey))
	if err != nil {
		return nil, err
	}

	// --- Oracle ---
	llm := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey, cfg.LiteLLM.Timeout)
	llm.SetKeySource(k.secrets.Source(secretLiteLLMKey, ""))
	if cfg.LiteLLM.MaxConcurrent > 0 {
		llm.SetLimiter(resilience.NewLimiter(cfg.LiteLLM.MaxConcurrent))
	}
	llm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout).
		Named("litellm").
		OnStateChange(func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		}))
	oracle := service.NewOracle(litellm.NewReasoner(llm, cfg.Oracle))
	oracle.SetMetrics(k.metrics)

	// --- Services ---
	judge := service.NewJudge(k.storage.store, k.storage.hitl, oracle)
	k.orchestrator = service.NewOrchestratorService(k.storage.store, k.storage.queue, oracle, judge)
	k.orchestrator.SetCache(goalCache, cfg.Cache.L2TTL)
	k.orchestrator.SetMetrics(k.metrics)
	judge.SetMetrics(k.metrics)

	k.budget = service.NewBudgetService(k.storage.ledger, limits, cfg.Budget.WarnRatio)
	k.budget.SetMetrics(k.metrics)
	k.hitl = service.NewHITLService(k.storage.hitl, k.storage.store)

	if k.bus != nil {
		judge.SetEventBus(k.bus)
		k.orchestrator.SetEventBus(k.bus)
		k.budget.SetEventBus(k.bus)
	}

	if opts.workers {
		if err := k.buildWorkers(oracle); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// buildGoalCache layers ristretto over the NATS KV bucket when NATS is
// available and falls back to ristretto alone.
func buildGoalCache(ctx context.Context, cfg *config.Config, nq *cfnats.Queue, k *kernel) (cache.Cache, error) {
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	k.onClose(l1.Close)
	if nq == nil {
		return l1, nil
	}

	kv, err := nq.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return nil, fmt.Errorf("l2 cache: %w", err)
	}
	tc := tiered.New(l1, natskv.New(kv), cfg.Cache.L1TTL)
	if err := k.metrics.ObserveCache(tc.Stats); err != nil {
		return nil, fmt.Errorf("cache gauge: %w", err)
	}
	return tc, nil
}

// buildWorkers creates the dispatch table, the worker pool and the sweeper.
func (k *kernel) buildWorkers(oracle *service.Oracle) error {
	cfg := k.cfg
	types, err := parseTypes(cfg.Worker.Types)
	if err != nil {
		return err
	}

	var transfer service.Handler = service.HandlerFunc(func(context.Context, *task.Task) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: no wallet configured", service.ErrPermanent)
	})
	if cfg.Wallet.Transport != "" {
		executor := mcp.NewWalletExecutor(cfg.Wallet)
		k.onClose(func() {
			if err := executor.Close(); err != nil {
				slog.Warn("wallet close", "error", err)
			}
		})
		skill := service.NewTransferSkill(k.budget, executor, cfg.Worker.AgentID)
		skill.SetMetrics(k.metrics)
		transfer = skill
	}

	handlers := make(map[task.Type]service.Handler, len(task.AllTypes()))
	for _, typ := range task.AllTypes() {
		handlers[typ] = service.OracleHandler(oracle)
	}
	handlers[task.TypeTransaction] = transfer
	table, err := service.NewHandlerTable(handlers)
	if err != nil {
		return fmt.Errorf("handler table: %w", err)
	}

	for i := range cfg.Worker.Count {
		w := service.NewWorker(service.WorkerConfig{
			ID:             fmt.Sprintf("%s-%d", cfg.Worker.AgentID, i),
			Types:          types,
			DequeueTimeout: cfg.Worker.DequeueTimeout,
			RequeueBackoff: cfg.Worker.RequeueBackoff,
			MaxAttempts:    cfg.Worker.MaxAttempts,
		}, k.storage.queue, k.orchestrator, table)
		w.SetMetrics(k.metrics)
		if k.bus != nil {
			w.SetEventBus(k.bus)
		}
		k.workers = append(k.workers, w)
	}
	k.sweeper = service.NewSweeper(k.storage.queue, k.orchestrator, cfg.Queue.LivenessTimeout, cfg.Queue.SweepInterval)
	return nil
}

func parseTypes(raw []string) ([]task.Type, error) {
	var out []task.Type
	for _, s := range raw {
		typ := task.Type(strings.ToUpper(strings.TrimSpace(s)))
		if typ == "" {
			continue
		}
		if !typ.Valid() {
			return nil, errors.New("worker.types: unknown task type " + s)
		}
		out = append(out, typ)
	}
	return out, nil
}
