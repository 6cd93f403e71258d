package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c360studio/semflow/actions"
	"github.com/c360studio/semflow/actions/httpaction"
	"github.com/c360studio/semflow/actions/knowledge"
	"github.com/c360studio/semflow/agent"
	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/events"
	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/llm/providers"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/model"
	"github.com/c360studio/semflow/natsutil"
	"github.com/c360studio/semflow/prompts"
	"github.com/c360studio/semflow/runstate"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/storage/postgres"
	"github.com/c360studio/semflow/tools"
	"github.com/c360studio/semflow/usage"
	"github.com/c360studio/semflow/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App wires the engine and everything it depends on.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	nats     *natsutil.Conn
	postgres *postgres.Store
	repo     workflow.Repository
	states   runstate.Backend

	promRegistry  *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *http.Server

	models    *model.Registry
	ledger    *usage.Ledger
	client    *llm.Client
	assembler *prompts.Assembler
	tools     *tools.Registry
	broker    *events.Broker
	executor  *agent.Executor
	engine    *workflow.Engine

	stopWatch context.CancelFunc
	tempDir   string
}

// NewApp creates an app for cfg. Nothing is started until Start.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start connects backends and builds the engine. On error, whatever was
// started is closed again.
func (a *App) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.cfg.NeedsNATS() {
		if err := a.startNATS(); err != nil {
			return err
		}
	}
	if err := a.startStorage(ctx); err != nil {
		return err
	}
	if err := a.startMetrics(); err != nil {
		return err
	}

	a.models = model.NewDefaultRegistry()
	if a.cfg.LLM.Registry != nil {
		a.models.MergeFromConfig(a.cfg.LLM.Registry)
	}

	a.ledger = usage.NewLedger(
		usage.WithPrices(a.prices()),
		usage.WithBudgets(a.cfg.Usage.Budgets),
		usage.WithWarnThreshold(a.cfg.Usage.WarnThreshold),
		usage.WithMetrics(a.metrics),
		usage.WithLogger(a.logger),
	)

	clientOpts := []llm.ClientOption{
		llm.WithRetryConfig(a.cfg.LLM.Retry),
		llm.WithLedger(a.ledger, a.cfg.LLM.CostTracking),
		llm.WithMetrics(a.metrics),
		llm.WithLogger(a.logger),
	}
	toolOpts := []tools.Option{
		tools.WithMetrics(a.metrics),
		tools.WithLogger(a.logger),
	}
	if a.cfg.LLM.Recording.Enabled {
		calls, err := llm.NewCallStore(ctx, a.nats.JS,
			llm.WithCallsTTL(a.cfg.LLM.Recording.TTL),
			llm.WithCallStoreLogger(a.logger))
		if err != nil {
			return fmt.Errorf("create llm call store: %w", err)
		}
		toolCalls, err := llm.NewToolCallStore(ctx, a.nats.JS, a.cfg.LLM.Recording.TTL, a.logger)
		if err != nil {
			return fmt.Errorf("create tool call store: %w", err)
		}
		clientOpts = append(clientOpts, llm.WithCallStore(calls))
		toolOpts = append(toolOpts, tools.WithRecorder(tools.NewStoreRecorder(toolCalls, a.logger)))
	}
	a.client = llm.NewClient(a.models, providers.NewRegistry(), clientOpts...)

	if err := a.startPrompts(); err != nil {
		return err
	}

	a.tools = tools.NewRegistry(toolOpts...)
	if err := a.registerActions(); err != nil {
		return err
	}

	a.broker = events.NewBroker(a.logger)
	var publisher events.Publisher = a.broker
	if a.nats != nil {
		publisher = events.Multi{a.broker, events.NewNATSPublisher(a.nats.NC, a.cfg.NATS.EventPrefix)}
	}

	a.executor = agent.NewExecutor(a.client, a.assembler, a.tools,
		agent.WithLogger(a.logger),
		agent.WithMetrics(a.metrics),
		agent.WithMaxBackoff(a.cfg.Engine.MaxBackoff),
		agent.WithJitter(a.cfg.Engine.Jitter),
	)
	a.engine = workflow.NewEngine(a.repo, a.states, a.executor,
		workflow.WithLogger(a.logger),
		workflow.WithMetrics(a.metrics),
		workflow.WithPublisher(publisher),
		workflow.WithAgentDefaults(a.cfg.Engine.Defaults, a.cfg.Agents),
	)

	a.logger.Info("Semflow ready",
		"version", Version,
		"storage", a.cfg.Storage.Backend,
		"tools", len(a.tools.List("", nil)))
	return nil
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := natsutil.Connect(a.cfg.NATS.URL)
		if err != nil {
			return wrapNATSError(err, a.cfg.NATS.URL)
		}
		a.nats = conn
		return nil
	}

	storeDir := a.cfg.NATS.StoreDir
	if storeDir == "" {
		dir, err := os.MkdirTemp("", "semflow-nats-*")
		if err != nil {
			return fmt.Errorf("create NATS store dir: %w", err)
		}
		storeDir = dir
		a.tempDir = dir
	}
	a.logger.Info("Starting embedded NATS server", "store_dir", storeDir)
	conn, err := natsutil.StartEmbedded(storeDir)
	if err != nil {
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	a.nats = conn
	return nil
}

func (a *App) startStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.StorageNATS:
		store, err := storage.NewStore(ctx, a.nats.JS)
		if err != nil {
			return fmt.Errorf("create workflow store: %w", err)
		}
		states, err := runstate.NewKVBackend(ctx, a.nats.JS, runstate.DefaultBucket)
		if err != nil {
			return fmt.Errorf("create run state store: %w", err)
		}
		a.repo, a.states = store, states

	case config.StoragePostgres:
		store, err := postgres.New(ctx, a.cfg.Storage.PostgresURL, postgres.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.postgres = store
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.repo, a.states = store, store.States()

	default:
		a.repo, a.states = workflow.NewMemoryRepository(), runstate.NewMemoryBackend()
	}
	return nil
}

func (a *App) startMetrics() error {
	a.promRegistry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.promRegistry)

	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("listen on metrics address: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsServer = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", ln.Addr().String())
	return nil
}

func (a *App) startPrompts() error {
	opts := []prompts.Option{prompts.WithLogger(a.logger)}
	if a.cfg.Prompts.Dir != "" {
		opts = append(opts, prompts.WithTemplateDir(a.cfg.Prompts.Dir))
	}
	for name, text := range a.cfg.Prompts.Policies {
		opts = append(opts, prompts.WithPolicy(name, text))
	}
	assembler, err := prompts.NewAssembler(opts...)
	if err != nil {
		return fmt.Errorf("load prompt templates: %w", err)
	}
	a.assembler = assembler

	if a.cfg.Prompts.Watch && a.cfg.Prompts.Dir != "" {
		ctx, cancel := context.WithCancel(context.Background())
		a.stopWatch = cancel
		go func() {
			if err := assembler.Watch(ctx, prompts.DefaultDebounce); err != nil && ctx.Err() == nil {
				a.logger.Warn("Prompt template watcher stopped", "dir", a.cfg.Prompts.Dir, "error", err)
			}
		}()
	}
	return nil
}

// registerActions exposes the configured action providers as tools, each
// behind the shared retry policy.
func (a *App) registerActions() error {
	var providers []actions.Provider
	for _, gw := range a.cfg.Actions.Gateways {
		p, err := httpaction.New(gw, httpaction.WithLogger(a.logger))
		if err != nil {
			return fmt.Errorf("action gateway %s: %w", gw.Name, err)
		}
		providers = append(providers, p)
	}
	if a.cfg.Actions.Knowledge {
		providers = append(providers, knowledge.New(a.cfg.Knowledge, knowledge.WithLogger(a.logger)))
	}

	for _, p := range providers {
		exec := actions.NewRetrying(p, a.cfg.Actions.Retry,
			actions.WithRetryLogger(a.logger),
			actions.WithRetryMetrics(a.metrics))
		if err := tools.RegisterActions(a.tools, exec); err != nil {
			return err
		}
		a.logger.Debug("Registered action provider", "provider", p.Name(), "kind", p.Kind())
	}
	return nil
}

func (a *App) prices() usage.PriceTable {
	table := usage.DefaultPrices()
	for name, p := range a.cfg.Usage.Prices {
		table[name] = usage.Price{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K}
	}
	return table
}

// Close stops every started component. Safe to call more than once.
func (a *App) Close() {
	if a.stopWatch != nil {
		a.stopWatch()
		a.stopWatch = nil
	}
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown", "error", err)
		}
		cancel()
		a.metricsServer = nil
	}
	if a.postgres != nil {
		a.postgres.Close()
		a.postgres = nil
	}
	if a.nats != nil {
		a.nats.Close()
		a.nats = nil
	}
	if a.tempDir != "" {
		_ = os.RemoveAll(a.tempDir)
		a.tempDir = ""
	}
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or remove nats.url from the config to use the embedded server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
