// Package usage accounts token consumption and cost per tenant and enforces
// optional spend ceilings.
package usage

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/semflow/metrics"
)

const (
	shardCount = 16

	// DefaultWarnThreshold is the budget utilization that triggers a warning.
	DefaultWarnThreshold = 0.8
)

// Stats is the usage of one LLM call.
type Stats struct {
	PromptTokens     int
	CompletionTokens int
	Model            string
	Timestamp        time.Time
}

// TenantUsage is the running total for one tenant.
type TenantUsage struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	Calls            int64     `json:"calls"`
	LastUpdated      time.Time `json:"last_updated"`
}

// TotalTokens returns prompt plus completion tokens.
func (u TenantUsage) TotalTokens() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// BudgetStatus is the result of CheckBudget. Limit and Remaining are zero
// when the tenant has no ceiling.
type BudgetStatus struct {
	WithinBudget bool    `json:"within_budget"`
	HasLimit     bool    `json:"has_limit"`
	Used         float64 `json:"used"`
	Limit        float64 `json:"limit"`
	Remaining    float64 `json:"remaining"`
}

type tenantEntry struct {
	usage  TenantUsage
	limit  float64
	warned bool
}

type shard struct {
	mu      sync.Mutex
	tenants map[string]*tenantEntry
}

// Ledger is safe for concurrent use. Tenants are spread over mutex-guarded
// shards so runs for different tenants rarely contend.
type Ledger struct {
	shards        [shardCount]shard
	prices        PriceTable
	warnThreshold float64
	logger        *slog.Logger
	metrics       *metrics.Metrics

	unpricedMu sync.Mutex
	unpriced   map[string]bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPrices replaces the default price table.
func WithPrices(p PriceTable) Option {
	return func(l *Ledger) {
		l.prices = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMetrics records tokens and cost on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithWarnThreshold overrides the 80% utilization warning.
func WithWarnThreshold(fraction float64) Option {
	return func(l *Ledger) {
		l.warnThreshold = fraction
	}
}

// WithBudgets sets initial per-tenant ceilings.
func WithBudgets(budgets map[string]float64) Option {
	return func(l *Ledger) {
		for tenant, limit := range budgets {
			l.SetBudget(tenant, limit)
		}
	}
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		prices:        DefaultPrices(),
		warnThreshold: DefaultWarnThreshold,
		logger:        slog.Default(),
		unpriced:      make(map[string]bool),
	}
	for i := range l.shards {
		l.shards[i].tenants = make(map[string]*tenantEntry)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) shardFor(tenantID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return &l.shards[h.Sum32()%shardCount]
}

// entryLocked returns the tenant entry; caller holds s.mu.
func (s *shard) entryLocked(tenantID string) *tenantEntry {
	e, ok := s.tenants[tenantID]
	if !ok {
		e = &tenantEntry{}
		s.tenants[tenantID] = e
	}
	return e
}

// SetBudget sets a tenant's ceiling. A limit <= 0 removes it.
func (l *Ledger) SetBudget(tenantID string, limit float64) {
	s := l.shardFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entryLocked(tenantID)
	e.limit = max(limit, 0)
	e.warned = false
}

// Record adds one call's usage to the tenant total and returns its cost.
// Models missing from the price table cost zero.
func (l *Ledger) Record(tenantID string, stats Stats) float64 {
	cost, priced := l.prices.Cost(stats.Model, stats.PromptTokens, stats.CompletionTokens)
	if !priced {
		l.warnUnpriced(stats.Model)
	}

	ts := stats.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s := l.shardFor(tenantID)
	s.mu.Lock()
	e := s.entryLocked(tenantID)
	e.usage.PromptTokens += int64(stats.PromptTokens)
	e.usage.CompletionTokens += int64(stats.CompletionTokens)
	e.usage.Cost += cost
	e.usage.Calls++
	e.usage.LastUpdated = ts
	s.mu.Unlock()

	l.metrics.AddUsage(tenantID, stats.Model, stats.PromptTokens, stats.CompletionTokens, cost)
	return cost
}

func (l *Ledger) warnUnpriced(model string) {
	l.unpricedMu.Lock()
	seen := l.unpriced[model]
	l.unpriced[model] = true
	l.unpricedMu.Unlock()

	if !seen {
		l.logger.Warn("No price configured for model, recording zero cost", "model", model)
	}
}

// CheckBudget reports the tenant's spend against its ceiling.
func (l *Ledger) CheckBudget(tenantID string) BudgetStatus {
	s := l.shardFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tenants[tenantID]
	if !ok {
		return BudgetStatus{WithinBudget: true}
	}
	return statusOf(e)
}

func statusOf(e *tenantEntry) BudgetStatus {
	st := BudgetStatus{WithinBudget: true, Used: e.usage.Cost}
	if e.limit > 0 {
		st.HasLimit = true
		st.Limit = e.limit
		st.Remaining = max(e.limit-e.usage.Cost, 0)
		st.WithinBudget = e.usage.Cost <= e.limit
	}
	return st
}

// EnforceBudget returns a *BudgetExceededError once the tenant's spend
// exceeds its ceiling; spend equal to the ceiling is still allowed. Crossing the warn threshold logs once per ceiling.
func (l *Ledger) EnforceBudget(tenantID string) error {
	s := l.shardFor(tenantID)
	s.mu.Lock()
	e, ok := s.tenants[tenantID]
	if !ok || e.limit <= 0 {
		s.mu.Unlock()
		return nil
	}
	st := statusOf(e)
	warn := !e.warned && st.Used >= st.Limit*l.warnThreshold
	if warn {
		e.warned = true
	}
	s.mu.Unlock()

	if !st.WithinBudget {
		l.metrics.BudgetDenied(tenantID)
		return &BudgetExceededError{TenantID: tenantID, Used: st.Used, Limit: st.Limit}
	}
	if warn {
		l.logger.Warn("Tenant approaching budget limit",
			"tenant_id", tenantID,
			"used", st.Used,
			"limit", st.Limit,
			"utilization", st.Used/st.Limit)
	}
	return nil
}

// Usage returns a copy of the tenant's totals.
func (l *Ledger) Usage(tenantID string) TenantUsage {
	s := l.shardFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.tenants[tenantID]; ok {
		return e.usage
	}
	return TenantUsage{}
}

// Tenants lists every tenant with recorded usage or a budget, sorted.
func (l *Ledger) Tenants() []string {
	var ids []string
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for id := range s.tenants {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Reset clears a tenant's totals but keeps its ceiling.
func (l *Ledger) Reset(tenantID string) {
	s := l.shardFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.tenants[tenantID]; ok {
		e.usage = TenantUsage{}
		e.warned = false
	}
}
