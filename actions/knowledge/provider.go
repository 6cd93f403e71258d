// Package knowledge is the action provider behind search_knowledge and
// fetch_document. Fetched pages are converted to Markdown and kept in an
// in-memory index that search_knowledge ranks by term frequency.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/c360studio/semflow/actions"
)

var errTooLarge = errors.New("document too large")

// Config configures the provider.
type Config struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	MaxBytes  int64         `yaml:"max_bytes"`
}

// DefaultConfig returns a 30s timeout and a 10MB cap.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "semflow-knowledge/1.0",
		MaxBytes:  DefaultMaxBytes,
	}
}

// Provider implements actions.Provider for the knowledge kind.
type Provider struct {
	cfg       Config
	client    *http.Client
	converter *converter
	index     *index
	logger    *slog.Logger

	// allowAnyURL skips URL checks; tests use it to reach httptest servers.
	allowAnyURL bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithDocuments seeds the index.
func WithDocuments(docs ...Document) Option {
	return func(p *Provider) {
		for _, d := range docs {
			if d.AddedAt.IsZero() {
				d.AddedAt = time.Now()
			}
			p.index.add(d)
		}
	}
}

// New creates a knowledge provider.
func New(cfg Config, opts ...Option) *Provider {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	p := &Provider{
		cfg:       cfg,
		client:    newSafeClient(cfg.Timeout),
		converter: newConverter(),
		index:     newIndex(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "knowledge" }

func (p *Provider) Kind() actions.Kind { return actions.KindKnowledge }

// Add indexes a document directly.
func (p *Provider) Add(doc Document) {
	if doc.AddedAt.IsZero() {
		doc.AddedAt = time.Now()
	}
	p.index.add(doc)
}

// Execute runs search_knowledge or fetch_document.
func (p *Provider) Execute(ctx context.Context, action actions.Action, params map[string]any, _ string) (map[string]any, error) {
	fail := actions.Failure{Provider: p.Name(), Action: action}
	tenantID, _ := params["tenant_id"].(string)

	switch action {
	case actions.SearchKnowledge:
		query, _ := params["query"].(string)
		if query == "" {
			fail.Message = "query is required"
			return nil, &actions.ValidationError{Failure: fail}
		}
		limit := intParam(params["limit"], 5)
		hits := p.index.search(tenantID, query, limit)
		return map[string]any{"query": query, "results": hits, "count": len(hits)}, nil

	case actions.FetchDocument:
		rawURL, _ := params["url"].(string)
		if rawURL == "" {
			fail.Message = "url is required"
			return nil, &actions.ValidationError{Failure: fail}
		}
		return p.fetchDocument(ctx, fail, tenantID, rawURL)
	}

	fail.Message = "unsupported action"
	return nil, &actions.ValidationError{Failure: fail}
}

func (p *Provider) fetchDocument(ctx context.Context, fail actions.Failure, tenantID, rawURL string) (map[string]any, error) {
	pg, err := p.fetch(ctx, rawURL)
	if err != nil {
		fail.Message = err.Error()
		var se *statusError
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrBlockedURL), errors.Is(err, errTooLarge):
			return nil, &actions.ValidationError{Failure: fail}
		case errors.As(err, &se) && se.code == http.StatusNotFound:
			return nil, &actions.NotFoundError{Failure: fail}
		case errors.As(err, &se) && se.code == http.StatusTooManyRequests:
			secs, _ := strconv.Atoi(se.retryAfter)
			return nil, &actions.RateLimitError{Failure: fail, RetryAfter: time.Duration(secs) * time.Second}
		case errors.As(err, &se) && se.code < 500:
			return nil, &actions.ValidationError{Failure: fail}
		}
		return nil, &actions.UnavailableError{Failure: fail, Err: err}
	}

	doc, err := p.converter.convert(pg.Body, pg.ContentType)
	if err != nil {
		fail.Message = fmt.Sprintf("convert page: %v", err)
		return nil, &actions.ValidationError{Failure: fail}
	}

	sum := sha256.Sum256([]byte(tenantID + "|" + rawURL))
	entry := Document{
		ID:       "doc-" + hex.EncodeToString(sum[:8]),
		Title:    doc.Title,
		URL:      rawURL,
		Content:  doc.Markdown,
		AddedAt:  pg.FetchedAt,
		TenantID: tenantID,
	}
	p.index.add(entry)
	p.logger.Info("Fetched document", "url", rawURL, "title", doc.Title, "bytes", len(pg.Body))

	return map[string]any{
		"id":       entry.ID,
		"url":      rawURL,
		"title":    doc.Title,
		"markdown": doc.Markdown,
	}, nil
}

func intParam(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}
