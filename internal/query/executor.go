package query

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultQueryTimeout bounds the whole scatter-gather.
const DefaultQueryTimeout = 30 * time.Second

// ShardResult is what one shard returns for its target.
type ShardResult struct {
	ShardID string            `json:"shardId"`
	Results []*model.Document `json:"results"`
	Total   int               `json:"total"`
	Error   error             `json:"-"`
}

// FetchFunc retrieves one shard's slice of the query. Implementations
// must honor ctx cancellation.
type FetchFunc func(ctx context.Context, target ShardTarget) (*ShardResult, error)

// Result is the merged outcome of a plan execution.
type Result struct {
	Results []*model.Document
	Total   int
	Limit   *int
	Offset  int
	// FailedShards lists shards skipped under the continue-on-error
	// policy.
	FailedShards []string
}

// ExecutorConfig tunes retries and the global timeout.
type ExecutorConfig struct {
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	ContinueOnError bool
	MaxResults      int
}

// DefaultExecutorConfig mirrors the service defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Timeout:         DefaultQueryTimeout,
		MaxRetries:      3,
		RetryBackoff:    100 * time.Millisecond,
		ContinueOnError: true,
		MaxResults:      1000,
	}
}

// Executor runs query plans: it races all shard fetches against the
// global timeout, retries transient per-shard failures with exponential
// backoff, and merges the shard slices.
type Executor struct {
	cfg    ExecutorConfig
	fetch  FetchFunc
	logger *zap.Logger
}

// NewExecutor creates an executor over the given fetch function.
func NewExecutor(cfg ExecutorConfig, fetch FetchFunc, logger *zap.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultQueryTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Executor{cfg: cfg, fetch: fetch, logger: logger}
}

// Execute runs the plan and returns the merged result. The merge order
// is sort, projection, offset, limit.
func (e *Executor) Execute(ctx context.Context, plan *QueryPlan) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	results := make([]*ShardResult, len(plan.Targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, target := range plan.Targets {
		i, target := i, target
		g.Go(func() error {
			res, err := e.fetchWithRetry(gctx, target)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if !e.cfg.ContinueOnError {
					return err
				}
				e.logger.Warn("Shard query failed, continuing",
					zap.String("shard_id", target.ShardID),
					zap.Error(err))
				res = &ShardResult{ShardID: target.ShardID, Results: nil, Total: 0, Error: err}
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Wrap(apperrors.CodeQueryTimeout, "query timed out", err)
		}
		return nil, err
	}

	return e.merge(plan, results), nil
}

// fetchWithRetry attempts the shard fetch with exponential backoff.
func (e *Executor) fetchWithRetry(ctx context.Context, target ShardTarget) (*ShardResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		res, err := e.fetch(ctx, target)
		if err == nil {
			return res, nil
		}
		lastErr = err
		// Validation failures will not succeed on retry.
		switch apperrors.CodeOf(err) {
		case apperrors.CodeInvalidQuery, apperrors.CodeInvalidRequest, apperrors.CodeInvalidDocument:
			return nil, err
		}
	}
	return nil, lastErr
}

// merge concatenates shard slices, sums totals, then applies sort,
// projection, offset, and limit in that order.
func (e *Executor) merge(plan *QueryPlan, results []*ShardResult) *Result {
	var docs []*model.Document
	total := 0
	shardOf := make(map[*model.Document]string)
	var failed []string
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Error != nil {
			failed = append(failed, res.ShardID)
			continue
		}
		total += res.Total
		for _, doc := range res.Results {
			shardOf[doc] = res.ShardID
			docs = append(docs, doc)
		}
	}

	SortDocuments(docs, plan.Options.Sort, func(d *model.Document) string { return shardOf[d] })

	if len(plan.Projection) > 0 {
		projected := make([]*model.Document, len(docs))
		for i, doc := range docs {
			projected[i] = Project(doc, plan.Projection)
		}
		docs = projected
	}

	limit := plan.Options.Limit
	if limit == nil && e.cfg.MaxResults > 0 {
		capped := e.cfg.MaxResults
		limit = &capped
	}
	docs = Paginate(docs, limit, plan.Options.Offset)

	return &Result{
		Results:      docs,
		Total:        total,
		Limit:        plan.Options.Limit,
		Offset:       plan.Options.Offset,
		FailedShards: failed,
	}
}

// Project builds a copy of doc containing only the projected dotted
// paths. Reserved metadata always survives; undefined paths are elided.
func Project(doc *model.Document, projection []string) *model.Document {
	out := &model.Document{
		ID:         doc.ID,
		Collection: doc.Collection,
		Version:    doc.Version,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
		Payload:    make(map[string]interface{}),
	}
	for _, path := range projection {
		value, defined := model.LookupPath(doc.Payload, path)
		if !defined {
			continue
		}
		setPath(out.Payload, path, value)
	}
	return out
}

// setPath materializes the nested object path inside obj and assigns
// value at the leaf.
func setPath(obj map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	current := obj
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}
