// Package ads fronts the upstream advertising API: the client abstraction,
// retry and circuit-breaker wrappers, and the admission pipeline that ties
// caching, quota, and scheduling together.
package ads

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nucleuslabs/adsgateway/internal/apierr"
	"github.com/nucleuslabs/adsgateway/internal/metrics"
)

// SearchRequest is a read against the upstream reporting surface.
type SearchRequest struct {
	CustomerID string `json:"customer_id"`
	Query      string `json:"query"`
	PageSize   int    `json:"page_size,omitempty"`
}

// MutateOperation is one change in a mutate batch.
type MutateOperation struct {
	Entity    string          `json:"entity"`
	Operation string          `json:"operation"`
	Resource  json.RawMessage `json:"resource"`
}

// MutateRequest is a write batch against the upstream API.
type MutateRequest struct {
	CustomerID   string            `json:"customer_id"`
	Operations   []MutateOperation `json:"operations"`
	ValidateOnly bool              `json:"validate_only,omitempty"`
}

// SearchResponse carries the upstream result rows.
type SearchResponse struct {
	Results       []json.RawMessage `json:"results"`
	NextPageToken string            `json:"next_page_token,omitempty"`
	TotalResults  int               `json:"total_results"`
}

// MutateResponse carries per-operation results; PartialFailure is set when
// the upstream accepted the batch but rejected individual operations.
type MutateResponse struct {
	Results        []json.RawMessage `json:"results"`
	PartialFailure string            `json:"partial_failure_error,omitempty"`
}

// Client is the upstream advertising API surface the gateway depends on.
type Client interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	Mutate(ctx context.Context, req MutateRequest) (*MutateResponse, error)
}

// BreakerClient wraps a Client with a circuit breaker so a misbehaving
// upstream sheds load fast instead of tying up workers.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Set
}

// NewBreakerClient wraps inner with a breaker that opens after 5 consecutive
// failures and probes again after 30 seconds.
func NewBreakerClient(inner Client, logger *zap.Logger) *BreakerClient {
	settings := gobreaker.Settings{
		Name:    "upstream-ads-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Instrument publishes upstream call outcomes to the given metric set.
func (b *BreakerClient) Instrument(set *metrics.Set) {
	b.metrics = set
}

func (b *BreakerClient) observe(operation, outcome string) {
	if b.metrics != nil {
		b.metrics.UpstreamCalls.WithLabelValues(operation, outcome).Inc()
	}
}

func (b *BreakerClient) execute(operation string, fn func() (any, error)) (any, error) {
	res, err := b.breaker.Execute(fn)
	switch {
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		b.observe(operation, "rejected")
		return nil, apierr.CircuitOpen("upstream ads api circuit is open")
	case err != nil:
		b.observe(operation, "error")
	default:
		b.observe(operation, "success")
	}
	return res, err
}

func (b *BreakerClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	res, err := b.execute("search", func() (any, error) {
		return b.inner.Search(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*SearchResponse), nil
}

func (b *BreakerClient) Mutate(ctx context.Context, req MutateRequest) (*MutateResponse, error) {
	res, err := b.execute("mutate", func() (any, error) {
		return b.inner.Mutate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*MutateResponse), nil
}

// MockClient is a scriptable Client for tests and local development.
type MockClient struct {
	mu          sync.Mutex
	searchCalls int
	mutateCalls int

	// SearchFn/MutateFn, when set, script the responses. Unset, the mock
	// returns an empty success.
	SearchFn func(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	MutateFn func(ctx context.Context, req MutateRequest) (*MutateResponse, error)
}

func (m *MockClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	m.mu.Lock()
	m.searchCalls++
	m.mu.Unlock()
	if m.SearchFn != nil {
		return m.SearchFn(ctx, req)
	}
	return &SearchResponse{Results: []json.RawMessage{}}, nil
}

func (m *MockClient) Mutate(ctx context.Context, req MutateRequest) (*MutateResponse, error) {
	m.mu.Lock()
	m.mutateCalls++
	m.mu.Unlock()
	if m.MutateFn != nil {
		return m.MutateFn(ctx, req)
	}
	return &MutateResponse{Results: []json.RawMessage{}}, nil
}

// SearchCalls returns how many Search calls reached the mock.
func (m *MockClient) SearchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searchCalls
}

// MutateCalls returns how many Mutate calls reached the mock.
func (m *MockClient) MutateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateCalls
}
