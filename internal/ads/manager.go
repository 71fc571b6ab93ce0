package ads

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nucleuslabs/adsgateway/internal/apierr"
	"github.com/nucleuslabs/adsgateway/internal/cache"
	"github.com/nucleuslabs/adsgateway/internal/metrics"
	"github.com/nucleuslabs/adsgateway/internal/quota"
	"github.com/nucleuslabs/adsgateway/internal/scheduler"
)

// Unit costs charged per admitted operation.
const (
	CostRead  = 10
	CostWrite = 50
)

// Default urgencies when the caller does not set one. Writes jump the queue
// because callers are usually interactive when mutating.
const (
	DefaultReadUrgency  = 50
	DefaultWriteUrgency = 70
)

// DefaultOperationTimeout bounds how long a caller waits for a queued
// operation to be picked up and finish.
const DefaultOperationTimeout = 120 * time.Second

// ManagerConfig tunes the pipeline.
type ManagerConfig struct {
	ReadCost         int64
	WriteCost        int64
	OperationTimeout time.Duration
	Retry            RetryPolicy

	// Metrics, when set, receives admission refusal counts.
	Metrics *metrics.Set
}

func (c *ManagerConfig) fillDefaults() {
	if c.ReadCost <= 0 {
		c.ReadCost = CostRead
	}
	if c.WriteCost <= 0 {
		c.WriteCost = CostWrite
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy
	}
}

// Manager runs every request through the same admission pipeline: cache,
// pause check, quota admission, scheduling, retried upstream call, charge,
// and cache write-back.
type Manager struct {
	client    Client
	cache     *cache.Manager
	governor  *quota.Governor
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
	cfg       ManagerConfig
}

// NewManager wires the pipeline together.
func NewManager(client Client, cacheMgr *cache.Manager, governor *quota.Governor, sched *scheduler.Scheduler, logger *zap.Logger, cfg ManagerConfig) *Manager {
	cfg.fillDefaults()
	return &Manager{
		client:    client,
		cache:     cacheMgr,
		governor:  governor,
		scheduler: sched,
		logger:    logger,
		cfg:       cfg,
	}
}

// SearchOptions carries per-request pipeline knobs for reads. A nil Urgency
// selects the read default; zero is a valid lowest urgency.
type SearchOptions struct {
	ServiceType string
	Urgency     *int
	SkipCache   bool
}

func (m *Manager) refused(reason string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.QuotaRefusals.WithLabelValues(reason).Inc()
	}
}

// admit enforces the pause flag and the quota balances for one operation.
func (m *Manager) admit(ctx context.Context, clientID string, units int64, tier quota.Tier) error {
	if m.governor.IsPaused(ctx, clientID) {
		m.refused("paused")
		return apierr.QuotaExceeded("client operations are paused", clientID)
	}
	if !m.governor.CanRun(ctx, clientID, units, tier) {
		m.refused("insufficient_quota")
		return apierr.QuotaExceeded("insufficient quota for operation", clientID)
	}
	return nil
}

// ExecuteSearch runs a read. Cache hits return immediately without touching
// quota; misses are admitted, scheduled, retried, charged on success, and
// written back to both cache tiers.
func (m *Manager) ExecuteSearch(ctx context.Context, clientID string, req SearchRequest, opts SearchOptions) (*SearchResponse, error) {
	urgency := DefaultReadUrgency
	if opts.Urgency != nil {
		urgency = *opts.Urgency
	}
	if opts.ServiceType == "" {
		opts.ServiceType = "reporting"
	}

	key := cache.Key(clientID, "search", map[string]string{
		"customer_id": req.CustomerID,
		"query":       req.Query,
		"page_size":   strconv.Itoa(req.PageSize),
	})

	if !opts.SkipCache {
		if raw, ok := m.cache.Get(ctx, key); ok {
			var resp SearchResponse
			if err := json.Unmarshal(raw, &resp); err == nil {
				return &resp, nil
			}
			// Corrupt entry: drop it and fall through to the upstream.
			m.logger.Warn("evicting undecodable cache entry", zap.String("key", key))
			m.cache.Delete(ctx, key)
		}
	}

	tier := m.governor.Tier(ctx, clientID)
	if err := m.admit(ctx, clientID, m.cfg.ReadCost, tier); err != nil {
		return nil, err
	}

	// Charge and write-back run inside the scheduled closure: once admitted,
	// a successful upstream call is debited and cached even if the caller's
	// wait has already timed out.
	handle, err := m.scheduler.Submit(clientID, tier, urgency, func(opCtx context.Context) (any, error) {
		resp, err := withRetry(opCtx, m.cfg.Retry, m.logger, "search", func(c context.Context) (*SearchResponse, error) {
			return m.client.Search(c, req)
		})
		if err != nil {
			return nil, err
		}
		m.governor.Charge(opCtx, clientID, m.cfg.ReadCost)
		if payload, err := json.Marshal(resp); err == nil {
			m.cache.Set(opCtx, key, payload, opts.ServiceType, 0)
		}
		return resp, nil
	})
	if err != nil {
		return nil, apierr.Internal(fmt.Sprintf("submit search: %v", err))
	}

	result, err := m.await(ctx, handle)
	if err != nil {
		return nil, err
	}
	return result.(*SearchResponse), nil
}

// MutateOptions carries per-request pipeline knobs for writes. A nil Urgency
// selects the write default.
type MutateOptions struct {
	Urgency *int
}

// ExecuteMutate runs a write batch. Mutations are never cached; cost scales
// with the batch size.
func (m *Manager) ExecuteMutate(ctx context.Context, clientID string, req MutateRequest, opts MutateOptions) (*MutateResponse, error) {
	if len(req.Operations) == 0 {
		return nil, apierr.Validation("mutate request has no operations")
	}
	urgency := DefaultWriteUrgency
	if opts.Urgency != nil {
		urgency = *opts.Urgency
	}
	units := m.cfg.WriteCost * int64(len(req.Operations))

	tier := m.governor.Tier(ctx, clientID)
	if err := m.admit(ctx, clientID, units, tier); err != nil {
		return nil, err
	}

	handle, err := m.scheduler.Submit(clientID, tier, urgency, func(opCtx context.Context) (any, error) {
		resp, err := withRetry(opCtx, m.cfg.Retry, m.logger, "mutate", func(c context.Context) (*MutateResponse, error) {
			return m.client.Mutate(c, req)
		})
		if err != nil {
			return nil, err
		}
		m.governor.Charge(opCtx, clientID, units)

		// Writes invalidate the tenant's cached reads; stale rows after a
		// mutation confuse callers more than the extra upstream reads cost.
		if _, err := m.cache.ClearPattern(opCtx, fmt.Sprintf("client:%s:*", clientID)); err != nil {
			m.logger.Warn("cache invalidation after mutate failed",
				zap.String("client_id", clientID), zap.Error(err))
		}
		return resp, nil
	})
	if err != nil {
		return nil, apierr.Internal(fmt.Sprintf("submit mutate: %v", err))
	}

	result, err := m.await(ctx, handle)
	if err != nil {
		return nil, err
	}
	return result.(*MutateResponse), nil
}

// await waits for the scheduled operation within the configured timeout and
// normalizes failures into the taxonomy.
func (m *Manager) await(ctx context.Context, handle *scheduler.Handle) (any, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	result, err := handle.Wait(waitCtx)
	if err == nil {
		return result, nil
	}
	if waitCtx.Err() != nil {
		return nil, apierr.Timeout("operation did not complete in time",
			int(m.cfg.OperationTimeout.Seconds()))
	}
	if apiErr := apierr.As(err); apiErr != nil {
		return nil, apiErr
	}
	return nil, apierr.MapUpstream(err)
}
