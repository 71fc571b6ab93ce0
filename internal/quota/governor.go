// Package quota implements the admission and accounting layer against a
// shared Redis store. Balances are authoritative in Redis so peer processes
// see the same budget.
package quota

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyGlobalDaily     = "quota:global_daily"
	keyGlobalRemaining = "quota:global_remaining"

	// DefaultBronzeReserve pauses bronze admissions once the global balance
	// drops under this fraction of the daily budget.
	DefaultBronzeReserve = 0.15
)

// Tier is the SLA classification of a tenant.
type Tier string

const (
	TierGold   Tier = "gold"
	TierSilver Tier = "silver"
	TierBronze Tier = "bronze"
)

// ParseTier maps a stored string to a Tier, defaulting to bronze.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierGold, TierSilver, TierBronze:
		return Tier(s)
	default:
		return TierBronze
	}
}

// Weight returns the scheduling weight of the tier (higher = preferred).
func (t Tier) Weight() int {
	switch t {
	case TierGold:
		return 3
	case TierSilver:
		return 2
	default:
		return 1
	}
}

func keyClientRemaining(clientID string) string {
	return fmt.Sprintf("quota:client:%s:remaining", clientID)
}

func keyClientTier(clientID string) string {
	return fmt.Sprintf("client:%s:tier", clientID)
}

func keyClientPaused(clientID string) string {
	return fmt.Sprintf("client:%s:paused", clientID)
}

// Status is the global budget read-out for operator endpoints.
type Status struct {
	GlobalRemaining   int64   `json:"global_remaining"`
	GlobalDaily       int64   `json:"global_daily"`
	GlobalUsed        int64   `json:"global_used"`
	GlobalUsedPercent float64 `json:"global_used_percent"`
}

// ClientStatus is the per-tenant read-out for operator endpoints.
type ClientStatus struct {
	ClientID  string `json:"client_id"`
	Remaining int64  `json:"remaining"`
	Tier      Tier   `json:"tier"`
	Paused    bool   `json:"paused"`
}

// Governor keeps global and per-tenant unit balances and answers admission
// queries. Admission and debit are deliberately not one atomic operation;
// concurrent admissions can transiently over-commit by workers x max cost,
// and the bronze reserve absorbs the overshoot.
type Governor struct {
	rdb           redis.Cmdable
	logger        *zap.Logger
	bronzeReserve float64
}

// NewGovernor creates a governor over the given Redis client. A
// bronzeReserve of zero selects the default threshold.
func NewGovernor(rdb redis.Cmdable, logger *zap.Logger, bronzeReserve float64) *Governor {
	if bronzeReserve <= 0 {
		bronzeReserve = DefaultBronzeReserve
	}
	return &Governor{
		rdb:           rdb,
		logger:        logger,
		bronzeReserve: bronzeReserve,
	}
}

func (g *Governor) getInt(ctx context.Context, key string, def int64) (int64, error) {
	val, err := g.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// CanRun reports whether an operation costing units may proceed for the
// client. Bronze tenants are additionally refused once the global balance
// falls under the reserve threshold. Store errors fail open so a Redis
// outage does not halt the fleet; the next admission reflects reality once
// the store recovers.
func (g *Governor) CanRun(ctx context.Context, clientID string, units int64, tier Tier) bool {
	globalRemaining, err := g.getInt(ctx, keyGlobalRemaining, 0)
	if err != nil {
		g.logger.Error("quota check failed, failing open",
			zap.String("client_id", clientID), zap.Error(err))
		return true
	}
	clientRemaining, err := g.getInt(ctx, keyClientRemaining(clientID), 0)
	if err != nil {
		g.logger.Error("quota check failed, failing open",
			zap.String("client_id", clientID), zap.Error(err))
		return true
	}
	globalDaily, err := g.getInt(ctx, keyGlobalDaily, 1)
	if err != nil {
		g.logger.Error("quota check failed, failing open",
			zap.String("client_id", clientID), zap.Error(err))
		return true
	}

	if globalRemaining < units || clientRemaining < units {
		g.logger.Warn("quota insufficient",
			zap.String("client_id", clientID),
			zap.Int64("global_remaining", globalRemaining),
			zap.Int64("client_remaining", clientRemaining),
			zap.Int64("needed", units))
		return false
	}

	if tier == TierBronze {
		threshold := int64(g.bronzeReserve * float64(globalDaily))
		if globalRemaining < threshold {
			g.logger.Warn("bronze tier throttled",
				zap.String("client_id", clientID),
				zap.Int64("global_remaining", globalRemaining),
				zap.Int64("threshold", threshold))
			return false
		}
	}

	return true
}

// Charge debits units from both balances in a single pipelined round-trip.
// Errors are logged, never raised: the admission decision has already been
// made, and surfacing a debit error would double-punish a successful
// operation.
func (g *Governor) Charge(ctx context.Context, clientID string, units int64) {
	pipe := g.rdb.Pipeline()
	pipe.DecrBy(ctx, keyGlobalRemaining, units)
	pipe.DecrBy(ctx, keyClientRemaining(clientID), units)
	if _, err := pipe.Exec(ctx); err != nil {
		g.logger.Error("quota charge failed",
			zap.String("client_id", clientID), zap.Int64("units", units), zap.Error(err))
		return
	}
	g.logger.Debug("quota charged",
		zap.String("client_id", clientID), zap.Int64("units", units))
}

// Refund credits units back to both balances. Called only by explicit policy
// decisions; failed operations are not refunded by default because many
// failures still consumed upstream capacity.
func (g *Governor) Refund(ctx context.Context, clientID string, units int64) {
	pipe := g.rdb.Pipeline()
	pipe.IncrBy(ctx, keyGlobalRemaining, units)
	pipe.IncrBy(ctx, keyClientRemaining(clientID), units)
	if _, err := pipe.Exec(ctx); err != nil {
		g.logger.Error("quota refund failed",
			zap.String("client_id", clientID), zap.Int64("units", units), zap.Error(err))
		return
	}
	g.logger.Debug("quota refunded",
		zap.String("client_id", clientID), zap.Int64("units", units))
}

// Tier returns the tenant's SLA tier, defaulting to bronze when unset or on
// store errors.
func (g *Governor) Tier(ctx context.Context, clientID string) Tier {
	val, err := g.rdb.Get(ctx, keyClientTier(clientID)).Result()
	if err == redis.Nil {
		return TierBronze
	}
	if err != nil {
		g.logger.Error("tier lookup failed",
			zap.String("client_id", clientID), zap.Error(err))
		return TierBronze
	}
	return ParseTier(val)
}

// SetTier stores the tenant's SLA tier.
func (g *Governor) SetTier(ctx context.Context, clientID string, tier Tier) error {
	if err := g.rdb.Set(ctx, keyClientTier(clientID), string(tier), 0).Err(); err != nil {
		return fmt.Errorf("set tier for %s: %w", clientID, err)
	}
	g.logger.Info("tier set", zap.String("client_id", clientID), zap.String("tier", string(tier)))
	return nil
}

// IsPaused reports whether the tenant is paused. Store errors read as not
// paused.
func (g *Governor) IsPaused(ctx context.Context, clientID string) bool {
	val, err := g.rdb.Get(ctx, keyClientPaused(clientID)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		g.logger.Error("pause lookup failed",
			zap.String("client_id", clientID), zap.Error(err))
		return false
	}
	return val == "1"
}

// Pause blocks all operations for the tenant until Resume.
func (g *Governor) Pause(ctx context.Context, clientID string) error {
	if err := g.rdb.Set(ctx, keyClientPaused(clientID), "1", 0).Err(); err != nil {
		return fmt.Errorf("pause %s: %w", clientID, err)
	}
	g.logger.Info("client paused", zap.String("client_id", clientID))
	return nil
}

// Resume lifts a pause.
func (g *Governor) Resume(ctx context.Context, clientID string) error {
	if err := g.rdb.Del(ctx, keyClientPaused(clientID)).Err(); err != nil {
		return fmt.Errorf("resume %s: %w", clientID, err)
	}
	g.logger.Info("client resumed", zap.String("client_id", clientID))
	return nil
}

// SetClientQuota overwrites the tenant's remaining balance.
func (g *Governor) SetClientQuota(ctx context.Context, clientID string, units int64) error {
	if err := g.rdb.Set(ctx, keyClientRemaining(clientID), units, 0).Err(); err != nil {
		return fmt.Errorf("set quota for %s: %w", clientID, err)
	}
	g.logger.Info("client quota set",
		zap.String("client_id", clientID), zap.Int64("units", units))
	return nil
}

// ResetGlobal sets both the daily budget and the live balance, typically on
// the daily boundary. Also corrects any transient negative balance left by
// racing debits.
func (g *Governor) ResetGlobal(ctx context.Context, daily int64) error {
	pipe := g.rdb.Pipeline()
	pipe.Set(ctx, keyGlobalDaily, daily, 0)
	pipe.Set(ctx, keyGlobalRemaining, daily, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset global quota: %w", err)
	}
	g.logger.Info("global quota reset", zap.Int64("daily", daily))
	return nil
}

// Status returns the global budget read-out. Store errors produce a zeroed
// status rather than failing the operator endpoint.
func (g *Governor) Status(ctx context.Context) Status {
	remaining, err1 := g.getInt(ctx, keyGlobalRemaining, 0)
	daily, err2 := g.getInt(ctx, keyGlobalDaily, 0)
	if err1 != nil || err2 != nil {
		g.logger.Error("quota status read failed",
			zap.NamedError("remaining_err", err1), zap.NamedError("daily_err", err2))
		return Status{}
	}

	used := daily - remaining
	pct := 0.0
	if daily > 0 {
		pct = float64(used) / float64(daily) * 100
	}
	return Status{
		GlobalRemaining:   remaining,
		GlobalDaily:       daily,
		GlobalUsed:        used,
		GlobalUsedPercent: pct,
	}
}

// ClientStatus returns the per-tenant read-out.
func (g *Governor) ClientStatus(ctx context.Context, clientID string) ClientStatus {
	remaining, err := g.getInt(ctx, keyClientRemaining(clientID), 0)
	if err != nil {
		g.logger.Error("client status read failed",
			zap.String("client_id", clientID), zap.Error(err))
		remaining = 0
	}
	return ClientStatus{
		ClientID:  clientID,
		Remaining: remaining,
		Tier:      g.Tier(ctx, clientID),
		Paused:    g.IsPaused(ctx, clientID),
	}
}
