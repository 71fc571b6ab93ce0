package quota

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestGovernor(t *testing.T) (*Governor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewGovernor(rdb, zap.NewNop(), 0), mr
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
	}{
		{"gold", TierGold},
		{"silver", TierSilver},
		{"bronze", TierBronze},
		{"", TierBronze},
		{"platinum", TierBronze},
	}
	for _, tt := range tests {
		if got := ParseTier(tt.in); got != tt.want {
			t.Errorf("ParseTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTierWeight(t *testing.T) {
	if TierGold.Weight() != 3 || TierSilver.Weight() != 2 || TierBronze.Weight() != 1 {
		t.Errorf("weights = %d/%d/%d, want 3/2/1",
			TierGold.Weight(), TierSilver.Weight(), TierBronze.Weight())
	}
}

func TestResetGlobalSetsBothBalances(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	if err := g.ResetGlobal(ctx, 10000); err != nil {
		t.Fatalf("ResetGlobal: %v", err)
	}

	st := g.Status(ctx)
	if st.GlobalDaily != 10000 || st.GlobalRemaining != 10000 {
		t.Errorf("status = %+v, want daily=remaining=10000", st)
	}
	if st.GlobalUsed != 0 || st.GlobalUsedPercent != 0 {
		t.Errorf("fresh reset reports usage: %+v", st)
	}
}

func TestCanRunRefusesWhenEitherBalanceShort(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	if err := g.ResetGlobal(ctx, 10000); err != nil {
		t.Fatal(err)
	}
	if err := g.SetClientQuota(ctx, "c1", 50); err != nil {
		t.Fatal(err)
	}

	if g.CanRun(ctx, "c1", 100, TierGold) {
		t.Error("admitted past client balance")
	}
	if !g.CanRun(ctx, "c1", 50, TierGold) {
		t.Error("refused within both balances")
	}
	// Absent client key reads as zero.
	if g.CanRun(ctx, "nobody", 1, TierGold) {
		t.Error("admitted a client with no configured quota")
	}
}

func TestBronzeReserveThrottle(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	if err := g.ResetGlobal(ctx, 10000); err != nil {
		t.Fatal(err)
	}
	if err := g.SetClientQuota(ctx, "c1", 500); err != nil {
		t.Fatal(err)
	}

	// Burn the global balance down to 10% of daily.
	g.Charge(ctx, "other", 9000)

	if g.CanRun(ctx, "c1", 100, TierBronze) {
		t.Error("bronze admitted under the reserve threshold")
	}
	if !g.CanRun(ctx, "c1", 100, TierGold) {
		t.Error("gold refused above its balances")
	}
	if !g.CanRun(ctx, "c1", 100, TierSilver) {
		t.Error("silver refused; only bronze is reserve-gated")
	}
}

func TestChargeThenRefundRestoresBalances(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	if err := g.ResetGlobal(ctx, 1000); err != nil {
		t.Fatal(err)
	}
	if err := g.SetClientQuota(ctx, "c1", 200); err != nil {
		t.Fatal(err)
	}

	g.Charge(ctx, "c1", 60)

	st := g.Status(ctx)
	if st.GlobalRemaining != 940 {
		t.Errorf("global remaining = %d, want 940", st.GlobalRemaining)
	}
	cs := g.ClientStatus(ctx, "c1")
	if cs.Remaining != 140 {
		t.Errorf("client remaining = %d, want 140", cs.Remaining)
	}

	g.Refund(ctx, "c1", 60)

	if st := g.Status(ctx); st.GlobalRemaining != 1000 {
		t.Errorf("global remaining after refund = %d, want 1000", st.GlobalRemaining)
	}
	if cs := g.ClientStatus(ctx, "c1"); cs.Remaining != 200 {
		t.Errorf("client remaining after refund = %d, want 200", cs.Remaining)
	}
}

func TestPauseResume(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	if g.IsPaused(ctx, "c1") {
		t.Error("fresh client reads paused")
	}
	if err := g.Pause(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if !g.IsPaused(ctx, "c1") {
		t.Error("client not paused after Pause")
	}
	if err := g.Resume(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if g.IsPaused(ctx, "c1") {
		t.Error("client still paused after Resume")
	}
}

func TestTierRoundTripAndDefault(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	if got := g.Tier(ctx, "c1"); got != TierBronze {
		t.Errorf("default tier = %q, want bronze", got)
	}
	if err := g.SetTier(ctx, "c1", TierGold); err != nil {
		t.Fatal(err)
	}
	if got := g.Tier(ctx, "c1"); got != TierGold {
		t.Errorf("tier = %q, want gold", got)
	}
}

func TestCanRunFailsOpenOnStoreOutage(t *testing.T) {
	g, mr := newTestGovernor(t)
	ctx := context.Background()

	mr.Close()

	if !g.CanRun(ctx, "c1", 100, TierBronze) {
		t.Error("CanRun failed closed during store outage")
	}
}

func TestChargeSwallowsStoreErrors(t *testing.T) {
	g, mr := newTestGovernor(t)
	ctx := context.Background()

	mr.Close()

	// Must not panic or surface anything.
	g.Charge(ctx, "c1", 10)
	g.Refund(ctx, "c1", 10)
}

func TestClientStatusReadOut(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	if err := g.SetClientQuota(ctx, "c1", 500); err != nil {
		t.Fatal(err)
	}
	if err := g.SetTier(ctx, "c1", TierSilver); err != nil {
		t.Fatal(err)
	}
	if err := g.Pause(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	cs := g.ClientStatus(ctx, "c1")
	if cs.Remaining != 500 || cs.Tier != TierSilver || !cs.Paused {
		t.Errorf("client status = %+v", cs)
	}
}

func TestStatusUsedPercent(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	if err := g.ResetGlobal(ctx, 1000); err != nil {
		t.Fatal(err)
	}
	g.Charge(ctx, "c1", 250)

	st := g.Status(ctx)
	if st.GlobalUsed != 250 {
		t.Errorf("used = %d, want 250", st.GlobalUsed)
	}
	if st.GlobalUsedPercent != 25 {
		t.Errorf("used percent = %v, want 25", st.GlobalUsedPercent)
	}
}
