package engine

import (
	"math/big"
	"testing"
	"time"
)

func TestSplitFeeIsExact(t *testing.T) {
	cases := []struct {
		amount  int64
		feeBps  int
		wantNet int64
		wantFee int64
	}{
		{10_000, 30, 9_970, 30},
		{1, 30, 0, 1},
		{999, 25, 996, 3},
		{1_000, 0, 1_000, 0},
		{1_000, 10_000, 0, 1_000},
		{0, 50, 0, 0},
	}
	for _, tc := range cases {
		net, fee := SplitFee(big.NewInt(tc.amount), tc.feeBps)
		if net.Int64() != tc.wantNet || fee.Int64() != tc.wantFee {
			t.Fatalf("split %d@%dbps = (%s, %s), want (%d, %d)", tc.amount, tc.feeBps, net, fee, tc.wantNet, tc.wantFee)
		}
		sum := new(big.Int).Add(net, fee)
		if sum.Int64() != tc.amount {
			t.Fatalf("split %d@%dbps lost units: %s", tc.amount, tc.feeBps, sum)
		}
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	env := newTestEnv(t)
	env.eng.cfg.BaseBackoff = 100 * time.Millisecond
	env.eng.cfg.MaxBackoff = 800 * time.Millisecond
	for attempt := 1; attempt < 10; attempt++ {
		delay := env.eng.backoffDelay(attempt)
		if delay <= 0 || delay > env.eng.cfg.MaxBackoff {
			t.Fatalf("attempt %d: delay %v outside (0, %v]", attempt, delay, env.eng.cfg.MaxBackoff)
		}
	}
}
