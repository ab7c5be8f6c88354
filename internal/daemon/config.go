package daemon

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/hashdash/internal/config"
	"github.com/b0ase/path402/apps/hashdash/internal/mining"
	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
)

// engineConfig converts the YAML mining section into engine parameters.
func engineConfig(c config.MiningConfig) (mining.Config, error) {
	out := mining.Config{
		Interval:          c.TickInterval,
		SecondsPerBlock:   c.SecondsPerBlock,
		VarianceMin:       c.VarianceMin,
		VarianceMax:       c.VarianceMax,
		PayoutProbability: c.PayoutProbability,
	}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"block_reward", c.BlockReward, &out.BlockReward},
		{"payout_min", c.PayoutMin, &out.PayoutMin},
		{"payout_max", c.PayoutMax, &out.PayoutMax},
		{"start_bonus_min", c.StartBonusMin, &out.StartBonusMin},
		{"start_bonus_max", c.StartBonusMax, &out.StartBonusMax},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return mining.Config{}, fmt.Errorf("%s: %w", f.name, err)
		}
		if v.IsNegative() {
			return mining.Config{}, fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = v
	}

	switch {
	case out.Interval <= 0:
		return mining.Config{}, fmt.Errorf("tick_interval must be positive")
	case out.SecondsPerBlock <= 0:
		return mining.Config{}, fmt.Errorf("seconds_per_block must be positive")
	case out.VarianceMin > out.VarianceMax:
		return mining.Config{}, fmt.Errorf("variance_min %v exceeds variance_max %v", out.VarianceMin, out.VarianceMax)
	case out.PayoutProbability < 0 || out.PayoutProbability > 1:
		return mining.Config{}, fmt.Errorf("payout_probability %v outside [0, 1]", out.PayoutProbability)
	case out.PayoutMin.GreaterThan(out.PayoutMax):
		return mining.Config{}, fmt.Errorf("payout_min exceeds payout_max")
	case out.StartBonusMin.GreaterThan(out.StartBonusMax):
		return mining.Config{}, fmt.Errorf("start_bonus_min exceeds start_bonus_max")
	}
	return out, nil
}

func settlementPolicy(c config.SettlementConfig) (settlement.Policy, error) {
	p := settlement.DefaultPolicy()
	if c.ConfirmationThreshold > 0 {
		p.Threshold = c.ConfirmationThreshold
	}
	if c.PartialConfirmations > 0 {
		p.PartialConfirmations = c.PartialConfirmations
	}
	if c.FirstDelay > 0 {
		p.FirstDelay = c.FirstDelay
	}
	if c.SecondDelay > 0 {
		p.SecondDelay = c.SecondDelay
	}
	if c.CallTimeout > 0 {
		p.CallTimeout = c.CallTimeout
	}
	switch c.DebitMode {
	case "":
	case settlement.DebitAfterSubmit, settlement.DebitReserve:
		p.DebitMode = c.DebitMode
	default:
		return settlement.Policy{}, fmt.Errorf("unknown debit_mode %q", c.DebitMode)
	}
	if p.PartialConfirmations >= p.Threshold {
		return settlement.Policy{}, fmt.Errorf("partial_confirmations %d must be below confirmation_threshold %d",
			p.PartialConfirmations, p.Threshold)
	}
	return p, nil
}

// optionalDecimal parses s, treating blank as zero.
func optionalDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
